package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patchwatch/internal/watcher"
	"patchwatch/pkg/chatstream"
	"patchwatch/pkg/checkpoint"
	"patchwatch/pkg/config"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/parser"
	"patchwatch/pkg/producer"
	"patchwatch/pkg/server"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err == nil {
		err = cfg.ValidateWatcher()
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: "watcher",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	l.Info("watcher service initializing", zap.String("env", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]server.Check{}

	// 3. Checkpoint store
	var checkpoints checkpoint.Store
	switch cfg.Watcher.CheckpointBackend {
	case config.CheckpointRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			l.Error("failed to connect to redis", err)
			os.Exit(1)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		checkpoints = checkpoint.NewRedisStore(rdb, cfg.Watcher.CheckpointKey)
	default:
		checkpoints = checkpoint.NewFileStore(cfg.Watcher.CheckpointPath)
	}

	// 4. Kafka producer
	kafkaProducer := producer.NewKafkaProducer(producer.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	})
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = kafkaProducer.Connect(connectCtx)
	connectCancel()
	if err != nil {
		l.Error("failed to connect to kafka", err)
		os.Exit(1)
	}

	// 5. Discord source
	source, err := chatstream.NewDiscordSource(chatstream.Config{
		Token:          cfg.Discord.Token,
		ChannelIDs:     cfg.Discord.ChannelIDs,
		RequestTimeout: cfg.Discord.RequestTimeout,
	}, l)
	if err != nil {
		l.Error("failed to create discord source", err)
		os.Exit(1)
	}

	// 6. Create service
	svc := watcher.NewService(l, source, watcher.NewPublisher(kafkaProducer), checkpoints,
		parser.NewOptions(cfg.Discord.AuthorizedAuthorIDs...),
		watcher.Config{
			ChannelIDs:       cfg.Discord.ChannelIDs,
			LaneBuffer:       cfg.Watcher.LaneBuffer,
			PageSize:         cfg.Watcher.BackfillPageSize,
			ProgressInterval: cfg.Watcher.ProgressInterval,
			CatchUp:          cfg.Watcher.CatchUp,
			CatchUpWindow:    cfg.Watcher.CatchUpWindow,
		})

	// 7. Start observability server
	metricsAddr := cfg.HTTP.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":8080"
	}
	obsServer := server.New(metricsAddr, l, checks)
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	// 8. Start service
	l.Info("watcher service starting")
	if err := svc.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			l.Info("watcher service stopping")
		} else {
			l.Error("watcher service failed", err)
		}
	}

	// Clean up observability server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obsServer.Shutdown(shutdownCtx)
}
