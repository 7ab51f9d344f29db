package main

import (
	"context"
	"errors"
	"flag"
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	var (
		channelID  = flag.String("channel", "", "channel id to backfill")
		fromFlag   = flag.String("from", "", "interval start, RFC 3339")
		toFlag     = flag.String("to", "", "interval end, RFC 3339 (default now)")
		pageSize   = flag.Int("page", 0, "history page size (default from config)")
		configFile = flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	)
	flag.Parse()

	from, to, err := parseInterval(*fromFlag, *toFlag, time.Now())
	if err == nil && *channelID == "" {
		err = errors.New("missing -channel")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: backfill -channel ID -from TIME [-to TIME]: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err == nil {
		err = cfg.ValidateBackfill()
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: "backfill",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checkpoints checkpoint.Store = checkpoint.NewFileStore(cfg.Watcher.CheckpointPath)
	if cfg.Watcher.CheckpointBackend == config.CheckpointRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		checkpoints = checkpoint.NewRedisStore(rdb, cfg.Watcher.CheckpointKey)
	}

	kafkaProducer := producer.NewKafkaProducer(producer.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	})
	if err := kafkaProducer.Connect(ctx); err != nil {
		l.Error("failed to connect to kafka", err)
		os.Exit(1)
	}

	source, err := chatstream.NewDiscordSource(chatstream.Config{
		Token:          cfg.Discord.Token,
		ChannelIDs:     []string{*channelID},
		RequestTimeout: cfg.Discord.RequestTimeout,
	}, l)
	if err != nil {
		l.Error("failed to create discord source", err)
		os.Exit(1)
	}

	svc := watcher.NewService(l, source, watcher.NewPublisher(kafkaProducer), checkpoints,
		parser.NewOptions(cfg.Discord.AuthorizedAuthorIDs...),
		watcher.Config{
			PageSize:         cfg.Watcher.BackfillPageSize,
			ProgressInterval: cfg.Watcher.ProgressInterval,
		})
	defer svc.Stop(context.Background())

	l.Info("backfill starting",
		logger.Channel(*channelID),
		zap.Time("from", from),
		zap.Time("to", to))

	var last watcher.Progress
	for p := range svc.Backfill(ctx, watcher.BackfillRequest{
		ChannelID: *channelID,
		From:      from,
		To:        to,
		PageSize:  *pageSize,
	}) {
		last = p
		fmt.Printf("pages=%d scanned=%d found=%d published=%d failed=%d\n",
			p.Pages, p.Scanned, p.Found, p.Published, p.Failed)
	}

	if last.Err != nil && !errors.Is(last.Err, context.Canceled) {
		l.Error("backfill failed", last.Err)
		os.Exit(1)
	}
	l.Info("backfill finished", zap.Int("published", last.Published), zap.Int("failed", last.Failed))
}

func parseInterval(fromFlag, toFlag string, now time.Time) (time.Time, time.Time, error) {
	if fromFlag == "" {
		return time.Time{}, time.Time{}, errors.New("-from is required")
	}
	from, err := time.Parse(time.RFC3339, fromFlag)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
	}
	to := now
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, watcher.ErrInvalidInterval
	}
	return from, to, nil
}
