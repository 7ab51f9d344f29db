package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patchwatch/internal/api"
	"patchwatch/internal/ingest"
	"patchwatch/internal/syncer"
	"patchwatch/pkg/config"
	"patchwatch/pkg/consumer"
	"patchwatch/pkg/logger"
	"patchwatch/pkg/producer"
	"patchwatch/pkg/server"
	"patchwatch/pkg/store"
	"patchwatch/pkg/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err == nil {
		err = cfg.ValidateSyncer()
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: "syncer",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	l.Info("syncer service initializing", zap.String("env", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize PostgreSQL
	repo, err := store.NewPostgresRepository(ctx, store.PostgresConfig{
		URI:      cfg.Postgres.URI,
		MinConns: int32(cfg.Postgres.MinConns),
		MaxConns: int32(cfg.Postgres.MaxConns),
	}, l)
	if err != nil {
		l.Error("failed to connect to postgres", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		l.Error("failed to migrate schema", err)
		os.Exit(1)
	}

	// 4. Fan-out pool and processor
	// Not bound to ctx so in-flight API fan-outs can drain on shutdown.
	pool := worker.NewPool(l.Named("fanout-pool"), cfg.Syncer.FanoutWorkers)
	pool.Start(context.Background())

	processor := ingest.NewProcessor(
		ingest.NewResolver(repo),
		ingest.NewUpdateStore(repo),
		ingest.NewFanout(repo, pool, l),
		l,
	)

	// 5. Optional dead-letter producer
	var deadLetter producer.Producer
	if cfg.Kafka.DeadLetterTopic != "" {
		dlq := producer.NewKafkaProducer(producer.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.DeadLetterTopic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err := dlq.Connect(ctx); err != nil {
			l.Error("failed to connect dead-letter producer", err)
			os.Exit(1)
		}
		defer dlq.Close()
		deadLetter = dlq
	}

	// 6. Create service
	svc := syncer.NewService(l,
		consumer.NewFactory(consumer.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}),
		processor,
		deadLetter,
		syncer.Config{
			ProcessTimeout:  cfg.Syncer.ProcessTimeout,
			PartitionBuffer: cfg.Syncer.PartitionBuffer,
			RestartBackoff:  cfg.Syncer.RestartBackoff,
		})

	// 7. Start ingestion API
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(processor, cfg.Syncer.ProcessTimeout, l).RegisterRoutes(router.Group("/api/v1"))
	apiServer := &http.Server{
		Addr:              cfg.HTTP.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Syncer.ProcessTimeout + 5*time.Second,
	}
	go func() {
		l.Info("starting ingestion api", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("ingestion api failed", err)
		}
	}()

	// 8. Start observability server
	metricsAddr := cfg.HTTP.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":8081"
	}
	obsServer := server.New(metricsAddr, l, map[string]server.Check{"postgres": repo.Ping})
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	// 9. Start service
	l.Info("syncer service starting")
	if err := svc.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			l.Info("syncer service stopping")
		} else {
			l.Error("syncer service failed", err)
		}
	}

	// Clean up servers and drain in-flight fan-outs
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	obsServer.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		l.Warn("fan-out pool did not drain", zap.Error(err))
	}
}
