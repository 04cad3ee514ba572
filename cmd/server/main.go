package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tanvib/sitepulse/internal/api"
	"github.com/tanvib/sitepulse/internal/attribution"
	"github.com/tanvib/sitepulse/internal/cleanup"
	"github.com/tanvib/sitepulse/internal/config"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/firehose"
	"github.com/tanvib/sitepulse/internal/ingest"
	"github.com/tanvib/sitepulse/internal/ratelimit"
	"github.com/tanvib/sitepulse/internal/session"
	"github.com/tanvib/sitepulse/internal/store"
	"github.com/tanvib/sitepulse/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Live state
	registry := session.NewRegistry(logger)
	counters := counter.NewStore(redisStore.Client(), registry, logger, cfg.SnapshotTTL, cfg.ActiveWindow)
	resolver := attribution.NewResolver(pgStore, logger)
	hub := ws.NewHub(counters, logger)

	opts := ingest.Options{Summaries: pgStore}

	// Optional ClickHouse archive
	if cfg.ClickHouseAddr != "" {
		archive, err := store.NewEventArchive(ctx, store.ArchiveConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		opts.Archive = archive
		logger.Info("connected to ClickHouse", "addr", cfg.ClickHouseAddr)
	}

	// Optional Kafka firehose
	if len(cfg.KafkaBrokers) > 0 {
		producer := firehose.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		opts.Firehose = producer
		logger.Info("kafka firehose enabled", "topic", cfg.KafkaTopic)
	}

	pipeline := ingest.NewPipeline(registry, counters, resolver, hub, opts, logger)
	limiter := ratelimit.NewLimiter(redisStore.Client(), cfg.IngestRateLimit, logger)

	// Background session sweep
	scheduler := cleanup.NewScheduler(registry, cfg.CleanupInterval, cfg.SessionTimeout, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Setup router
	router := api.NewRouter(pipeline, limiter, counters, registry, pgStore, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
