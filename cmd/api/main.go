package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/jobs"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gearloop/marketplace/internal/mq"
	"github.com/gearloop/marketplace/internal/outbox"
	"github.com/gearloop/marketplace/internal/review"
	"github.com/gearloop/marketplace/internal/server"
	"github.com/gearloop/marketplace/internal/tracing"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env, cfg.Server.Name)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting marketplace API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing, cfg.Server.Name, cfg.Server.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database.URL); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	db, err := database.New(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Redis is optional; the API runs without rating cache and rate limits
	rc, err := cache.New(ctx, cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, continuing without cache")
		rc = nil
	} else {
		defer rc.Close()
	}

	monitoring.Init()

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	// The notification queue is declared here too so events relayed before the notifier starts are kept
	publisher, err := mq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, mq.ConsumerConfigFrom(&cfg.RabbitMQ, ""))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer publisher.Close()

	store := outbox.NewPGStore(db.Pool)
	relay := outbox.NewRelay(store, publisher, outbox.RelayConfig{
		PollInterval: cfg.Marketplace.OutboxPollInterval,
		BatchSize:    cfg.Marketplace.OutboxBatchSize,
		MaxAttempts:  cfg.Marketplace.OutboxMaxAttempts,
	})
	if err := relay.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start outbox relay")
	}

	var scheduler *jobs.Scheduler
	if cfg.Jobs.Enabled {
		reviews := review.NewService(db.Pool, rc, cfg.Marketplace.ReviewWindow, cfg.Marketplace.RatingCacheTTL)
		scheduler, err = jobs.NewMarketplaceScheduler(cfg, reviews, listing.NewService(db.Pool), store)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure jobs")
		}
		scheduler.Start()
	}

	srv := server.NewAPIServer(cfg, server.Deps{
		DB:    db.Pool,
		Cache: rc,
		Relay: relay,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("url", cfg.Server.URL).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	relay.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
