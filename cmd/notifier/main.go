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

	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gearloop/marketplace/internal/mq"
	"github.com/gearloop/marketplace/internal/notify"
	"github.com/rs/zerolog/log"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
	dedupeTTL         = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	service := cfg.Server.Name + "-notifier"
	logging.Setup(&cfg.Logging, cfg.Server.Env, service)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("queue", cfg.RabbitMQ.Queue).
		Msg("Starting notification worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	var dedupe notify.Deduper
	if rc, err := cache.New(ctx, cfg.Redis.URL); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, duplicate deliveries will not be filtered")
	} else {
		defer rc.Close()
		dedupe = notify.NewRedisDeduper(rc, dedupeTTL)
	}

	dispatcher := notify.NewDispatcher(notify.NewPGDirectory(db.Pool), notify.NewMailer(&cfg.SMTP), cfg.Server.WebURL)
	worker := notify.NewWorker(dispatcher, dedupe, cfg.SMTP.Timeout)

	consume(ctx, mq.ConsumerConfigFrom(&cfg.RabbitMQ, service), worker)

	log.Info().Msg("Notification worker exited gracefully")
}

// consume keeps a consumer attached to the queue until ctx ends, reconnecting after broker failures
func consume(ctx context.Context, cfg mq.ConsumerConfig, worker *notify.Worker) {
	delay := newBackoff(minReconnectDelay, maxReconnectDelay)
	for ctx.Err() == nil {
		consumed, err := consumeOnce(ctx, cfg, worker)
		if consumed {
			delay.Reset()
		}
		if ctx.Err() != nil {
			return
		}

		wait := delay.Next()
		if err != nil {
			log.Error().Err(err).Dur("retry_in", wait).Msg("Consumer disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consumeOnce runs one consumer session. consumed reports whether deliveries were flowing.
func consumeOnce(ctx context.Context, cfg mq.ConsumerConfig, worker *notify.Worker) (consumed bool, err error) {
	consumer, err := mq.NewConsumer(cfg)
	if err != nil {
		return false, err
	}
	defer consumer.Close()

	closed := consumer.NotifyClose()
	deliveries, err := consumer.Deliveries(ctx)
	if err != nil {
		return false, err
	}

	log.Info().Str("queue", cfg.Queue).Msg("Consuming notification events")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx, deliveries) }()

	select {
	case <-ctx.Done():
		<-done
		return true, nil
	case amqpErr, ok := <-closed:
		cancel()
		<-done
		if ok && amqpErr != nil {
			return true, fmt.Errorf("connection closed: %w", amqpErr)
		}
		return true, errors.New("connection closed")
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return true, err
		}
		if ctx.Err() != nil {
			return true, nil
		}
		return true, errors.New("delivery channel closed")
	}
}

// backoff doubles the reconnect delay up to max
type backoff struct {
	min, max, next time.Duration
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	return &backoff{min: minDelay, max: maxDelay, next: minDelay}
}

// Next returns the delay to wait now and doubles the following one
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset starts over from the minimum delay
func (b *backoff) Reset() {
	b.next = b.min
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

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
