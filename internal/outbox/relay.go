package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// Publisher hands a message to the event bus
type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

// RelayConfig holds relay configuration
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Relay moves committed outbox events onto the event bus
type Relay struct {
	store     Store
	publisher Publisher
	config    RelayConfig

	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
	lastRun    time.Time
	lastResult *BatchResult
}

// NewRelay creates a new outbox relay
func NewRelay(store Store, publisher Publisher, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins polling in the background
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().Dur("interval", r.config.PollInterval).Msg("Outbox relay started")
	return nil
}

// Stop stops polling and waits for the current pass
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	log.Info().Msg("Outbox relay stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunNow(ctx); err != nil {
				log.Error().Err(err).Msg("Outbox relay pass failed")
			}
		}
	}
}

// RunNow performs one relay pass immediately.
// A full batch is followed by another pass so a backlog drains without waiting for the ticker.
func (r *Relay) RunNow(ctx context.Context) (*BatchResult, error) {
	total := &BatchResult{}
	for {
		result, err := r.store.Process(ctx, r.config.BatchSize, r.config.MaxAttempts, r.publish)
		if err != nil {
			return nil, err
		}
		total.Claimed += result.Claimed
		total.Published += result.Published
		total.Failed += result.Failed
		total.Parked += result.Parked
		total.Deferred += result.Deferred

		if result.Claimed < r.config.BatchSize || result.Published == 0 || ctx.Err() != nil {
			break
		}
	}

	monitoring.SetOutboxBacklog(total.Claimed)

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastResult = total
	r.mu.Unlock()

	if total.Claimed > 0 {
		log.Debug().
			Int("claimed", total.Claimed).
			Int("published", total.Published).
			Int("failed", total.Failed).
			Msg("Outbox relay pass")
	}
	return total, nil
}

func (r *Relay) publish(ctx context.Context, e models.OutboxEvent) error {
	err := r.publisher.Publish(ctx, e.EventType, e.EventID.String(), e.Payload)
	if err != nil {
		monitoring.RecordOutboxPublish(e.EventType, "failed")
		event := log.Warn()
		if e.Attempts+1 >= r.config.MaxAttempts {
			event = log.Error()
		}
		event.Err(err).
			Str("event_id", e.EventID.String()).
			Str("event_type", e.EventType).
			Int("attempt", e.Attempts+1).
			Bool("parked", e.Attempts+1 >= r.config.MaxAttempts).
			Msg("Failed to publish outbox event")
		return err
	}
	monitoring.RecordOutboxPublish(e.EventType, "published")
	return nil
}

// Status represents the current status of the relay
type Status struct {
	Running    bool         `json:"running"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *BatchResult `json:"last_result,omitempty"`
}

// Status returns the relay status
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Running: r.running, LastResult: r.lastResult}
	if !r.lastRun.IsZero() {
		t := r.lastRun
		st.LastRun = &t
	}
	return st
}
