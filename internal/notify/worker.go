package notify

import (
	"context"
	"errors"
	"time"

	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Handler sends the notification for one event
type Handler interface {
	Dispatch(ctx context.Context, eventType string, body []byte) (uuid.UUID, error)
}

// Deduper remembers delivered message ids
type Deduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// RedisDeduper keeps delivered message ids in Redis for ttl
type RedisDeduper struct {
	rc  *cache.Redis
	ttl time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper
func NewRedisDeduper(rc *cache.Redis, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rc: rc, ttl: ttl}
}

func (d *RedisDeduper) key(id string) string { return "notify:sent:" + id }

// Seen reports whether messageID was already delivered
func (d *RedisDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := d.rc.Client.Exists(ctx, d.key(messageID)).Result()
	return n > 0, err
}

// Mark records messageID as delivered
func (d *RedisDeduper) Mark(ctx context.Context, messageID string) error {
	return d.rc.Client.Set(ctx, d.key(messageID), 1, d.ttl).Err()
}

// Worker consumes event deliveries and acknowledges them by outcome:
// success acks, a first failure requeues, a failed redelivery is dead-lettered.
type Worker struct {
	handler Handler
	dedupe  Deduper
	timeout time.Duration
}

// NewWorker creates a new worker. dedupe may be nil.
func NewWorker(handler Handler, dedupe Deduper, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{handler: handler, dedupe: dedupe, timeout: timeout}
}

// Run handles deliveries until ctx ends or the channel closes
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery. Errors are logged and never returned.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	eventType := d.RoutingKey
	if d.Type != "" {
		eventType = d.Type
	}

	if w.dedupe != nil && d.MessageId != "" {
		seen, err := w.dedupe.Seen(ctx, d.MessageId)
		if err != nil {
			log.Warn().Err(err).Str("message_id", d.MessageId).Msg("Dedupe lookup failed")
		}
		if seen {
			w.finish(d, eventType, uuid.Nil, "duplicate", nil, start)
			_ = d.Ack(false)
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	recipient, err := w.handler.Dispatch(sendCtx, eventType, d.Body)
	cancel()

	switch {
	case err == nil:
		if w.dedupe != nil && d.MessageId != "" {
			if merr := w.dedupe.Mark(ctx, d.MessageId); merr != nil {
				log.Warn().Err(merr).Str("message_id", d.MessageId).Msg("Dedupe mark failed")
			}
		}
		w.finish(d, eventType, recipient, "sent", nil, start)
		_ = d.Ack(false)
	case errors.Is(err, ErrUnknownEvent):
		w.finish(d, eventType, recipient, "skipped", err, start)
		_ = d.Ack(false)
	case d.Redelivered:
		w.finish(d, eventType, recipient, "dead_lettered", err, start)
		_ = d.Nack(false, false)
	default:
		w.finish(d, eventType, recipient, "requeued", err, start)
		_ = d.Nack(false, true)
	}
}

func (w *Worker) finish(d amqp.Delivery, eventType string, recipient uuid.UUID, status string, err error, start time.Time) {
	monitoring.RecordNotification(eventType, status, time.Since(start))
	logging.LogNotification(d.MessageId, eventType, recipient.String(), status, err)
}
