package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Enqueue records an event in the caller's transaction.
// The event becomes visible to the relay only if that transaction commits.
func Enqueue(ctx context.Context, q database.Querier, eventType string, aggregateID uuid.UUID, payload any) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	eventID := uuid.New()
	_, err = q.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4)
	`, eventID, eventType, aggregateID, body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return eventID, nil
}

// HandleFunc delivers one event; a non-nil error marks the attempt failed
type HandleFunc func(ctx context.Context, event models.OutboxEvent) error

// BatchResult summarizes one relay pass
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
	Parked    int `json:"parked"`
	Deferred  int `json:"deferred"`
}

// Store is the persistence the relay works against
type Store interface {
	Process(ctx context.Context, limit, maxAttempts int, fn HandleFunc) (*BatchResult, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PGStore is the PostgreSQL outbox table
type PGStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPGStore creates a new PostgreSQL outbox store
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Process claims up to limit unpublished events and hands each to fn.
// Rows stay locked (SKIP LOCKED) until the pass commits, so concurrent relays never
// deliver the same event twice. Once an event of an aggregate fails, later events of
// the same aggregate are deferred to keep their order.
func (s *PGStore) Process(ctx context.Context, limit, maxAttempts int, fn HandleFunc) (*BatchResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL AND attempts < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}

	var batch []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateID, &e.Payload,
			&e.Attempts, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	result := &BatchResult{Claimed: len(batch)}
	blocked := map[uuid.UUID]bool{}

	for _, e := range batch {
		if blocked[e.AggregateID] {
			result.Deferred++
			continue
		}

		if herr := fn(ctx, e); herr != nil {
			blocked[e.AggregateID] = true
			result.Failed++
			if e.Attempts+1 >= maxAttempts {
				result.Parked++
			}
			_, err := tx.Exec(ctx, `
				UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1
			`, e.ID, herr.Error())
			if err != nil {
				return nil, fmt.Errorf("failed to record attempt: %w", err)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE outbox_events SET published_at = $2, attempts = attempts + 1, last_error = NULL WHERE id = $1
		`, e.ID, s.now()); err != nil {
			return nil, fmt.Errorf("failed to mark published: %w", err)
		}
		result.Published++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// Purge deletes published events older than the retention period
func (s *PGStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.Exec(ctx, `
		DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1
	`, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return result.RowsAffected(), nil
}
