package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is a state-change event recorded in the same transaction as the change
type OutboxEvent struct {
	ID          int64           `json:"id" db:"id"`
	EventID     uuid.UUID       `json:"event_id" db:"event_id"`
	EventType   string          `json:"event_type" db:"event_type"`
	AggregateID uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Attempts    int             `json:"attempts" db:"attempts"`
	LastError   *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty" db:"published_at"`
}
