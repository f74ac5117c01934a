package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatThread is a buyer's conversation with a seller about one listing
type ChatThread struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	ProductID       uuid.UUID  `json:"product_id" db:"product_id"`
	SellerID        uuid.UUID  `json:"seller_id" db:"seller_id"`
	BuyerID         uuid.UUID  `json:"buyer_id" db:"buyer_id"`
	BuyerDeletedAt  *time.Time `json:"-" db:"buyer_deleted_at"`
	SellerDeletedAt *time.Time `json:"-" db:"seller_deleted_at"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// IsParticipant reports whether the user takes part in the thread
func (t *ChatThread) IsParticipant(userID uuid.UUID) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// ChatMessage is a single message in a thread
type ChatMessage struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ThreadID  uuid.UUID `json:"thread_id" db:"thread_id"`
	SenderID  uuid.UUID `json:"sender_id" db:"sender_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
