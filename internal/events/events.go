package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Routing keys of the marketplace events
const (
	SaleProposed    = "sale.proposed"
	SaleConfirmed   = "sale.confirmed"
	SaleDeclined    = "sale.declined"
	SaleWithdrawn   = "sale.withdrawn"
	ReviewRequested = "review.requested"
	ReviewReminder  = "review.reminder"
)

// SaleEvent is the payload of every sale.* event
type SaleEvent struct {
	SaleID    uuid.UUID `json:"sale_id"`
	ProductID uuid.UUID `json:"product_id"`
	BuyerID   uuid.UUID `json:"buyer_id"`
	SellerID  uuid.UUID `json:"seller_id"`
	ActorID   uuid.UUID `json:"actor_id"`
}

// ReviewRequestedEvent asks the counterpart of the first reviewer to review too
type ReviewRequestedEvent struct {
	SaleID      uuid.UUID `json:"sale_id"`
	ReviewerID  uuid.UUID `json:"reviewer_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
}

// ReviewReminderEvent warns a participant that their review window is closing
type ReviewReminderEvent struct {
	SaleID      uuid.UUID `json:"sale_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Decode unmarshals an event payload
func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload failed: %w", err)
	}
	return t, nil
}
