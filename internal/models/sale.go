package models

import (
	"time"

	"github.com/google/uuid"
)

// SaleStatus represents the lifecycle state of a sale
type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// CancelReason records why a sale left the pending state without completing
type CancelReason string

const (
	CancelReasonDeclined  CancelReason = "declined"
	CancelReasonWithdrawn CancelReason = "withdrawn"
)

// Sale is a proposed-then-resolved transaction between a seller and one buyer for one listing
type Sale struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	ProductID    uuid.UUID     `json:"product_id" db:"product_id"`
	BuyerID      uuid.UUID     `json:"buyer_id" db:"buyer_id"`
	SellerID     uuid.UUID     `json:"seller_id" db:"seller_id"`
	Status       SaleStatus    `json:"status" db:"status"`
	CancelReason *CancelReason `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// IsParticipant reports whether the user is the buyer or the seller
func (s *Sale) IsParticipant(userID uuid.UUID) bool {
	return s.BuyerID == userID || s.SellerID == userID
}

// Counterpart returns the other participant of the sale
func (s *Sale) Counterpart(userID uuid.UUID) uuid.UUID {
	if s.BuyerID == userID {
		return s.SellerID
	}
	return s.BuyerID
}
