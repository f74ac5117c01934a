package models

import (
	"time"

	"github.com/google/uuid"
)

// Review is one participant's rating of a completed sale
type Review struct {
	ID         uuid.UUID `json:"id" db:"id"`
	SaleID     uuid.UUID `json:"sale_id" db:"sale_id"`
	ReviewerID uuid.UUID `json:"reviewer_id" db:"reviewer_id"`
	RevieweeID uuid.UUID `json:"reviewee_id" db:"reviewee_id"`
	Rating     int       `json:"rating" db:"rating"`
	Content    *string   `json:"content,omitempty" db:"content"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PublicReview is a visible review enriched for profile display
type PublicReview struct {
	Review
	ReviewerUsername string    `json:"reviewer_username" db:"reviewer_username"`
	ProductID        uuid.UUID `json:"product_id" db:"product_id"`
	ProductTitle     string    `json:"product_title" db:"product_title"`
	// ReviewerRole is "buyer" when the reviewer bought the listing
	ReviewerRole string `json:"reviewer_role" db:"reviewer_role"`
}
