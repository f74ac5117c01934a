package review

import (
	"time"

	"github.com/gearloop/marketplace/internal/models"
	"github.com/google/uuid"
)

// DefaultWindow is how long after completion a sale can be reviewed
const DefaultWindow = 14 * 24 * time.Hour

// WithheldMessage replaces reviews that are not yet public
const WithheldMessage = "Reviews become visible once both parties have reviewed or the review period has ended."

// Visible reports whether the reviews of a completed sale are public.
// They are once both participants reviewed or the window has fully elapsed.
func Visible(count int, completedAt, now time.Time, window time.Duration) bool {
	return count >= 2 || now.Sub(completedAt) > window
}

// WindowOpen reports whether a review can still be submitted
func WindowOpen(completedAt, now time.Time, window time.Duration) bool {
	return now.Sub(completedAt) <= window
}

// ExpiresAt is the last instant a review can be submitted
func ExpiresAt(completedAt time.Time, window time.Duration) time.Time {
	return completedAt.Add(window)
}

// CheckEligibility decides whether callerID may review sale now
func CheckEligibility(sale *models.Sale, callerID uuid.UUID, alreadyReviewed bool, now time.Time, window time.Duration) error {
	if !sale.IsParticipant(callerID) {
		return ErrNotParticipant
	}
	if sale.Status != models.SaleStatusCompleted || sale.CompletedAt == nil {
		return ErrSaleNotCompleted
	}
	if alreadyReviewed {
		return ErrAlreadyReviewed
	}
	if !WindowOpen(*sale.CompletedAt, now, window) {
		return ErrReviewPeriodExpired
	}
	return nil
}
