package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/events"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gearloop/marketplace/internal/outbox"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gearloop/marketplace/internal/tracing"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Service errors
var (
	ErrNotParticipant      = errors.New("only the buyer or seller can review this sale")
	ErrSaleNotCompleted    = errors.New("only completed sales can be reviewed")
	ErrAlreadyReviewed     = errors.New("you have already reviewed this sale")
	ErrReviewPeriodExpired = errors.New("review period expired")
)

const (
	reviewOnceConstraint = "reviews_sale_reviewer_key"
	ratingCacheType      = "rating"
)

var validate = validator.New()

// Service manages reviews of completed sales
type Service struct {
	db       *pgxpool.Pool
	cache    *cache.Redis
	window   time.Duration
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService creates a new review service. rc may be nil to disable rating caching.
func NewService(db *pgxpool.Pool, rc *cache.Redis, window, cacheTTL time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{db: db, cache: rc, window: window, cacheTTL: cacheTTL, now: time.Now}
}

// SubmitRequest represents a review submission
type SubmitRequest struct {
	SaleID  uuid.UUID `json:"sale_id" binding:"required" validate:"required"`
	Rating  int       `json:"rating" binding:"required" validate:"min=1,max=5"`
	Content *string   `json:"content" validate:"omitempty,max=1000"`
}

// SubmitResult is the stored review and whether the sale's reviews are now public
type SubmitResult struct {
	Review  *models.Review `json:"review"`
	First   bool           `json:"first"`
	Visible bool           `json:"visible"`
}

// SaleReviews is what a viewer may see of one sale's reviews
type SaleReviews struct {
	SaleID  uuid.UUID       `json:"sale_id"`
	Visible bool            `json:"visible"`
	Reviews []models.Review `json:"reviews"`
	// Own is the viewer's review, shown even while the pair is withheld
	Own     *models.Review `json:"own,omitempty"`
	Message string         `json:"message,omitempty"`
}

// RatingSummary aggregates a user's public reviews
type RatingSummary struct {
	UserID  uuid.UUID       `json:"user_id"`
	Average decimal.Decimal `json:"average"`
	Count   int             `json:"count"`
}

// PendingReview is a completed sale the caller can still review
type PendingReview struct {
	SaleID       uuid.UUID          `json:"sale_id"`
	ProductID    uuid.UUID          `json:"product_id"`
	ProductTitle string             `json:"product_title"`
	Counterpart  models.UserSummary `json:"counterpart"`
	CompletedAt  time.Time          `json:"completed_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// Submit stores the caller's review of a completed sale
func (s *Service) Submit(ctx context.Context, callerID uuid.UUID, req *SubmitRequest) (result *SubmitResult, err error) {
	ctx, span := tracing.Start(ctx, "review.Submit", attribute.String("sale.id", req.SaleID.String()))
	defer func() {
		tracing.End(span, err)
		monitoring.RecordReviewSubmitted(outcome(err))
	}()

	if req.Content != nil {
		trimmed := strings.TrimSpace(*req.Content)
		req.Content = &trimmed
		if trimmed == "" {
			req.Content = nil
		}
	}
	if err = validate.Struct(req); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes the first and second review of the same sale
	sl, err := sale.GetForUpdate(ctx, tx, req.SaleID)
	if err != nil {
		return nil, err
	}

	var count int
	var alreadyReviewed bool
	err = tx.QueryRow(ctx, `
		SELECT count(*), coalesce(bool_or(reviewer_id = $2), false) FROM reviews WHERE sale_id = $1
	`, sl.ID, callerID).Scan(&count, &alreadyReviewed)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}

	now := s.now()
	if err = CheckEligibility(sl, callerID, alreadyReviewed, now, s.window); err != nil {
		return nil, err
	}

	var r models.Review
	err = tx.QueryRow(ctx, `
		INSERT INTO reviews (sale_id, reviewer_id, reviewee_id, rating, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, sale_id, reviewer_id, reviewee_id, rating, content, created_at
	`, sl.ID, callerID, sl.Counterpart(callerID), req.Rating, req.Content, now).Scan(
		&r.ID, &r.SaleID, &r.ReviewerID, &r.RevieweeID, &r.Rating, &r.Content, &r.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, reviewOnceConstraint) {
			return nil, ErrAlreadyReviewed
		}
		return nil, fmt.Errorf("failed to create review: %w", err)
	}

	first := count == 0
	if first {
		_, err = outbox.Enqueue(ctx, tx, events.ReviewRequested, sl.ID, events.ReviewRequestedEvent{
			SaleID:      sl.ID,
			ReviewerID:  callerID,
			RecipientID: r.RevieweeID,
		})
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	logging.LogReviewSubmitted(sl.ID.String(), callerID.String(), r.Rating, first)
	s.invalidate(ctx, sl.BuyerID, sl.SellerID)

	return &SubmitResult{
		Review:  &r,
		First:   first,
		Visible: Visible(count+1, *sl.CompletedAt, now, s.window),
	}, nil
}

// SaleReviews returns the reviews of one sale as the viewer may see them
func (s *Service) SaleReviews(ctx context.Context, viewerID, saleID uuid.UUID) (*SaleReviews, error) {
	var status models.SaleStatus
	var completedAt *time.Time
	err := s.db.QueryRow(ctx, `SELECT status, completed_at FROM sales WHERE id = $1`, saleID).Scan(&status, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrSaleNotFound
		}
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}

	out := &SaleReviews{SaleID: saleID, Reviews: []models.Review{}}
	if status != models.SaleStatusCompleted || completedAt == nil {
		out.Message = WithheldMessage
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, sale_id, reviewer_id, reviewee_id, rating, content, created_at
		FROM reviews WHERE sale_id = $1 ORDER BY created_at
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var all []models.Review
	for rows.Next() {
		var r models.Review
		if err := rows.Scan(&r.ID, &r.SaleID, &r.ReviewerID, &r.RevieweeID, &r.Rating, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range all {
		if all[i].ReviewerID == viewerID {
			own := all[i]
			out.Own = &own
		}
	}

	out.Visible = Visible(len(all), *completedAt, s.now(), s.window)
	if !out.Visible {
		out.Message = WithheldMessage
		return out, nil
	}
	out.Reviews = all
	return out, nil
}

// ValidPublicReviews lists reviews about target that are public, newest first
func (s *Service) ValidPublicReviews(ctx context.Context, targetID uuid.UUID) (reviews []models.PublicReview, err error) {
	ctx, span := tracing.Start(ctx, "review.ValidPublicReviews", attribute.String("user.id", targetID.String()))
	defer func() { tracing.End(span, err) }()

	// Listing titles come from soft-deleted listings too
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.sale_id, r.reviewer_id, r.reviewee_id, r.rating, r.content, r.created_at,
			u.username, p.id, p.title,
			CASE WHEN r.reviewer_id = s.buyer_id THEN 'buyer' ELSE 'seller' END,
			s.completed_at,
			(SELECT count(*) FROM reviews r2 WHERE r2.sale_id = r.sale_id)
		FROM reviews r
		JOIN sales s ON s.id = r.sale_id
		JOIN users u ON u.id = r.reviewer_id
		JOIN products p ON p.id = s.product_id
		WHERE r.reviewee_id = $1 AND s.status = 'completed'
		ORDER BY r.created_at DESC
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list public reviews: %w", err)
	}
	defer rows.Close()

	now := s.now()
	reviews = []models.PublicReview{}
	for rows.Next() {
		var pr models.PublicReview
		var completedAt time.Time
		var count int
		err := rows.Scan(
			&pr.ID, &pr.SaleID, &pr.ReviewerID, &pr.RevieweeID, &pr.Rating, &pr.Content, &pr.CreatedAt,
			&pr.ReviewerUsername, &pr.ProductID, &pr.ProductTitle, &pr.ReviewerRole,
			&completedAt, &count,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		if Visible(count, completedAt, now, s.window) {
			reviews = append(reviews, pr)
		}
	}
	return reviews, rows.Err()
}

// RatingSummary returns the mean rating over target's public reviews
func (s *Service) RatingSummary(ctx context.Context, targetID uuid.UUID) (*RatingSummary, error) {
	key := ratingKey(targetID)
	if s.cache != nil {
		var cached RatingSummary
		err := s.cache.GetJSON(ctx, ratingCacheType, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Rating cache read failed")
		}
	}

	reviews, err := s.ValidPublicReviews(ctx, targetID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(targetID, reviews)

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, key, summary, s.cacheTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Rating cache write failed")
		}
	}
	return summary, nil
}

// Summarize averages ratings to two decimal places
func Summarize(userID uuid.UUID, reviews []models.PublicReview) *RatingSummary {
	summary := &RatingSummary{UserID: userID, Average: decimal.Zero, Count: len(reviews)}
	if len(reviews) == 0 {
		return summary
	}
	total := decimal.Zero
	for _, r := range reviews {
		total = total.Add(decimal.NewFromInt(int64(r.Rating)))
	}
	summary.Average = total.Div(decimal.NewFromInt(int64(len(reviews)))).Round(2)
	return summary
}

// Pending lists completed sales the caller has not reviewed while the window is open
func (s *Service) Pending(ctx context.Context, callerID uuid.UUID) ([]PendingReview, error) {
	now := s.now()
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.product_id, p.title, s.completed_at,
			u.id, u.username, u.avatar_url
		FROM sales s
		JOIN products p ON p.id = s.product_id
		JOIN users u ON u.id = CASE WHEN s.buyer_id = $1 THEN s.seller_id ELSE s.buyer_id END
		WHERE (s.buyer_id = $1 OR s.seller_id = $1)
			AND s.status = 'completed'
			AND s.completed_at >= $2
			AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.sale_id = s.id AND r.reviewer_id = $1)
		ORDER BY s.completed_at
	`, callerID, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	pending := []PendingReview{}
	for rows.Next() {
		var p PendingReview
		err := rows.Scan(&p.SaleID, &p.ProductID, &p.ProductTitle, &p.CompletedAt,
			&p.Counterpart.ID, &p.Counterpart.Username, &p.Counterpart.AvatarURL)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending review: %w", err)
		}
		p.ExpiresAt = ExpiresAt(p.CompletedAt, s.window)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// RemindExpiring enqueues one reminder per participant whose window closes within lead
// and who has not reviewed yet. It returns how many reminders were queued.
func (s *Service) RemindExpiring(ctx context.Context, lead time.Duration) (int, error) {
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// completed_at + window falls in (now, now + lead]
	rows, err := tx.Query(ctx, `
		WITH due AS (
			SELECT s.id AS sale_id, s.completed_at, p.user_id
			FROM sales s
			CROSS JOIN LATERAL (VALUES (s.buyer_id), (s.seller_id)) AS p(user_id)
			WHERE s.status = 'completed'
				AND s.completed_at > $1
				AND s.completed_at <= $2
				AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.sale_id = s.id AND r.reviewer_id = p.user_id)
		), sent AS (
			INSERT INTO review_reminders (sale_id, user_id, sent_at)
			SELECT sale_id, user_id, $3 FROM due
			ON CONFLICT DO NOTHING
			RETURNING sale_id, user_id
		)
		SELECT sent.sale_id, sent.user_id, due.completed_at
		FROM sent JOIN due USING (sale_id, user_id)
	`, now.Add(-s.window), now.Add(lead-s.window), now)
	if err != nil {
		return 0, fmt.Errorf("failed to record reminders: %w", err)
	}

	var due []events.ReviewReminderEvent
	for rows.Next() {
		var e events.ReviewReminderEvent
		var completedAt time.Time
		if err := rows.Scan(&e.SaleID, &e.RecipientID, &completedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan reminder: %w", err)
		}
		e.ExpiresAt = ExpiresAt(completedAt, s.window)
		due = append(due, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range due {
		if _, err := outbox.Enqueue(ctx, tx, events.ReviewReminder, e.SaleID, e); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(due), nil
}

func (s *Service) invalidate(ctx context.Context, userIDs ...uuid.UUID) {
	if s.cache == nil {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, ratingKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Msg("Rating cache invalidation failed")
	}
}

func ratingKey(userID uuid.UUID) string {
	return "rating:" + userID.String()
}

func outcome(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verrs):
		return "invalid"
	case errors.Is(err, ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, sale.ErrSaleNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyReviewed):
		return "duplicate"
	case errors.Is(err, ErrReviewPeriodExpired):
		return "expired"
	case errors.Is(err, ErrSaleNotCompleted):
		return "not_completed"
	default:
		return "error"
	}
}
