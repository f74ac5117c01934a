package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearloop/marketplace/internal/chat"
	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/events"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gearloop/marketplace/internal/outbox"
	"github.com/gearloop/marketplace/internal/tracing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

// Service errors
var (
	ErrSaleNotFound       = errors.New("sale not found")
	ErrNotOwner           = errors.New("only the listing owner can sell it")
	ErrSelfDealing        = errors.New("you cannot sell a listing to yourself")
	ErrNoChatThread       = errors.New("the buyer has no conversation with you about this listing")
	ErrAlreadySold        = errors.New("this listing is already sold or reserved")
	ErrListingUnavailable = errors.New("this listing has been removed")
	ErrNotBuyer           = errors.New("only the buyer can do this")
	ErrNotSeller          = errors.New("only the seller can do this")
	ErrNotParticipant     = errors.New("you are not part of this sale")
	ErrSaleNotPending     = errors.New("this sale is no longer pending")
)

// activeSaleIndex guards one pending or completed sale per listing
const activeSaleIndex = "sales_one_active_per_product"

const saleColumns = `s.id, s.product_id, s.buyer_id, s.seller_id, s.status, s.cancel_reason,
	s.created_at, s.updated_at, s.completed_at, s.cancelled_at`

// Service runs the sale state machine
type Service struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewService creates a new sale service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db, now: time.Now}
}

// ProposeRequest represents a seller choosing a buyer
type ProposeRequest struct {
	ProductID uuid.UUID `json:"product_id" binding:"required"`
	BuyerID   uuid.UUID `json:"buyer_id" binding:"required"`
}

// SaleView is a sale as listed for one participant
type SaleView struct {
	models.Sale
	ProductTitle string `json:"product_title"`
	Role         string `json:"role"`
	// PendingAction is set when the caller is the buyer of a pending sale
	PendingAction bool `json:"pending_action"`
}

// Propose creates a pending sale of the caller's listing to buyerID and reserves the listing
func (s *Service) Propose(ctx context.Context, callerID, productID, buyerID uuid.UUID) (sale *models.Sale, err error) {
	ctx, span := tracing.Start(ctx, "sale.Propose",
		attribute.String("product.id", productID.String()),
		attribute.String("buyer.id", buyerID.String()))
	defer func() {
		saleID := uuid.Nil
		if sale != nil {
			saleID = sale.ID
			span.SetAttributes(attribute.String("sale.id", saleID.String()))
		}
		tracing.End(span, err)
		s.record("propose", saleID, productID, callerID, err)
	}()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent proposals for the same listing
	var ownerID uuid.UUID
	var isSold bool
	var deletedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT owner_id, is_sold, deleted_at FROM products WHERE id = $1 FOR UPDATE
	`, productID).Scan(&ownerID, &isSold, &deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, listing.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to lock listing: %w", err)
	}

	if ownerID != callerID {
		return nil, ErrNotOwner
	}
	if buyerID == callerID {
		return nil, ErrSelfDealing
	}
	if deletedAt != nil {
		return nil, ErrListingUnavailable
	}
	if isSold {
		return nil, ErrAlreadySold
	}

	hasThread, err := chat.HasBuyerThread(ctx, tx, productID, callerID, buyerID)
	if err != nil {
		return nil, err
	}
	if !hasThread {
		return nil, ErrNoChatThread
	}

	now := s.now()
	sale, err = scanSale(tx.QueryRow(ctx, `
		INSERT INTO sales AS s (product_id, buyer_id, seller_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+saleColumns,
		productID, buyerID, callerID, models.SaleStatusPending, now,
	))
	if err != nil {
		if database.IsUniqueViolation(err, activeSaleIndex) {
			return nil, ErrAlreadySold
		}
		return nil, fmt.Errorf("failed to create sale: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE products SET is_sold = true, sold_at = $2, updated_at = $2 WHERE id = $1
	`, productID, now); err != nil {
		return nil, fmt.Errorf("failed to reserve listing: %w", err)
	}

	if _, err = outbox.Enqueue(ctx, tx, events.SaleProposed, sale.ID, saleEvent(sale, callerID)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sale, nil
}

// transition describes one move out of the pending state
type transition struct {
	name   string
	actor  func(*models.Sale, uuid.UUID) error
	to     models.SaleStatus
	reason models.CancelReason
	event  string
}

var (
	confirmTransition = transition{
		name:  "confirm",
		actor: requireBuyer,
		to:    models.SaleStatusCompleted,
		event: events.SaleConfirmed,
	}
	declineTransition = transition{
		name:   "decline",
		actor:  requireBuyer,
		to:     models.SaleStatusCancelled,
		reason: models.CancelReasonDeclined,
		event:  events.SaleDeclined,
	}
	withdrawTransition = transition{
		name:   "withdraw",
		actor:  requireSeller,
		to:     models.SaleStatusCancelled,
		reason: models.CancelReasonWithdrawn,
		event:  events.SaleWithdrawn,
	}
)

// Confirm completes a pending sale. Only the buyer may confirm.
func (s *Service) Confirm(ctx context.Context, callerID, saleID uuid.UUID) (*models.Sale, error) {
	return s.apply(ctx, callerID, saleID, confirmTransition)
}

// Decline cancels a pending sale on the buyer's behalf and relists the listing
func (s *Service) Decline(ctx context.Context, callerID, saleID uuid.UUID) (*models.Sale, error) {
	return s.apply(ctx, callerID, saleID, declineTransition)
}

// Withdraw cancels a pending sale on the seller's behalf and relists the listing
func (s *Service) Withdraw(ctx context.Context, callerID, saleID uuid.UUID) (*models.Sale, error) {
	return s.apply(ctx, callerID, saleID, withdrawTransition)
}

func (s *Service) apply(ctx context.Context, callerID, saleID uuid.UUID, t transition) (sale *models.Sale, err error) {
	ctx, span := tracing.Start(ctx, "sale."+t.name, attribute.String("sale.id", saleID.String()))
	var productID uuid.UUID
	defer func() {
		tracing.End(span, err)
		s.record(t.name, saleID, productID, callerID, err)
	}()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	productID = current.ProductID

	if err = t.actor(current, callerID); err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, t.to) {
		return nil, ErrSaleNotPending
	}

	now := s.now()
	var completedAt, cancelledAt *time.Time
	var reason *models.CancelReason
	if t.to == models.SaleStatusCompleted {
		completedAt = &now
	} else {
		cancelledAt = &now
		r := t.reason
		reason = &r
	}

	sale, err = scanSale(tx.QueryRow(ctx, `
		UPDATE sales AS s
		SET status = $2, cancel_reason = $3, completed_at = $4, cancelled_at = $5, updated_at = $6
		WHERE s.id = $1 AND s.status = $7
		RETURNING `+saleColumns,
		saleID, t.to, reason, completedAt, cancelledAt, now, models.SaleStatusPending,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotPending
		}
		return nil, fmt.Errorf("failed to update sale: %w", err)
	}

	if t.to == models.SaleStatusCancelled {
		if _, err = tx.Exec(ctx, `
			UPDATE products SET is_sold = false, sold_at = NULL, updated_at = $2 WHERE id = $1
		`, sale.ProductID, now); err != nil {
			return nil, fmt.Errorf("failed to relist listing: %w", err)
		}
	}

	if _, err = outbox.Enqueue(ctx, tx, t.event, sale.ID, saleEvent(sale, callerID)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sale, nil
}

// Get returns a sale to one of its participants
func (s *Service) Get(ctx context.Context, callerID, saleID uuid.UUID) (*models.Sale, error) {
	sale, err := scanSale(s.db.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales s WHERE s.id = $1`, saleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}
	if !sale.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	return sale, nil
}

// ListMine lists the caller's sales, newest first.
// role is "buyer", "seller" or empty for both.
func (s *Service) ListMine(ctx context.Context, callerID uuid.UUID, role string) ([]SaleView, error) {
	filter := `(s.buyer_id = $1 OR s.seller_id = $1)`
	switch role {
	case "buyer":
		filter = `s.buyer_id = $1`
	case "seller":
		filter = `s.seller_id = $1`
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+saleColumns+`, p.title
		FROM sales s
		JOIN products p ON p.id = s.product_id
		WHERE `+filter+`
		ORDER BY s.created_at DESC
	`, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	views := []SaleView{}
	for rows.Next() {
		var v SaleView
		sl := &v.Sale
		err := rows.Scan(
			&sl.ID, &sl.ProductID, &sl.BuyerID, &sl.SellerID, &sl.Status, &sl.CancelReason,
			&sl.CreatedAt, &sl.UpdatedAt, &sl.CompletedAt, &sl.CancelledAt, &v.ProductTitle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		v.Role = "seller"
		if sl.BuyerID == callerID {
			v.Role = "buyer"
		}
		v.PendingAction = v.Role == "buyer" && sl.Status == models.SaleStatusPending
		views = append(views, v)
	}
	return views, rows.Err()
}

// GetForUpdate locks a sale row inside tx
func GetForUpdate(ctx context.Context, tx pgx.Tx, saleID uuid.UUID) (*models.Sale, error) {
	return lockSale(ctx, tx, saleID)
}

func lockSale(ctx context.Context, tx pgx.Tx, saleID uuid.UUID) (*models.Sale, error) {
	sale, err := scanSale(tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales s WHERE s.id = $1 FOR UPDATE`, saleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("failed to lock sale: %w", err)
	}
	return sale, nil
}

func requireBuyer(sale *models.Sale, callerID uuid.UUID) error {
	if !sale.IsParticipant(callerID) {
		return ErrNotParticipant
	}
	if sale.BuyerID != callerID {
		return ErrNotBuyer
	}
	return nil
}

func requireSeller(sale *models.Sale, callerID uuid.UUID) error {
	if !sale.IsParticipant(callerID) {
		return ErrNotParticipant
	}
	if sale.SellerID != callerID {
		return ErrNotSeller
	}
	return nil
}

func saleEvent(sale *models.Sale, actorID uuid.UUID) events.SaleEvent {
	return events.SaleEvent{
		SaleID:    sale.ID,
		ProductID: sale.ProductID,
		BuyerID:   sale.BuyerID,
		SellerID:  sale.SellerID,
		ActorID:   actorID,
	}
}

// record logs and counts a transition attempt
func (s *Service) record(name string, saleID, productID, actorID uuid.UUID, err error) {
	outcome := Outcome(err)
	monitoring.RecordSaleTransition(name, outcome)
	logging.LogSaleTransition(saleID.String(), productID.String(), actorID.String(), name, outcome)
}

// Outcome labels an error for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller), errors.Is(err, ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, ErrSaleNotFound), errors.Is(err, listing.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySold):
		return "already_sold"
	case errors.Is(err, ErrNoChatThread):
		return "no_chat"
	case errors.Is(err, ErrSaleNotPending):
		return "not_pending"
	case errors.Is(err, ErrSelfDealing), errors.Is(err, ErrListingUnavailable):
		return "rejected"
	default:
		return "error"
	}
}

func scanSale(row pgx.Row) (*models.Sale, error) {
	var sl models.Sale
	err := row.Scan(
		&sl.ID, &sl.ProductID, &sl.BuyerID, &sl.SellerID, &sl.Status, &sl.CancelReason,
		&sl.CreatedAt, &sl.UpdatedAt, &sl.CompletedAt, &sl.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}
