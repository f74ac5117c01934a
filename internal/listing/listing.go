package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/models"
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
	ErrProductNotFound = errors.New("listing not found")
	ErrNotOwner        = errors.New("only the listing owner can do this")
	ErrListingLocked   = errors.New("listing has an active sale and cannot be edited")
	ErrSalePending     = errors.New("listing has a pending sale; withdraw it first")
	ErrInvalidPrice    = errors.New("price must not be negative")
)

const productColumns = `p.id, p.owner_id, p.kind, p.title, p.description, p.price, p.location,
	p.is_sold, p.sold_at, p.deleted_at, p.created_at, p.updated_at`

var validate = validator.New()

// Service handles listing operations
type Service struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewService creates a new listing service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db, now: time.Now}
}

// CreateRequest represents a request to create a listing
type CreateRequest struct {
	Kind        models.ProductKind `json:"kind" validate:"required,oneof=gear rehearsal_room"`
	Title       string             `json:"title" validate:"required,min=3,max=120"`
	Description string             `json:"description" validate:"max=5000"`
	Price       decimal.Decimal    `json:"price"`
	Location    *string            `json:"location,omitempty" validate:"omitempty,max=120"`
}

// UpdateRequest represents a partial listing update
type UpdateRequest struct {
	Title       *string          `json:"title,omitempty" validate:"omitempty,min=3,max=120"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=5000"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Location    *string          `json:"location,omitempty" validate:"omitempty,max=120"`
}

// Create publishes a new listing owned by the caller
func (s *Service) Create(ctx context.Context, callerID uuid.UUID, req *CreateRequest) (*models.Product, error) {
	ctx, span := tracing.Start(ctx, "listing.Create")
	var err error
	defer func() { tracing.End(span, err) }()

	req.Title = strings.TrimSpace(req.Title)
	if err = validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Price.IsNegative() {
		err = ErrInvalidPrice
		return nil, err
	}

	p, err := scanProduct(s.db.QueryRow(ctx, `
		INSERT INTO products AS p (owner_id, kind, title, description, price, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+productColumns,
		callerID, req.Kind, req.Title, req.Description, req.Price, req.Location,
	))
	if err != nil {
		err = fmt.Errorf("failed to create listing: %w", err)
		return nil, err
	}

	log.Info().Str("product_id", p.ID.String()).Str("owner_id", callerID.String()).Msg("Listing created")
	return p, nil
}

// Get returns a listing that has not been deleted
func (s *Service) Get(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `
		SELECT `+productColumns+` FROM products p
		WHERE p.id = $1 AND p.deleted_at IS NULL
	`, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return p, nil
}

// GetForTransaction returns a listing even if it was deleted.
// Sales and reviews keep referring to listings after the owner removes them.
func (s *Service) GetForTransaction(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	return GetForTransaction(ctx, s.db, productID)
}

// GetForTransaction is the privileged lookup usable inside a transaction
func GetForTransaction(ctx context.Context, q database.Querier, productID uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products p WHERE p.id = $1`, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return p, nil
}

// ListByOwner returns the owner's listings that have not been deleted, newest first
func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+productColumns+` FROM products p
		WHERE p.owner_id = $1 AND p.deleted_at IS NULL
		ORDER BY p.created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// Update edits a listing. Sold listings are frozen.
func (s *Service) Update(ctx context.Context, callerID, productID uuid.UUID, req *UpdateRequest) (*models.Product, error) {
	ctx, span := tracing.Start(ctx, "listing.Update", attribute.String("product.id", productID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Price != nil && req.Price.IsNegative() {
		err = ErrInvalidPrice
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := lockOwned(ctx, tx, callerID, productID)
	if err != nil {
		return nil, err
	}
	if current.IsSold {
		err = ErrListingLocked
		return nil, err
	}

	if req.Title != nil {
		current.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		current.Description = *req.Description
	}
	if req.Price != nil {
		current.Price = *req.Price
	}
	if req.Location != nil {
		current.Location = req.Location
	}

	updated, err := scanProduct(tx.QueryRow(ctx, `
		UPDATE products AS p
		SET title = $2, description = $3, price = $4, location = $5, updated_at = $6
		WHERE p.id = $1
		RETURNING `+productColumns,
		productID, current.Title, current.Description, current.Price, current.Location, s.now(),
	))
	if err != nil {
		err = fmt.Errorf("failed to update listing: %w", err)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}
	return updated, nil
}

// SoftDelete hides a listing. A pending sale must be resolved first;
// listings with a completed sale stay reachable through the privileged lookups.
func (s *Service) SoftDelete(ctx context.Context, callerID, productID uuid.UUID) error {
	ctx, span := tracing.Start(ctx, "listing.SoftDelete", attribute.String("product.id", productID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return err
	}
	defer tx.Rollback(ctx)

	if _, err = lockOwned(ctx, tx, callerID, productID); err != nil {
		return err
	}

	var pending bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM sales WHERE product_id = $1 AND status = $2)
	`, productID, models.SaleStatusPending).Scan(&pending)
	if err != nil {
		err = fmt.Errorf("failed to check pending sale: %w", err)
		return err
	}
	if pending {
		err = ErrSalePending
		return err
	}

	if _, err = tx.Exec(ctx, `UPDATE products SET deleted_at = $2, updated_at = $2 WHERE id = $1`, productID, s.now()); err != nil {
		err = fmt.Errorf("failed to delete listing: %w", err)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return err
	}

	log.Info().Str("product_id", productID.String()).Msg("Listing deleted")
	return nil
}

// UserSoldProducts lists listings the seller completed a sale for, deleted or not,
// most recent completion first
func (s *Service) UserSoldProducts(ctx context.Context, sellerID uuid.UUID) ([]models.SoldProduct, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+productColumns+`, s.id, s.buyer_id, s.completed_at
		FROM sales s
		JOIN products p ON p.id = s.product_id
		WHERE s.seller_id = $1 AND s.status = $2
		ORDER BY s.completed_at DESC
	`, sellerID, models.SaleStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list sold listings: %w", err)
	}
	defer rows.Close()

	sold := []models.SoldProduct{}
	for rows.Next() {
		var sp models.SoldProduct
		p := &sp.Product
		err := rows.Scan(
			&p.ID, &p.OwnerID, &p.Kind, &p.Title, &p.Description, &p.Price, &p.Location,
			&p.IsSold, &p.SoldAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt,
			&sp.SaleID, &sp.BuyerID, &sp.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sold listing: %w", err)
		}
		sold = append(sold, sp)
	}
	return sold, rows.Err()
}

// ArchiveSold soft-deletes listings whose sale completed before the retention period.
// It returns the number of listings archived.
func (s *Service) ArchiveSold(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.now()
	result, err := s.db.Exec(ctx, `
		UPDATE products p
		SET deleted_at = $1, updated_at = $1
		WHERE p.deleted_at IS NULL AND p.is_sold
		  AND EXISTS (
		      SELECT 1 FROM sales s
		      WHERE s.product_id = p.id AND s.status = $2 AND s.completed_at < $3
		  )
	`, now, models.SaleStatusCompleted, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to archive sold listings: %w", err)
	}
	return result.RowsAffected(), nil
}

// lockOwned locks a live listing row and checks ownership
func lockOwned(ctx context.Context, tx pgx.Tx, callerID, productID uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(tx.QueryRow(ctx, `
		SELECT `+productColumns+` FROM products p
		WHERE p.id = $1 AND p.deleted_at IS NULL
		FOR UPDATE
	`, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to lock listing: %w", err)
	}
	if p.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	return p, nil
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Kind, &p.Title, &p.Description, &p.Price, &p.Location,
		&p.IsSold, &p.SoldAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
