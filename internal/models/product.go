package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductKind distinguishes gear classifieds from rehearsal-room listings
type ProductKind string

const (
	ProductKindGear          ProductKind = "gear"
	ProductKindRehearsalRoom ProductKind = "rehearsal_room"
)

// Product represents a listing. IsSold is set while a sale is pending or completed.
type Product struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	OwnerID     uuid.UUID       `json:"owner_id" db:"owner_id"`
	Kind        ProductKind     `json:"kind" db:"kind"`
	Title       string          `json:"title" db:"title"`
	Description string          `json:"description" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Location    *string         `json:"location,omitempty" db:"location"`
	IsSold      bool            `json:"is_sold" db:"is_sold"`
	SoldAt      *time.Time      `json:"sold_at,omitempty" db:"sold_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// IsDeleted reports whether the listing was soft-deleted
func (p *Product) IsDeleted() bool {
	return p.DeletedAt != nil
}

// SoldProduct is a listing together with the sale that completed it
type SoldProduct struct {
	Product
	SaleID      uuid.UUID `json:"sale_id" db:"sale_id"`
	BuyerID     uuid.UUID `json:"buyer_id" db:"buyer_id"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}
