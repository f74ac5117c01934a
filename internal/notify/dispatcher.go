// Package notify turns marketplace events into emails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gearloop/marketplace/internal/events"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownEvent is returned for routing keys without a notification
var ErrUnknownEvent = errors.New("unknown event type")

// Recipient is a user who can receive email
type Recipient struct {
	ID       uuid.UUID
	Username string
	Email    string
}

// SaleContext is what a notification needs to know about a sale
type SaleContext struct {
	SaleID       uuid.UUID
	ProductTitle string
	Buyer        Recipient
	Seller       Recipient
}

// Party returns the participant with the given id
func (c *SaleContext) Party(id uuid.UUID) (Recipient, Recipient, error) {
	switch id {
	case c.Buyer.ID:
		return c.Buyer, c.Seller, nil
	case c.Seller.ID:
		return c.Seller, c.Buyer, nil
	}
	return Recipient{}, Recipient{}, fmt.Errorf("user %s is not part of sale %s", id, c.SaleID)
}

// Directory resolves the people and listing behind a sale
type Directory interface {
	SaleContext(ctx context.Context, saleID uuid.UUID) (*SaleContext, error)
}

// PGDirectory reads sale context from PostgreSQL.
// Listings are resolved through the privileged lookup so removed listings still have a title.
type PGDirectory struct {
	db *pgxpool.Pool
}

// NewPGDirectory creates a new PostgreSQL directory
func NewPGDirectory(db *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{db: db}
}

// SaleContext loads the listing title and both participants of a sale
func (d *PGDirectory) SaleContext(ctx context.Context, saleID uuid.UUID) (*SaleContext, error) {
	sc := &SaleContext{SaleID: saleID}
	var productID uuid.UUID
	err := d.db.QueryRow(ctx, `
		SELECT s.product_id,
			b.id, b.username, b.email,
			se.id, se.username, se.email
		FROM sales s
		JOIN users b ON b.id = s.buyer_id
		JOIN users se ON se.id = s.seller_id
		WHERE s.id = $1
	`, saleID).Scan(&productID,
		&sc.Buyer.ID, &sc.Buyer.Username, &sc.Buyer.Email,
		&sc.Seller.ID, &sc.Seller.Username, &sc.Seller.Email,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sale %s not found", saleID)
		}
		return nil, fmt.Errorf("failed to load sale context: %w", err)
	}

	product, err := listing.GetForTransaction(ctx, d.db, productID)
	if err != nil {
		return nil, err
	}
	sc.ProductTitle = product.Title
	return sc, nil
}

// Dispatcher renders and sends the email for one event
type Dispatcher struct {
	directory Directory
	mailer    Mailer
	webURL    string
}

// NewDispatcher creates a new dispatcher. webURL prefixes links in emails.
func NewDispatcher(directory Directory, mailer Mailer, webURL string) *Dispatcher {
	return &Dispatcher{directory: directory, mailer: mailer, webURL: strings.TrimRight(webURL, "/")}
}

// Dispatch decodes body as eventType and emails its recipient.
// It returns the recipient id for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, body []byte) (uuid.UUID, error) {
	saleID, recipientID, expiresAt, err := decodeTarget(eventType, body)
	if err != nil {
		return uuid.Nil, err
	}

	sc, err := d.directory.SaleContext(ctx, saleID)
	if err != nil {
		return recipientID, err
	}
	recipient, counterpart, err := sc.Party(recipientID)
	if err != nil {
		return recipientID, err
	}

	data := TemplateData{
		RecipientName:   recipient.Username,
		CounterpartName: counterpart.Username,
		ProductTitle:    sc.ProductTitle,
		Link:            d.link(eventType, saleID),
	}
	if !expiresAt.IsZero() {
		data.ExpiresAt = expiresAt.UTC().Format("Jan 2, 2006 15:04 MST")
	}

	subject, text, err := Render(eventType, data)
	if err != nil {
		return recipientID, err
	}
	return recipientID, d.mailer.Send(ctx, Message{
		To:      recipient.Email,
		ToName:  recipient.Username,
		Subject: subject,
		Body:    text,
	})
}

func (d *Dispatcher) link(eventType string, saleID uuid.UUID) string {
	switch eventType {
	case events.SaleWithdrawn:
		return ""
	case events.SaleDeclined:
		return d.webURL + "/sales"
	}
	return d.webURL + "/sales/" + saleID.String()
}

// decodeTarget finds the sale and recipient of an event
func decodeTarget(eventType string, body []byte) (saleID, recipientID uuid.UUID, expiresAt time.Time, err error) {
	switch eventType {
	case events.SaleProposed, events.SaleWithdrawn:
		e, err := events.Decode[events.SaleEvent](body)
		if err != nil {
			return uuid.Nil, uuid.Nil, time.Time{}, err
		}
		return e.SaleID, e.BuyerID, time.Time{}, nil
	case events.SaleConfirmed, events.SaleDeclined:
		e, err := events.Decode[events.SaleEvent](body)
		if err != nil {
			return uuid.Nil, uuid.Nil, time.Time{}, err
		}
		return e.SaleID, e.SellerID, time.Time{}, nil
	case events.ReviewRequested:
		e, err := events.Decode[events.ReviewRequestedEvent](body)
		if err != nil {
			return uuid.Nil, uuid.Nil, time.Time{}, err
		}
		return e.SaleID, e.RecipientID, time.Time{}, nil
	case events.ReviewReminder:
		e, err := events.Decode[events.ReviewReminderEvent](body)
		if err != nil {
			return uuid.Nil, uuid.Nil, time.Time{}, err
		}
		return e.SaleID, e.RecipientID, e.ExpiresAt, nil
	}
	return uuid.Nil, uuid.Nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
}
