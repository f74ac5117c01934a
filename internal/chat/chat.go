package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gearloop/marketplace/internal/database"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/tracing"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

// Service errors
var (
	ErrThreadNotFound     = errors.New("chat thread not found")
	ErrNotParticipant     = errors.New("you are not part of this conversation")
	ErrOwnListing         = errors.New("you cannot start a chat about your own listing")
	ErrListingUnavailable = errors.New("listing is no longer available")
	ErrNotOwner           = errors.New("only the listing owner can see its buyers")
)

const threadColumns = `t.id, t.product_id, t.seller_id, t.buyer_id, t.buyer_deleted_at,
	t.seller_deleted_at, t.last_message_at, t.created_at`

var validate = validator.New()

// Service handles chat operations
type Service struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewService creates a new chat service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db, now: time.Now}
}

// PostMessageRequest represents a new chat message
type PostMessageRequest struct {
	Body string `json:"body" validate:"required,min=1,max=2000"`
}

// ThreadSummary is a thread as shown in the caller's inbox
type ThreadSummary struct {
	models.ChatThread
	ProductTitle string             `json:"product_title"`
	Counterpart  models.UserSummary `json:"counterpart"`
}

// StartThread returns the caller's thread about a listing, creating it if needed.
// A thread the caller had deleted is restored.
func (s *Service) StartThread(ctx context.Context, callerID, productID uuid.UUID) (*models.ChatThread, bool, error) {
	ctx, span := tracing.Start(ctx, "chat.StartThread", attribute.String("product.id", productID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	product, err := listing.GetForTransaction(ctx, s.db, productID)
	if err != nil {
		return nil, false, err
	}
	if product.IsDeleted() {
		err = listing.ErrProductNotFound
		return nil, false, err
	}
	if product.OwnerID == callerID {
		err = ErrOwnListing
		return nil, false, err
	}

	existing, err := scanThread(s.db.QueryRow(ctx, `
		UPDATE chat_threads AS t SET buyer_deleted_at = NULL
		WHERE t.product_id = $1 AND t.buyer_id = $2
		RETURNING `+threadColumns,
		productID, callerID,
	))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("failed to look up thread: %w", err)
		return nil, false, err
	}

	if product.IsSold {
		err = ErrListingUnavailable
		return nil, false, err
	}

	thread, err := scanThread(s.db.QueryRow(ctx, `
		INSERT INTO chat_threads AS t (product_id, seller_id, buyer_id)
		VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT chat_threads_product_buyer_key
		DO UPDATE SET buyer_deleted_at = NULL
		RETURNING `+threadColumns,
		productID, product.OwnerID, callerID,
	))
	if err != nil {
		err = fmt.Errorf("failed to create thread: %w", err)
		return nil, false, err
	}
	return thread, true, nil
}

// PostMessage appends a message. Posting restores the thread for
// any participant who had deleted it.
func (s *Service) PostMessage(ctx context.Context, callerID, threadID uuid.UUID, req *PostMessageRequest) (*models.ChatMessage, error) {
	ctx, span := tracing.Start(ctx, "chat.PostMessage", attribute.String("thread.id", threadID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(req.Body) == "" {
		req.Body = ""
	}
	if err = validate.Struct(req); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err = participantThread(ctx, tx, callerID, threadID); err != nil {
		return nil, err
	}

	now := s.now()
	var msg models.ChatMessage
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_messages (thread_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, thread_id, sender_id, body, created_at
	`, threadID, callerID, req.Body, now).Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		err = fmt.Errorf("failed to insert message: %w", err)
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE chat_threads
		SET last_message_at = $2, buyer_deleted_at = NULL, seller_deleted_at = NULL
		WHERE id = $1
	`, threadID, now)
	if err != nil {
		err = fmt.Errorf("failed to touch thread: %w", err)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a thread's messages oldest first
func (s *Service) ListMessages(ctx context.Context, callerID, threadID uuid.UUID) ([]models.ChatMessage, error) {
	if _, err := participantThread(ctx, s.db, callerID, threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, thread_id, sender_id, body, created_at
		FROM chat_messages WHERE thread_id = $1
		ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListThreads returns the caller's visible threads, most recently active first
func (s *Service) ListThreads(ctx context.Context, callerID uuid.UUID) ([]ThreadSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+threadColumns+`, p.title, u.id, u.username, u.avatar_url
		FROM chat_threads t
		JOIN products p ON p.id = t.product_id
		JOIN users u ON u.id = CASE WHEN t.buyer_id = $1 THEN t.seller_id ELSE t.buyer_id END
		WHERE (t.buyer_id = $1 AND t.buyer_deleted_at IS NULL)
		   OR (t.seller_id = $1 AND t.seller_deleted_at IS NULL)
		ORDER BY COALESCE(t.last_message_at, t.created_at) DESC
	`, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	threads := []ThreadSummary{}
	for rows.Next() {
		var ts ThreadSummary
		t := &ts.ChatThread
		err := rows.Scan(
			&t.ID, &t.ProductID, &t.SellerID, &t.BuyerID, &t.BuyerDeletedAt,
			&t.SellerDeletedAt, &t.LastMessageAt, &t.CreatedAt,
			&ts.ProductTitle, &ts.Counterpart.ID, &ts.Counterpart.Username, &ts.Counterpart.AvatarURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, ts)
	}
	return threads, rows.Err()
}

// DeleteThread hides the thread for the caller only
func (s *Service) DeleteThread(ctx context.Context, callerID, threadID uuid.UUID) error {
	thread, err := participantThread(ctx, s.db, callerID, threadID)
	if err != nil {
		return err
	}

	column := "seller_deleted_at"
	if thread.BuyerID == callerID {
		column = "buyer_deleted_at"
	}
	if _, err := s.db.Exec(ctx, `UPDATE chat_threads SET `+column+` = $2 WHERE id = $1`, threadID, s.now()); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// ListProductBuyers returns the users with a live conversation about the caller's listing.
// These are the candidates a sale can be proposed to.
func (s *Service) ListProductBuyers(ctx context.Context, callerID, productID uuid.UUID) ([]models.UserSummary, error) {
	product, err := listing.GetForTransaction(ctx, s.db, productID)
	if err != nil {
		return nil, err
	}
	if product.OwnerID != callerID {
		return nil, ErrNotOwner
	}

	rows, err := s.db.Query(ctx, `
		SELECT u.id, u.username, u.avatar_url
		FROM chat_threads t
		JOIN users u ON u.id = t.buyer_id
		WHERE t.product_id = $1 AND t.seller_id = $2 AND t.buyer_deleted_at IS NULL
		ORDER BY t.last_message_at DESC NULLS LAST, t.created_at DESC
	`, productID, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list buyers: %w", err)
	}
	defer rows.Close()

	buyers := []models.UserSummary{}
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan buyer: %w", err)
		}
		buyers = append(buyers, u)
	}
	return buyers, rows.Err()
}

// HasBuyerThread reports whether buyerID has a conversation with sellerID about the listing.
// A thread the buyer deleted does not count; one only the seller hid does.
func HasBuyerThread(ctx context.Context, q database.Querier, productID, sellerID, buyerID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_threads
			WHERE product_id = $1 AND seller_id = $2 AND buyer_id = $3 AND buyer_deleted_at IS NULL
		)
	`, productID, sellerID, buyerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chat thread: %w", err)
	}
	return exists, nil
}

func participantThread(ctx context.Context, q database.Querier, callerID, threadID uuid.UUID) (*models.ChatThread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `SELECT `+threadColumns+` FROM chat_threads t WHERE t.id = $1`, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if !thread.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	return thread, nil
}

func scanThread(row pgx.Row) (*models.ChatThread, error) {
	var t models.ChatThread
	err := row.Scan(
		&t.ID, &t.ProductID, &t.SellerID, &t.BuyerID, &t.BuyerDeletedAt,
		&t.SellerDeletedAt, &t.LastMessageAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
