package review

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gearloop/marketplace/internal/models"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gearloop/marketplace/internal/testutil"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	testDB = testutil.OpenTestDB()
	code := m.Run()
	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

// Property: reviews are public exactly when both exist or the window has passed
func TestProperty_VisibilityRule(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		count := rapid.IntRange(0, 2).Draw(t, "count")
		elapsed := time.Duration(rapid.Int64Range(0, int64(30*24*time.Hour)).Draw(t, "elapsed"))
		now := completedAt.Add(elapsed)

		got := Visible(count, completedAt, now, DefaultWindow)
		want := count == 2 || elapsed > DefaultWindow
		if got != want {
			t.Fatalf("Visible(%d, +%s) = %v, want %v", count, elapsed, got, want)
		}

		// Once visible, a later read never hides the reviews again
		later := now.Add(time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(t, "later")))
		if got && !Visible(count, completedAt, later, DefaultWindow) {
			t.Fatalf("visibility regressed between %s and %s", now, later)
		}

		// Submission and reveal-by-time never overlap
		if WindowOpen(completedAt, now, DefaultWindow) && count < 2 && got {
			t.Fatalf("a single review was revealed while the window was still open")
		}
	})
}

func TestWindowBoundary(t *testing.T) {
	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	edge := completedAt.Add(DefaultWindow)

	assert.True(t, WindowOpen(completedAt, edge, DefaultWindow), "exactly 14 days is still open")
	assert.False(t, Visible(1, completedAt, edge, DefaultWindow))
	assert.False(t, WindowOpen(completedAt, edge.Add(time.Nanosecond), DefaultWindow))
	assert.True(t, Visible(1, completedAt, edge.Add(time.Nanosecond), DefaultWindow))
	assert.Equal(t, edge, ExpiresAt(completedAt, DefaultWindow))
}

func TestCheckEligibility(t *testing.T) {
	buyer, seller := uuid.New(), uuid.New()
	completedAt := time.Now().Add(-time.Hour)
	completed := &models.Sale{BuyerID: buyer, SellerID: seller, Status: models.SaleStatusCompleted, CompletedAt: &completedAt}
	pending := &models.Sale{BuyerID: buyer, SellerID: seller, Status: models.SaleStatusPending}
	now := time.Now()

	assert.NoError(t, CheckEligibility(completed, buyer, false, now, DefaultWindow))
	assert.NoError(t, CheckEligibility(completed, seller, false, now, DefaultWindow))
	assert.ErrorIs(t, CheckEligibility(completed, uuid.New(), false, now, DefaultWindow), ErrNotParticipant)
	assert.ErrorIs(t, CheckEligibility(pending, buyer, false, now, DefaultWindow), ErrSaleNotCompleted)
	assert.ErrorIs(t, CheckEligibility(completed, buyer, true, now, DefaultWindow), ErrAlreadyReviewed)
	assert.ErrorIs(t, CheckEligibility(completed, buyer, false, now.Add(15*24*time.Hour), DefaultWindow), ErrReviewPeriodExpired)
}

func TestSummarize(t *testing.T) {
	id := uuid.New()
	empty := Summarize(id, nil)
	assert.Equal(t, 0, empty.Count)
	assert.True(t, empty.Average.Equal(decimal.Zero))

	reviews := []models.PublicReview{
		{Review: models.Review{Rating: 5}},
		{Review: models.Review{Rating: 4}},
		{Review: models.Review{Rating: 4}},
	}
	s := Summarize(id, reviews)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, "4.33", s.Average.StringFixed(2))
}

func TestSubmit_Validation(t *testing.T) {
	svc := NewService(nil, nil, DefaultWindow, 0)
	var verrs validator.ValidationErrors

	_, err := svc.Submit(context.Background(), uuid.New(), &SubmitRequest{SaleID: uuid.New(), Rating: 6})
	assert.True(t, errors.As(err, &verrs), "rating above 5")

	_, err = svc.Submit(context.Background(), uuid.New(), &SubmitRequest{SaleID: uuid.New(), Rating: 0})
	assert.True(t, errors.As(err, &verrs), "rating below 1")

	long := strings.Repeat("a", 1001)
	_, err = svc.Submit(context.Background(), uuid.New(), &SubmitRequest{SaleID: uuid.New(), Rating: 3, Content: &long})
	assert.True(t, errors.As(err, &verrs), "content over 1000 characters")
}

type reviewFixture struct {
	svc     *Service
	seller  models.User
	buyer   models.User
	product models.Product
	saleID  uuid.UUID
}

func newFixture(t *testing.T, completedAt time.Time) reviewFixture {
	t.Helper()
	f := reviewFixture{
		svc:    NewService(testDB, nil, DefaultWindow, 0),
		seller: testutil.CreateUser(t, testDB),
		buyer:  testutil.CreateUser(t, testDB),
	}
	f.product = testutil.CreateProduct(t, testDB, f.seller.ID)
	f.saleID = testutil.CreateCompletedSale(t, testDB, f.product.ID, f.seller.ID, f.buyer.ID, completedAt)
	return f
}

func TestSubmit_MutualReveal(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}
	ctx := context.Background()
	f := newFixture(t, time.Now().Add(-24*time.Hour))

	content := "  Great bass, smooth pickup.  "
	first, err := f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: f.saleID, Rating: 5, Content: &content})
	require.NoError(t, err)
	assert.True(t, first.First)
	assert.False(t, first.Visible)
	assert.Equal(t, f.seller.ID, first.Review.RevieweeID)
	assert.Equal(t, "Great bass, smooth pickup.", *first.Review.Content)

	_, err = f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: f.saleID, Rating: 4})
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	// Withheld from the seller and outsiders, own review still shown to the buyer
	view, err := f.svc.SaleReviews(ctx, f.seller.ID, f.saleID)
	require.NoError(t, err)
	assert.False(t, view.Visible)
	assert.Empty(t, view.Reviews)
	assert.Equal(t, WithheldMessage, view.Message)
	assert.Nil(t, view.Own)

	view, err = f.svc.SaleReviews(ctx, f.buyer.ID, f.saleID)
	require.NoError(t, err)
	require.NotNil(t, view.Own)
	assert.Empty(t, view.Reviews)

	public, err := f.svc.ValidPublicReviews(ctx, f.seller.ID)
	require.NoError(t, err)
	assert.Empty(t, public)

	second, err := f.svc.Submit(ctx, f.seller.ID, &SubmitRequest{SaleID: f.saleID, Rating: 4})
	require.NoError(t, err)
	assert.False(t, second.First)
	assert.True(t, second.Visible)

	view, err = f.svc.SaleReviews(ctx, uuid.New(), f.saleID)
	require.NoError(t, err)
	assert.True(t, view.Visible)
	assert.Len(t, view.Reviews, 2)

	public, err = f.svc.ValidPublicReviews(ctx, f.seller.ID)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "buyer", public[0].ReviewerRole)
	assert.Equal(t, f.buyer.Username, public[0].ReviewerUsername)
	assert.Equal(t, f.product.Title, public[0].ProductTitle)

	summary, err := f.svc.RatingSummary(ctx, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, "5.00", summary.Average.StringFixed(2))

	// Only the first review asks the counterpart to review
	var requested int
	require.NoError(t, testDB.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE aggregate_id = $1 AND event_type = 'review.requested'
	`, f.saleID).Scan(&requested))
	assert.Equal(t, 1, requested)
}

func TestSubmit_WindowExpiredRevealsSingleReview(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}
	ctx := context.Background()
	completedAt := time.Now().Add(-13 * 24 * time.Hour)
	f := newFixture(t, completedAt)

	_, err := f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: f.saleID, Rating: 2})
	require.NoError(t, err)

	pending, err := f.svc.Pending(ctx, f.seller.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, f.buyer.ID, pending[0].Counterpart.ID)
	assert.WithinDuration(t, completedAt.Add(DefaultWindow), pending[0].ExpiresAt, time.Second)

	// Day 13: the lone review stays hidden from everyone but its author
	public, err := f.svc.ValidPublicReviews(ctx, f.seller.ID)
	require.NoError(t, err)
	assert.Empty(t, public)

	withheld, err := f.svc.SaleReviews(ctx, f.seller.ID, f.saleID)
	require.NoError(t, err)
	assert.False(t, withheld.Visible)
	assert.Empty(t, withheld.Reviews)
	assert.Nil(t, withheld.Own)
	assert.Equal(t, WithheldMessage, withheld.Message)

	// Two days later the window has closed
	f.svc.now = func() time.Time { return time.Now().Add(2 * 24 * time.Hour) }

	_, err = f.svc.Submit(ctx, f.seller.ID, &SubmitRequest{SaleID: f.saleID, Rating: 5})
	assert.ErrorIs(t, err, ErrReviewPeriodExpired)

	pending, err = f.svc.Pending(ctx, f.seller.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	public, err = f.svc.ValidPublicReviews(ctx, f.seller.ID)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, f.buyer.ID, public[0].ReviewerID)
}

func TestSubmit_Preconditions(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}
	ctx := context.Background()
	f := newFixture(t, time.Now())

	_, err := f.svc.Submit(ctx, uuid.New(), &SubmitRequest{SaleID: f.saleID, Rating: 3})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: uuid.New(), Rating: 3})
	assert.ErrorIs(t, err, sale.ErrSaleNotFound)

	// A pending sale cannot be reviewed
	other := testutil.CreateProduct(t, testDB, f.seller.ID)
	testutil.CreateThread(t, testDB, other.ID, f.seller.ID, f.buyer.ID)
	pending, err := sale.NewService(testDB).Propose(ctx, f.seller.ID, other.ID, f.buyer.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: pending.ID, Rating: 3})
	assert.ErrorIs(t, err, ErrSaleNotCompleted)
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}
	ctx := context.Background()
	f := newFixture(t, time.Now())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: f.saleID, Rating: 4})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyReviewed)
	}
	assert.Equal(t, 1, ok)
}

func TestRemindExpiring_OncePerParticipant(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}
	ctx := context.Background()
	f := newFixture(t, time.Now().Add(-13*24*time.Hour))

	_, err := f.svc.Submit(ctx, f.buyer.ID, &SubmitRequest{SaleID: f.saleID, Rating: 4})
	require.NoError(t, err)

	_, err = f.svc.RemindExpiring(ctx, 48*time.Hour)
	require.NoError(t, err)

	// The seller is reminded, the buyer already reviewed
	var users []uuid.UUID
	rows, err := testDB.Query(ctx, `SELECT user_id FROM review_reminders WHERE sale_id = $1`, f.saleID)
	require.NoError(t, err)
	for rows.Next() {
		var id uuid.UUID
		require.NoError(t, rows.Scan(&id))
		users = append(users, id)
	}
	rows.Close()
	assert.Equal(t, []uuid.UUID{f.seller.ID}, users)

	_, err = f.svc.RemindExpiring(ctx, 48*time.Hour)
	require.NoError(t, err)

	var reminders int
	require.NoError(t, testDB.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE aggregate_id = $1 AND event_type = 'review.reminder'
	`, f.saleID).Scan(&reminders))
	assert.Equal(t, 1, reminders, "second pass must not remind again")
}
