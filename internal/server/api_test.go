package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gearloop/marketplace/internal/auth"
	"github.com/gearloop/marketplace/internal/chat"
	"github.com/gearloop/marketplace/internal/config"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/middleware"
	"github.com/gearloop/marketplace/internal/ratelimit"
	"github.com/gearloop/marketplace/internal/review"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-testing-32chars"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubLimiter struct {
	allowed bool
	calls   int
}

func (l *stubLimiter) Check(ctx context.Context, bucket, subject string) (*ratelimit.Result, error) {
	l.calls++
	return &ratelimit.Result{Allowed: l.allowed, Limit: 1, RetryAfter: time.Second}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Name: "marketplace-test", Env: "test"},
		JWT: config.JWTConfig{
			Secret:             testSecret,
			AccessTokenExpiry:  15 * time.Minute,
			RefreshTokenExpiry: time.Hour,
			Issuer:             "gearloop",
		},
		Marketplace: config.MarketplaceConfig{
			ReviewWindow:   review.DefaultWindow,
			RatingCacheTTL: time.Minute,
		},
	}
}

// newTestServer builds the router without a database; only requests rejected before any query are safe
func newTestServer(limiter ratelimit.Checker) http.Handler {
	return NewAPIServer(testConfig(), Deps{Limiter: limiter}).Router()
}

func token(t *testing.T, userID uuid.UUID, subject string, expiry time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &middleware.Claims{
		UserID:   userID.String(),
		Username: "tester",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "gearloop",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var parsed errorBody
	_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	return w, parsed
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newTestServer(nil)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodPost, "/api/v1/listings"},
		{http.MethodGet, "/api/v1/listings/mine"},
		{http.MethodPost, "/api/v1/chats"},
		{http.MethodGet, "/api/v1/chats"},
		{http.MethodPost, "/api/v1/sales"},
		{http.MethodPost, "/api/v1/sales/" + uuid.NewString() + "/confirm"},
		{http.MethodPost, "/api/v1/sales/" + uuid.NewString() + "/withdraw"},
		{http.MethodPost, "/api/v1/reviews"},
		{http.MethodGet, "/api/v1/reviews/pending"},
		{http.MethodGet, "/api/v1/listings/" + uuid.NewString() + "/transaction"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			w, body := do(t, h, r.method, r.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, body.Success)
			assert.Equal(t, string(apierrors.ErrUnauthorized), body.Error.Code)
		})
	}
}

func TestTokenChecks(t *testing.T) {
	h := newTestServer(nil)
	userID := uuid.New()

	t.Run("expired", func(t *testing.T) {
		w, body := do(t, h, http.MethodGet, "/api/v1/auth/me", token(t, userID, "access", -time.Minute), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, string(apierrors.ErrTokenExpired), body.Error.Code)
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		w, _ := do(t, h, http.MethodGet, "/api/v1/auth/me", token(t, userID, "refresh", time.Hour), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage", func(t *testing.T) {
		w, _ := do(t, h, http.MethodGet, "/api/v1/auth/me", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequestValidation(t *testing.T) {
	h := newTestServer(nil)
	bearer := token(t, uuid.New(), "access", time.Hour)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   apierrors.ErrorCode
	}{
		{"malformed json", http.MethodPost, "/api/v1/sales", "{", apierrors.ErrInvalidRequest},
		{"missing buyer", http.MethodPost, "/api/v1/sales", gin.H{"product_id": uuid.NewString()}, apierrors.ErrValidationFailed},
		{"missing product", http.MethodPost, "/api/v1/chats", gin.H{}, apierrors.ErrValidationFailed},
		{"rating out of range", http.MethodPost, "/api/v1/reviews", gin.H{"sale_id": uuid.NewString(), "rating": 9}, apierrors.ErrValidationFailed},
		{"invalid sale id", http.MethodPost, "/api/v1/sales/nope/confirm", nil, apierrors.ErrInvalidRequest},
		{"invalid thread id", http.MethodGet, "/api/v1/chats/nope/messages", nil, apierrors.ErrInvalidRequest},
		{"invalid user id", http.MethodGet, "/api/v1/users/nope/rating", nil, apierrors.ErrInvalidRequest},
		{"unknown role", http.MethodGet, "/api/v1/sales?role=admin", nil, apierrors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, h, tt.method, tt.path, bearer, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(tt.code), body.Error.Code)
		})
	}
}

func TestWriteRoutesAreRateLimited(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	h := newTestServer(limiter)
	bearer := token(t, uuid.New(), "access", time.Hour)

	w, body := do(t, h, http.MethodPost, "/api/v1/sales", bearer, gin.H{})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(apierrors.ErrRateLimited), body.Error.Code)
	assert.Equal(t, 1, limiter.calls)

	// reads skip the limiter
	w, _ = do(t, h, http.MethodGet, "/api/v1/sales?role=admin", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, limiter.calls)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		code   apierrors.ErrorCode
		status int
	}{
		{sale.ErrAlreadySold, apierrors.ErrAlreadySold, http.StatusConflict},
		{sale.ErrSaleNotPending, apierrors.ErrSaleNotPending, http.StatusConflict},
		{sale.ErrNoChatThread, apierrors.ErrNoChatThread, http.StatusUnprocessableEntity},
		{sale.ErrSelfDealing, apierrors.ErrSelfDealing, http.StatusUnprocessableEntity},
		{sale.ErrNotBuyer, apierrors.ErrNotBuyer, http.StatusForbidden},
		{sale.ErrSaleNotFound, apierrors.ErrSaleNotFound, http.StatusNotFound},
		{review.ErrAlreadyReviewed, apierrors.ErrAlreadyReviewed, http.StatusConflict},
		{review.ErrReviewPeriodExpired, apierrors.ErrReviewPeriodExpired, http.StatusUnprocessableEntity},
		{review.ErrSaleNotCompleted, apierrors.ErrSaleNotCompleted, http.StatusUnprocessableEntity},
		{chat.ErrNotParticipant, apierrors.ErrNotParticipant, http.StatusForbidden},
		{listing.ErrListingLocked, apierrors.ErrListingLocked, http.StatusConflict},
		{listing.ErrProductNotFound, apierrors.ErrProductNotFound, http.StatusNotFound},
		{auth.ErrEmailAlreadyExists, apierrors.ErrEmailTaken, http.StatusConflict},
		{auth.ErrInvalidCredentials, apierrors.ErrInvalidCredentials, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			apiErr, known := toAPIError(wrapped)
			require.True(t, known)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.Equal(t, tt.err.Error(), apiErr.Message)
		})
	}

	t.Run("unexpected errors are hidden", func(t *testing.T) {
		apiErr, known := toAPIError(errors.New("pq: connection reset"))
		assert.False(t, known)
		assert.Equal(t, apierrors.ErrInternalServer, apiErr.Code)
		assert.NotContains(t, apiErr.Message, "connection reset")
	})

	t.Run("api errors pass through", func(t *testing.T) {
		apiErr, known := toAPIError(apierrors.ErrRateLimitedError)
		assert.True(t, known)
		assert.Equal(t, apierrors.ErrRateLimited, apiErr.Code)
	})
}
