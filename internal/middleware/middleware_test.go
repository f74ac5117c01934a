package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gearloop/marketplace/internal/config"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Helper function to create a test JWT token
func createTestToken(secret string, userID, username string, subject string, expiry time.Duration) string {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "gearloop",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func testConfig(secret string) *config.JWTConfig {
	return &config.JWTConfig{
		Secret:             secret,
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "gearloop",
	}
}

func protectedRouter(secret string) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(NewJWTAuthenticator(testConfig(secret)).JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		caller, ok := CallerID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":  caller.String(),
			"username": c.GetString(ContextKeyUsername),
		})
	})
	return router
}

func TestJWTAuth_ValidToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing"
	userID := uuid.New()
	token := createTestToken(secret, userID.String(), "bassplayer", "access", 15*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	protectedRouter(secret).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["user_id"] != userID.String() {
		t.Errorf("Expected caller %s, got %s", userID, body["user_id"])
	}
	if body["username"] != "bassplayer" {
		t.Errorf("Expected username bassplayer, got %s", body["username"])
	}
}

func TestJWTAuth_MissingToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()

	protectedRouter("test-secret").ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	var body apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Success {
		t.Error("Expected success=false")
	}
	if body.Error.Code != apierrors.ErrUnauthorized {
		t.Errorf("Expected code %s, got %s", apierrors.ErrUnauthorized, body.Error.Code)
	}
	if body.RequestID == "" {
		t.Error("Expected request id in error body")
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	w := httptest.NewRecorder()

	protectedRouter("test-secret").ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	token := createTestToken("other-secret", uuid.NewString(), "drummer", "access", 15*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	protectedRouter("test-secret").ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	secret := "test-secret"
	token := createTestToken(secret, uuid.NewString(), "drummer", "access", -1*time.Hour)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	protectedRouter(secret).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	var body apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Code != apierrors.ErrTokenExpired {
		t.Errorf("Expected code %s, got %s", apierrors.ErrTokenExpired, body.Error.Code)
	}
}

func TestJWTAuth_RefreshTokenRejected(t *testing.T) {
	secret := "test-secret"
	// A refresh token must not authenticate API calls
	token := createTestToken(secret, uuid.NewString(), "drummer", "refresh", 7*24*time.Hour)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	protectedRouter(secret).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_MalformedUserIDRejected(t *testing.T) {
	secret := "test-secret"
	token := createTestToken(secret, "user-123", "drummer", "access", 15*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	protectedRouter(secret).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestCallerID_Unauthenticated(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := CallerID(c); ok {
		t.Error("Expected no caller on an unauthenticated context")
	}

	c.Set(ContextKeyUserID, "not-a-uuid")
	if _, ok := CallerID(c); ok {
		t.Error("Expected malformed caller id to be rejected")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantToken  string
		wantErr    bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer abc123",
			wantToken:  "abc123",
			wantErr:    false,
		},
		{
			name:       "missing bearer prefix",
			authHeader: "abc123",
			wantErr:    true,
		},
		{
			name:       "empty header",
			authHeader: "",
			wantErr:    true,
		},
		{
			name:       "only bearer prefix",
			authHeader: "Bearer ",
			wantErr:    true,
		},
		{
			name:       "wrong prefix",
			authHeader: "Basic abc123",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := extractBearerToken(tt.authHeader)
			if (err != nil) != tt.wantErr {
				t.Errorf("extractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if token != tt.wantToken {
				t.Errorf("extractBearerToken() = %v, want %v", token, tt.wantToken)
			}
		})
	}
}

func TestRequestAndCorrelationID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), CorrelationID())
	router.GET("/ids", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"request_id":     GetRequestIDFromContext(c),
			"correlation_id": GetCorrelationIDFromContext(c),
		})
	})

	// Correlation falls back to the request id
	req := httptest.NewRequest("GET", "/ids", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "req-1" {
		t.Errorf("Expected correlation id req-1, got %q", got)
	}

	// Upstream correlation id wins
	req = httptest.NewRequest("GET", "/ids", nil)
	req.Header.Set("X-Correlation-ID", "upstream")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "upstream" {
		t.Errorf("Expected correlation id upstream, got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://gearloop.app"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("OPTIONS", "/x", nil)
	req.Header.Set("Origin", "https://gearloop.app")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://gearloop.app" {
		t.Error("Expected allowed origin to be echoed")
	}

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Expected disallowed origin to get no CORS headers")
	}
}
