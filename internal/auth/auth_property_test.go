package auth_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gearloop/marketplace/internal/auth"
	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/middleware"
	"github.com/gearloop/marketplace/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"pgregory.net/rapid"
)

// Test database connection for property tests
var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	testDB = testutil.OpenTestDB()

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		Secret:             "test-secret-key-for-property-testing-32chars",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "gearloop-test",
	}
}

// generateValidEmail generates a unique valid email address for testing
func generateValidEmail(t *rapid.T) string {
	localPart := rapid.StringMatching(`[a-z]{5,10}`).Draw(t, "localPart")
	domain := rapid.StringMatching(`[a-z]{3,8}`).Draw(t, "domain")
	tld := rapid.SampledFrom([]string{"com", "org", "net", "io"}).Draw(t, "tld")
	return fmt.Sprintf("%s%d@%s.%s", localPart, time.Now().UnixNano(), domain, tld)
}

// generateUsername generates a unique alphanumeric username
func generateUsername(t *rapid.T) string {
	base := rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "username")
	return fmt.Sprintf("%s%d", base, time.Now().UnixNano()%1_000_000_000)
}

// generateValidPassword generates a valid password (min 8 chars)
func generateValidPassword(t *rapid.T) string {
	return rapid.StringMatching(`[a-zA-Z0-9!@#$%]{8,32}`).Draw(t, "password")
}

// Registration followed by login yields tokens for the same user, and bad
// credentials never reveal which field was wrong.
func TestProperty_RegisterLoginRoundTrip(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}

	authService := auth.NewService(testDB, testJWTConfig())

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()

		email := generateValidEmail(t)
		password := generateValidPassword(t)

		regResp, err := authService.Register(ctx, &auth.RegisterRequest{
			Username: generateUsername(t),
			Email:    email,
			Password: password,
		})
		if err != nil {
			t.Fatalf("Registration failed: %v", err)
		}
		defer testDB.Exec(ctx, "DELETE FROM users WHERE id = $1", regResp.User.ID)

		loginResp, err := authService.Login(ctx, &auth.LoginRequest{Email: email, Password: password})
		if err != nil {
			t.Fatalf("Login with valid credentials should succeed: %v", err)
		}
		if loginResp.User.ID != regResp.User.ID {
			t.Fatal("Login should resolve the registered user")
		}

		_, err = authService.Login(ctx, &auth.LoginRequest{Email: email, Password: password + "x"})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("Wrong password should return ErrInvalidCredentials, got: %v", err)
		}

		_, err = authService.Login(ctx, &auth.LoginRequest{Email: "nobody" + email, Password: password})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("Unknown email should return ErrInvalidCredentials, got: %v", err)
		}

		claims, err := authService.ValidateAccessToken(loginResp.Tokens.AccessToken)
		if err != nil {
			t.Fatalf("Valid access token should be validated: %v", err)
		}
		if claims.UserID != regResp.User.ID.String() {
			t.Fatal("Token claims should contain correct user ID")
		}
	})
}

func TestRegister_DuplicateEmailAndUsername(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}

	ctx := context.Background()
	authService := auth.NewService(testDB, testJWTConfig())
	stamp := time.Now().UnixNano()

	first, err := authService.Register(ctx, &auth.RegisterRequest{
		Username: fmt.Sprintf("drummer%d", stamp),
		Email:    fmt.Sprintf("drummer%d@example.com", stamp),
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	defer testDB.Exec(ctx, "DELETE FROM users WHERE id = $1", first.User.ID)

	_, err = authService.Register(ctx, &auth.RegisterRequest{
		Username: fmt.Sprintf("other%d", stamp),
		Email:    fmt.Sprintf("DRUMMER%d@example.com", stamp),
		Password: "password123",
	})
	if !errors.Is(err, auth.ErrEmailAlreadyExists) {
		t.Fatalf("Expected ErrEmailAlreadyExists, got %v", err)
	}

	_, err = authService.Register(ctx, &auth.RegisterRequest{
		Username: fmt.Sprintf("Drummer%d", stamp),
		Email:    fmt.Sprintf("fresh%d@example.com", stamp),
		Password: "password123",
	})
	if !errors.Is(err, auth.ErrUsernameTaken) {
		t.Fatalf("Expected ErrUsernameTaken, got %v", err)
	}
}

// Tokens issued by the auth service are accepted by the HTTP middleware,
// and refresh tokens rotate into a fresh pair.
func TestTokens_AcceptedByMiddlewareAndRefresh(t *testing.T) {
	if testDB == nil {
		t.Skip("Test database not available")
	}

	ctx := context.Background()
	cfg := testJWTConfig()
	authService := auth.NewService(testDB, cfg)
	stamp := time.Now().UnixNano()

	resp, err := authService.Register(ctx, &auth.RegisterRequest{
		Username: fmt.Sprintf("keys%d", stamp),
		Email:    fmt.Sprintf("keys%d@example.com", stamp),
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	defer testDB.Exec(ctx, "DELETE FROM users WHERE id = $1", resp.User.ID)

	claims, err := middleware.NewJWTAuthenticator(cfg).ValidateAccessToken(resp.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Middleware rejected an issued access token: %v", err)
	}
	if claims.Username != resp.User.Username {
		t.Fatalf("Expected username %s in claims, got %s", resp.User.Username, claims.Username)
	}

	if _, err := authService.RefreshTokens(ctx, resp.Tokens.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("Access token must not refresh, got %v", err)
	}

	pair, err := authService.RefreshTokens(ctx, resp.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == resp.Tokens.RefreshToken {
		t.Fatal("Refresh should issue a new token pair")
	}

	profile, err := authService.PublicProfile(ctx, resp.User.ID)
	if err != nil {
		t.Fatalf("PublicProfile failed: %v", err)
	}
	if profile.Username != resp.User.Username {
		t.Fatalf("Expected username %s, got %s", resp.User.Username, profile.Username)
	}
}

func TestValidateAccessToken_Garbage(t *testing.T) {
	authService := auth.NewService(nil, testJWTConfig())
	if _, err := authService.ValidateAccessToken("invalid.token.here"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("Invalid token should return ErrInvalidToken, got: %v", err)
	}
}
