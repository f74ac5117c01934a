package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gearloop/marketplace/internal/config"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing caller information
const (
	ContextKeyUserID        = "user_id"
	ContextKeyUsername      = "username"
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
)

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthenticator handles JWT token validation
type JWTAuthenticator struct {
	config *config.JWTConfig
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg *config.JWTConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		config: cfg,
	}
}

// JWTAuth creates a middleware that validates JWT tokens from the Authorization header
// It extracts the Bearer token, validates it, and sets the caller in the context
func (j *JWTAuthenticator) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		claims, err := j.ValidateAccessToken(tokenString)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				RespondWithError(c, apierrors.ErrTokenExpiredError)
			} else {
				RespondWithError(c, apierrors.ErrUnauthorizedError)
			}
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUsername, claims.Username)

		c.Next()
	}
}

// ValidateAccessToken validates an access token and returns claims
func (j *JWTAuthenticator) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := j.validateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Subject != "access" {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// validateToken parses and validates a JWT token
func (j *JWTAuthenticator) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, err *apierrors.APIError) {
	reqID := GetRequestIDFromContext(c)
	corrID := GetCorrelationIDFromContext(c)
	if corrID == "" {
		corrID = reqID
	}

	response := apierrors.NewErrorResponse(
		err,
		reqID,
		corrID,
		c.Request.URL.Path,
		c.Request.Method,
	)

	c.JSON(response.Error.HTTPStatus, response)
}

// CallerID returns the authenticated caller's id.
// The second result is false when JWTAuth did not run or the claim is malformed.
func CallerID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetString(ContextKeyUserID)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID adds a correlation ID for distributed tracing
// It can be passed from upstream services or generated if not present
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			// Fall back to request ID if no correlation ID provided
			correlationID = c.GetString(ContextKeyRequestID)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
		}
		c.Set(ContextKeyCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// GetCorrelationIDFromContext extracts the correlation ID from the gin context
// Returns empty string if not found
func GetCorrelationIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyCorrelationID)
}

// GetRequestIDFromContext extracts the request ID from the gin context
// Returns empty string if not found
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Correlation-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID, Retry-After")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200") // 12 hours
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
