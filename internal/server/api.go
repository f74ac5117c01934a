package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gearloop/marketplace/internal/auth"
	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/chat"
	"github.com/gearloop/marketplace/internal/config"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gearloop/marketplace/internal/listing"
	"github.com/gearloop/marketplace/internal/logging"
	"github.com/gearloop/marketplace/internal/middleware"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gearloop/marketplace/internal/outbox"
	"github.com/gearloop/marketplace/internal/ratelimit"
	"github.com/gearloop/marketplace/internal/review"
	"github.com/gearloop/marketplace/internal/sale"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// writeBucket is the rate limit bucket shared by all mutating routes
const writeBucket = "write"

// Deps are the shared resources the API runs on
type Deps struct {
	DB *pgxpool.Pool
	// Cache is optional; without it ratings are not cached and writes are not rate limited
	Cache *cache.Redis
	// Limiter overrides the Redis limiter
	Limiter ratelimit.Checker
	// Relay is reported on the health endpoint when set
	Relay *outbox.Relay
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Deps
	authService      *auth.Service
	listingService   *listing.Service
	chatService      *chat.Service
	saleService      *sale.Service
	reviewService    *review.Service
	jwtAuthenticator *middleware.JWTAuthenticator
	limiter          ratelimit.Checker
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	limiter := deps.Limiter
	if limiter == nil && deps.Cache != nil && cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(deps.Cache, &cfg.RateLimit)
	}

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		authService:      auth.NewService(deps.DB, &cfg.JWT),
		listingService:   listing.NewService(deps.DB),
		chatService:      chat.NewService(deps.DB),
		saleService:      sale.NewService(deps.DB),
		reviewService:    review.NewService(deps.DB, deps.Cache, cfg.Marketplace.ReviewWindow, cfg.Marketplace.RatingCacheTTL),
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
		limiter:          limiter,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// writeLimit rate limits a mutating route when a limiter is configured
func (s *APIServer) writeLimit() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ratelimit.Middleware(s.limiter, writeBucket)
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	requireAuth := s.jwtAuthenticator.JWTAuth()
	limited := s.writeLimit()

	v1 := s.router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", limited, s.handleRegister)
			authGroup.POST("/login", limited, s.handleLogin)
			authGroup.POST("/logout", s.handleLogout)
			authGroup.POST("/refresh", s.handleRefresh)
			authGroup.GET("/me", requireAuth, s.handleMe)
		}

		listings := v1.Group("/listings")
		{
			listings.POST("", requireAuth, limited, s.handleCreateListing)
			listings.GET("/mine", requireAuth, s.handleMyListings)
			listings.GET("/:id", s.handleGetListing)
			listings.PATCH("/:id", requireAuth, limited, s.handleUpdateListing)
			listings.DELETE("/:id", requireAuth, limited, s.handleDeleteListing)
			listings.GET("/:id/buyers", requireAuth, s.handleListingBuyers)
			listings.GET("/:id/transaction", requireAuth, s.handleListingForTransaction)
		}

		chats := v1.Group("/chats")
		chats.Use(requireAuth)
		{
			chats.POST("", limited, s.handleStartChat)
			chats.GET("", s.handleListChats)
			chats.GET("/:id/messages", s.handleListMessages)
			chats.POST("/:id/messages", limited, s.handlePostMessage)
			chats.DELETE("/:id", s.handleDeleteChat)
		}

		sales := v1.Group("/sales")
		sales.Use(requireAuth)
		{
			sales.POST("", limited, s.handleProposeSale)
			sales.GET("", s.handleMySales)
			sales.GET("/:id", s.handleGetSale)
			sales.POST("/:id/confirm", limited, s.handleConfirmSale)
			sales.POST("/:id/decline", limited, s.handleDeclineSale)
			sales.POST("/:id/withdraw", limited, s.handleWithdrawSale)
		}

		reviews := v1.Group("/reviews")
		reviews.Use(requireAuth)
		{
			reviews.POST("", limited, s.handleSubmitReview)
			reviews.GET("/pending", s.handlePendingReviews)
			reviews.GET("/sales/:id", s.handleSaleReviews)
		}

		users := v1.Group("/users")
		{
			users.GET("/:id", s.handleUserProfile)
			users.GET("/:id/reviews", s.handleUserReviews)
			users.GET("/:id/rating", s.handleUserRating)
			users.GET("/:id/sold", s.handleUserSold)
		}
	}
}

// healthCheck reports the state of the database, Redis and the outbox relay
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := s.deps.DB.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = "unhealthy"
	} else {
		checks["database"] = "healthy"
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Health(ctx); err != nil {
			checks["redis"] = "degraded"
		} else {
			checks["redis"] = "healthy"
		}
	}

	body := gin.H{
		"success": status == http.StatusOK,
		"status":  map[bool]string{true: "healthy", false: "unhealthy"}[status == http.StatusOK],
		"service": s.config.Server.Name,
		"checks":  checks,
	}
	if s.deps.Relay != nil {
		body["outbox"] = s.deps.Relay.Status()
	}
	c.JSON(status, body)
}

// caller returns the authenticated user or writes a 401
func caller(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.CallerID(c)
	if !ok {
		middleware.RespondWithError(c, apierrors.ErrUnauthorizedError)
	}
	return id, ok
}

// pathID parses the :id route parameter or writes a 400
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
