package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gearloop/marketplace/internal/cache"
	"github.com/gearloop/marketplace/internal/config"
	apierrors "github.com/gearloop/marketplace/internal/errors"
	"github.com/gearloop/marketplace/internal/middleware"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Checker decides whether one more request fits in the window
type Checker interface {
	Check(ctx context.Context, bucket, subject string) (*Result, error)
}

// Limiter implements sliding window rate limiting using Redis
type Limiter struct {
	redis  *cache.Redis
	config *config.RateLimitConfig
}

// NewLimiter creates a new rate limiter
func NewLimiter(redis *cache.Redis, cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{
		redis:  redis,
		config: cfg,
	}
}

func (l *Limiter) window() time.Duration {
	if l.config.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(l.config.WindowSeconds) * time.Second
}

func key(bucket, subject string) string {
	return fmt.Sprintf("ratelimit:sliding:%s:%s", bucket, subject)
}

// Check records a request for subject in bucket if it fits in the window.
// Redis errors fail open.
func (l *Limiter) Check(ctx context.Context, bucket, subject string) (*Result, error) {
	limit := l.config.WriteLimit
	now := time.Now()
	windowDuration := l.window()
	windowStart := now.Add(-windowDuration)
	k := key(bucket, subject)

	// Score = timestamp, Member = unique request ID
	pipe := l.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, k)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("subject", subject).Str("bucket", bucket).Msg("Failed to check rate limit")
		return &Result{Allowed: true, Remaining: int64(limit), Limit: limit}, nil
	}

	currentCount := countCmd.Val()
	result := &Result{
		Limit:   limit,
		ResetAt: now.Add(windowDuration),
	}

	if currentCount >= int64(limit) {
		result.Allowed = false

		// Retry once the oldest entry leaves the window
		oldest, err := l.redis.Client.ZRangeWithScores(ctx, k, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(windowDuration).Sub(now)
		} else {
			result.RetryAfter = windowDuration
		}
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), subject)
	if err := l.redis.Client.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to add rate limit entry")
	}
	l.redis.Client.Expire(ctx, k, windowDuration*2)

	result.Allowed = true
	result.Remaining = int64(limit) - currentCount - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the window for a subject
func (l *Limiter) Reset(ctx context.Context, bucket, subject string) error {
	return l.redis.Client.Del(ctx, key(bucket, subject)).Err()
}

// Middleware limits authenticated callers per bucket.
// It must run after JWTAuth; unauthenticated requests are keyed by client IP.
func Middleware(checker Checker, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.ClientIP()
		if caller, ok := middleware.CallerID(c); ok {
			subject = caller.String()
		}

		result, err := checker.Check(c.Request.Context(), bucket, subject)
		if err != nil || result == nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

		if !result.Allowed {
			monitoring.RecordRateLimitHit(bucket)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			middleware.RespondWithError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}

		c.Next()
	}
}
