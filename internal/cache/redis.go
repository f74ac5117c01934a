package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrMiss is returned when a key is absent
var ErrMiss = errors.New("cache miss")

// Redis wraps a go-redis client
type Redis struct {
	Client *redis.Client
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Redis connection established")
	return &Redis{Client: client}, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health checks if Redis is reachable
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// GetJSON decodes the value under key into dst.
// cacheType labels the hit/miss metrics.
func (r *Redis) GetJSON(ctx context.Context, cacheType, key string, dst any) error {
	raw, err := r.Client.Get(ctx, key).Bytes()
	if err != nil {
		monitoring.RecordCacheMiss(cacheType)
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		monitoring.RecordCacheMiss(cacheType)
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	monitoring.RecordCacheHit(cacheType)
	return nil
}

// SetJSON stores v under key for ttl
func (r *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.Client.Set(ctx, key, raw, ttl).Err()
}

// Delete removes keys
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, keys...).Err()
}
