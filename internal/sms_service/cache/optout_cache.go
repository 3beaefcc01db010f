// Package cache provides the Redis-backed opt-out suppression cache.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const optOutKeyPrefix = "leadrelay:optout:"

// RedisOptOutCache caches opted-out phone numbers so the send path can
// suppress without a database round trip. Entries expire after ttl; the
// lead store stays the source of truth.
type RedisOptOutCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisOptOutCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisOptOutCache {
	return &RedisOptOutCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "optout_cache"),
	}
}

func (c *RedisOptOutCache) Add(ctx context.Context, phone string) error {
	key := optOutKey(phone)
	if err := c.client.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache opt-out for %s: %w", key, err)
	}
	return nil
}

func (c *RedisOptOutCache) Contains(ctx context.Context, phone string) (bool, error) {
	n, err := c.client.Exists(ctx, optOutKey(phone)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out cache: %w", err)
	}
	return n > 0, nil
}

// optOutKey normalizes the phone to digits so formatting differences
// ("+1 (555) 867-5309" vs "15558675309") hit the same key.
func optOutKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return optOutKeyPrefix + b.String()
}
