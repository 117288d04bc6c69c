// Package dedup provides an optional fast-path cache for idempotency keys.
// The EventProcessor row remains the source of truth; the cache only saves a
// store round-trip on obvious redeliveries.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache answers whether an idempotency key is being seen for the first time.
type Cache interface {
	// FirstSeen marks the key and reports true exactly once per key within
	// the TTL window.
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const keyPrefix = "flowbus:dedup:"

// RedisCache implements Cache on a Redis SET NX with expiry.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, keyPrefix+key, "1", ttl).Result()
}

// Nop is a Cache that treats every key as new, for deployments without
// Redis.
type Nop struct{}

func (Nop) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
