package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements the cache port over Redis with per-entry TTLs.
type Cache struct {
	c      *Client
	prefix string
}

// NewCache returns a Redis-backed cache. All keys are namespaced with
// the given prefix so multiple buckets can share one database.
func NewCache(c *Client, prefix string) *Cache {
	return &Cache{c: c, prefix: prefix}
}

// Get retrieves a value from Redis.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, err := c.c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value in Redis with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.c.rdb.Del(ctx, c.prefix+key).Err()
}
