// Package cache is a small JSON TTL cache on redis. Keeping it in redis
// rather than process memory means multiple gateway instances see the same
// entries and tests control expiry through the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func New(rdb *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(k string) string { return fmt.Sprintf("%s:%s", c.prefix, k) }

// Get unmarshals the cached entry into v. Returns false on a miss; a redis
// failure is also treated as a miss so the cache never turns into a
// dependency.
func (c *Cache) Get(ctx context.Context, k string, v any) bool {
	raw, err := c.rdb.Get(ctx, c.key(k)).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, k string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(k), raw, c.ttl).Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
