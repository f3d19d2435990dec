// Package ratelimit implements a fixed-window counter on redis so the limit
// holds across gateway instances, unlike an in-process map.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
}

func New(rdb *redis.Client, limit int64, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Allow consumes one unit for key and reports whether the request may
// proceed plus the remaining budget in the current window. On a redis
// failure it fails open: rejecting paid traffic because the counter store
// blipped is worse than briefly exceeding the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, remaining int64, err error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, l.limit, err
	}

	count := incr.Val()
	if count > l.limit {
		return false, 0, nil
	}
	return true, l.limit - count, nil
}
