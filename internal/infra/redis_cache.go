// Package infra provides concrete infrastructure adapters for Redis.
//
// The cache is optional: when REDIS_URL is unset or the server is
// unreachable, callers run without it and recompute on every read.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps go-redis v9 as a short-TTL result cache. Every failure is
// reported as a miss; the caller never sees a cache error.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects using a redis:// URL and verifies connectivity.
// Returns the cache and any connection error (caller decides whether to run
// uncached).
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisCache{rdb: rdb}, nil
}

// Get returns the cached value and whether it was present. Errors count as
// misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("redis get failed", "key", key, "err", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores the value best-effort; failures are logged and swallowed.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Debug("redis set failed", "key", key, "err", err)
	}
}

// Close shuts down the underlying redis client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
