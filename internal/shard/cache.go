package shard

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shard-ledger/internal/resilience"
)

// RouteCache stores derived account routes. It is never authoritative.
type RouteCache interface {
	Get(ctx context.Context, key string) (int, bool, error)
	Set(ctx context.Context, key string, shard int, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisRouteCache keeps routes in Redis behind the cache circuit breaker.
type RedisRouteCache struct {
	Redis *redis.Client
	Guard *resilience.Guard
}

func (c *RedisRouteCache) do(ctx context.Context, fn func(context.Context) error) error {
	if c.Guard == nil {
		return fn(ctx)
	}
	return c.Guard.Do(ctx, fn)
}

func (c *RedisRouteCache) Get(ctx context.Context, key string) (int, bool, error) {
	var raw string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.Redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		raw = v
		return err
	})
	if err != nil || raw == "" {
		return 0, false, err
	}
	shard, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return shard, true, nil
}

func (c *RedisRouteCache) Set(ctx context.Context, key string, shard int, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.Redis.Set(ctx, key, shard, ttl).Err()
	})
}

func (c *RedisRouteCache) Delete(ctx context.Context, key string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.Redis.Del(ctx, key).Err()
	})
}

// MemoryRouteCache is an in-process cache with per-entry expiry.
type MemoryRouteCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryRoute
}

type memoryRoute struct {
	shard   int
	expires time.Time
}

func NewMemoryRouteCache() *MemoryRouteCache {
	return &MemoryRouteCache{now: time.Now, entries: make(map[string]memoryRoute)}
}

func (c *MemoryRouteCache) Get(_ context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return 0, false, nil
	}
	return e.shard, true, nil
}

func (c *MemoryRouteCache) Set(_ context.Context, key string, shard int, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryRoute{shard: shard, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryRouteCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
