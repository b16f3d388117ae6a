// Package shard maps account ids onto shards and owns the per-shard stores.
package shard

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// DefaultRouteTTL bounds how long a cached route may live.
const DefaultRouteTTL = time.Hour

// Hash maps accountID onto one of shards buckets: the MD5 digest read as an
// unsigned big-endian integer, modulo shards.
func Hash(accountID string, shards int) int {
	sum := md5.Sum([]byte(accountID))
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, big.NewInt(int64(shards))).Int64())
}

// Router resolves account ids to shard ids, optionally through a cache.
type Router struct {
	shards int
	cache  RouteCache
	ttl    time.Duration
	logger *slog.Logger
}

type RouterOption func(*Router)

func WithCache(c RouteCache) RouterOption {
	return func(r *Router) { r.cache = c }
}

func WithTTL(ttl time.Duration) RouterOption {
	return func(r *Router) { r.ttl = ttl }
}

func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(shards int, opts ...RouterOption) (*Router, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shards)
	}
	r := &Router{shards: shards, ttl: DefaultRouteTTL, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(r)
	}
	if r.ttl <= 0 {
		r.ttl = DefaultRouteTTL
	}
	return r, nil
}

func (r *Router) Shards() int { return r.shards }

// Lookup is the pure hash, bypassing the cache.
func (r *Router) Lookup(accountID string) int {
	return Hash(accountID, r.shards)
}

// cacheKey embeds the shard count so mappings for another N are never read.
func (r *Router) cacheKey(accountID string) string {
	return fmt.Sprintf("shard_route:%d:%s", r.shards, accountID)
}

// Resolve returns the shard for accountID. Cache errors are logged and the
// route is recomputed; Resolve itself never fails.
func (r *Router) Resolve(ctx context.Context, accountID string) int {
	if r.cache == nil {
		return r.Lookup(accountID)
	}

	key := r.cacheKey(accountID)
	shard, ok, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		r.logger.Debug("route cache read failed", "account_id", accountID, "error", err)
	case ok && shard >= 0 && shard < r.shards:
		return shard
	case ok:
		r.logger.Warn("discarding out of range cached route", "account_id", accountID, "shard", shard)
	}

	shard = r.Lookup(accountID)
	if err := r.cache.Set(ctx, key, shard, r.ttl); err != nil {
		r.logger.Debug("route cache write failed", "account_id", accountID, "error", err)
	}
	return shard
}

// Invalidate drops a cached route, e.g. after an account-moved error.
func (r *Router) Invalidate(ctx context.Context, accountID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, r.cacheKey(accountID)); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("route cache delete failed", "account_id", accountID, "error", err)
	}
}

// Distribution counts how many of ids land on each shard.
func (r *Router) Distribution(ids []string) map[int]int {
	out := make(map[int]int, r.shards)
	for i := 0; i < r.shards; i++ {
		out[i] = 0
	}
	for _, id := range ids {
		out[r.Lookup(id)]++
	}
	return out
}
