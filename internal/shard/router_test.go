package shard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
)

func TestHashIsDeterministic(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	for _, id := range []string{"alice", "bob", "user-42", ""} {
		first := r.Resolve(context.Background(), id)
		for i := 0; i < 10000; i++ {
			require.Equal(t, first, r.Resolve(context.Background(), id))
		}
	}
}

func TestHashKnownValues(t *testing.T) {
	// md5("alice") = 6384e2b2184bcbf58eccf10ca7a6563c
	assert.Equal(t, 0, Hash("alice", 4))
	assert.Equal(t, 0, Hash("anything", 1))
	for n := 1; n <= 8; n++ {
		got := Hash("user-123", n)
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, n)
	}
}

func TestDistribution(t *testing.T) {
	r, err := NewRouter(3)
	require.NoError(t, err)

	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("account-%04d", i)
	}
	dist := r.Distribution(ids)
	require.Len(t, dist, 3)

	total := 0
	for shard, n := range dist {
		assert.Greater(t, n, 0, "shard %d got no accounts", shard)
		assert.LessOrEqual(t, n, 400, "shard %d got %d accounts", shard, n)
		total += n
	}
	assert.Equal(t, 1000, total)
}

func TestNewRouterRejectsZeroShards(t *testing.T) {
	_, err := NewRouter(0)
	assert.Error(t, err)
}

type countingCache struct {
	RouteCache
	gets, sets int
	failGet    bool
	failSet    bool
}

func (c *countingCache) Get(ctx context.Context, key string) (int, bool, error) {
	c.gets++
	if c.failGet {
		return 0, false, errors.New("cache down")
	}
	return c.RouteCache.Get(ctx, key)
}

func (c *countingCache) Set(ctx context.Context, key string, shard int, ttl time.Duration) error {
	c.sets++
	if c.failSet {
		return errors.New("cache down")
	}
	return c.RouteCache.Set(ctx, key, shard, ttl)
}

func TestResolveUsesCache(t *testing.T) {
	cache := &countingCache{RouteCache: NewMemoryRouteCache()}
	r, err := NewRouter(4, WithCache(cache))
	require.NoError(t, err)
	ctx := context.Background()

	want := Hash("alice", 4)
	assert.Equal(t, want, r.Resolve(ctx, "alice"))
	assert.Equal(t, want, r.Resolve(ctx, "alice"))
	assert.Equal(t, 2, cache.gets)
	assert.Equal(t, 1, cache.sets)

	r.Invalidate(ctx, "alice")
	assert.Equal(t, want, r.Resolve(ctx, "alice"))
	assert.Equal(t, 2, cache.sets)
}

func TestResolveDegradesOnCacheFailure(t *testing.T) {
	cache := &countingCache{RouteCache: NewMemoryRouteCache(), failGet: true, failSet: true}
	r, err := NewRouter(5, WithCache(cache))
	require.NoError(t, err)

	assert.Equal(t, Hash("bob", 5), r.Resolve(context.Background(), "bob"))
}

func TestResolveDiscardsOutOfRangeRoute(t *testing.T) {
	cache := NewMemoryRouteCache()
	r, err := NewRouter(2, WithCache(cache))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, r.cacheKey("carol"), 7, time.Minute))
	assert.Equal(t, Hash("carol", 2), r.Resolve(ctx, "carol"))

	got, ok, err := cache.Get(ctx, r.cacheKey("carol"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Hash("carol", 2), got)
}

func TestCacheKeyIncludesShardCount(t *testing.T) {
	cache := NewMemoryRouteCache()
	ctx := context.Background()
	r2, _ := NewRouter(2, WithCache(cache))
	r7, _ := NewRouter(7, WithCache(cache))

	r2.Resolve(ctx, "dave")
	assert.Equal(t, Hash("dave", 7), r7.Resolve(ctx, "dave"))
}

func TestMemoryRouteCacheExpires(t *testing.T) {
	now := time.Now()
	cache := NewMemoryRouteCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", 1, time.Second))
	_, ok, _ := cache.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = cache.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisRouteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	guard := resilience.NewRegistry(nil).Register("cache", resilience.CacheProfile())
	cache := &RedisRouteCache{Redis: rdb, Guard: guard}
	r, err := NewRouter(3, WithCache(cache), WithTTL(time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	want := Hash("erin", 3)
	assert.Equal(t, want, r.Resolve(ctx, "erin"))

	stored, err := mr.Get("shard_route:3:erin")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(want), stored)
	assert.Equal(t, time.Minute, mr.TTL("shard_route:3:erin"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("shard_route:3:erin"))

	// Redis down: resolution still succeeds.
	mr.Close()
	assert.Equal(t, want, r.Resolve(ctx, "erin"))
}

func TestRegistry(t *testing.T) {
	var stores []ledger.Store
	for i := 0; i < 3; i++ {
		s, err := ledger.OpenSQLite(":memory:")
		require.NoError(t, err)
		stores = append(stores, s)
	}
	res := resilience.NewRegistry(nil)
	reg, err := NewRegistry(stores, res, resilience.ShardProfile())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	assert.Equal(t, 3, reg.Count())
	assert.Equal(t, []int{0, 1, 2}, reg.IDs())

	_, err = reg.Store(3)
	assert.ErrorIs(t, err, ErrUnknownShard)

	ctx := context.Background()
	require.NoError(t, reg.Do(ctx, 1, func(ctx context.Context, s ledger.Store) error {
		return s.CreateAccount(ctx, "a", 10)
	}))
	s1, err := reg.Store(1)
	require.NoError(t, err)
	bal, found, err := s1.GetBalance(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(10), bal)

	names := []string{}
	for _, st := range res.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"shard-0", "shard-1", "shard-2"}, names)
}
