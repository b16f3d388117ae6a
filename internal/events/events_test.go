package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shard-ledger/internal/resilience"
)

func sampleEnvelope(id string) Envelope {
	return Envelope{
		TransferID:  id,
		FromAccount: "alice",
		ToAccount:   "bob",
		Amount:      2500,
		FromShard:   0,
		ToShard:     2,
		CrossShard:  true,
	}
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	committed := NewTransferCommitted(sampleEnvelope("t-1"), at)
	failed := NewTransferFailed(sampleEnvelope("t-2"), "insufficient_funds", at)

	assert.Equal(t, TypeTransferCommitted, committed.Type)
	assert.Equal(t, "25.00", committed.AmountDisplay)
	assert.NotEmpty(t, committed.EventID)
	assert.Equal(t, at, committed.OccurredAt)

	for _, e := range []Event{committed, failed} {
		raw, err := Encode(e)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}

	got, err := Decode([]byte(`{"type":"TransferFailed","transfer_id":"t-2","reason":"account_not_found"}`))
	require.NoError(t, err)
	switch ev := got.(type) {
	case TransferFailed:
		assert.Equal(t, "account_not_found", ev.Reason)
	default:
		t.Fatalf("unexpected type %T", got)
	}

	_, err = Decode([]byte(`{"type":"Nope"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "100.00", FormatAmount(10000))
	assert.Equal(t, "-1.50", FormatAmount(-150))
}

func TestAsyncPublisherDelivers(t *testing.T) {
	bus := &MemoryBus{}
	pub := NewAsyncPublisher(bus, nil, nil, 8)

	var mu sync.Mutex
	var delivered []string
	pub.OnDelivered(func(_ context.Context, e Event) {
		mu.Lock()
		delivered = append(delivered, e.Meta().TransferID)
		mu.Unlock()
	})

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, pub.Publish(context.Background(), NewTransferCommitted(sampleEnvelope(id), time.Now())))
	}
	require.NoError(t, pub.Close(context.Background()))

	assert.Len(t, bus.Events(), 3)
	mu.Lock()
	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, delivered)
	mu.Unlock()

	err := pub.Publish(context.Background(), NewTransferCommitted(sampleEnvelope("t-4"), time.Now()))
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestAsyncPublisherRetriesThenGivesUp(t *testing.T) {
	attempts := 0
	bus := &MemoryBus{Fail: func(Event) error {
		attempts++
		if attempts < 2 {
			return errors.New("broker unavailable")
		}
		return nil
	}}

	p := resilience.EventBusProfile()
	p.Retry.BaseDelay = time.Millisecond
	p.Retry.MaxDelay = time.Millisecond
	guard := resilience.NewRegistry(nil).Register("event-bus", p)

	pub := NewAsyncPublisher(bus, guard, nil, 4)
	require.NoError(t, pub.Publish(context.Background(), NewTransferCommitted(sampleEnvelope("t-1"), time.Now())))
	require.NoError(t, pub.Close(context.Background()))

	assert.Equal(t, 2, attempts)
	assert.Len(t, bus.Events(), 1)

	// Always failing: the event is not acknowledged.
	bus.Fail = func(Event) error { return errors.New("broker unavailable") }
	acked := false
	pub = NewAsyncPublisher(bus, guard, nil, 4)
	pub.OnDelivered(func(context.Context, Event) { acked = true })
	require.NoError(t, pub.Publish(context.Background(), NewTransferFailed(sampleEnvelope("t-2"), "insufficient_funds", time.Now())))
	require.NoError(t, pub.Close(context.Background()))
	assert.False(t, acked)
}

func TestAsyncPublisherQueueFull(t *testing.T) {
	release := make(chan struct{})
	bus := &MemoryBus{Fail: func(Event) error { <-release; return nil }}
	pub := NewAsyncPublisher(bus, nil, nil, 1)

	ctx := context.Background()
	// The worker takes the first event and blocks; the second fills the queue.
	require.NoError(t, pub.Publish(ctx, NewTransferCommitted(sampleEnvelope("t-1"), time.Now())))
	require.Eventually(t, func() bool { return len(pub.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pub.Publish(ctx, NewTransferCommitted(sampleEnvelope("t-2"), time.Now())))
	assert.ErrorIs(t, pub.Publish(ctx, NewTransferCommitted(sampleEnvelope("t-3"), time.Now())), ErrQueueFull)

	close(release)
	require.NoError(t, pub.Close(ctx))
	assert.Len(t, bus.Events(), 2)
}

func TestRedisStreamRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	bus := &RedisStreamBus{Redis: rdb, Stream: "payment_events"}
	first := NewTransferCommitted(sampleEnvelope("t-1"), time.Now())
	require.NoError(t, bus.Send(ctx, first))
	// At-least-once: the same transfer event delivered twice.
	require.NoError(t, bus.Send(ctx, first))
	require.NoError(t, bus.Send(ctx, NewTransferFailed(sampleEnvelope("t-2"), "insufficient_funds", time.Now())))

	var mu sync.Mutex
	var seen []Event
	c := &Consumer{
		Redis:    rdb,
		Stream:   "payment_events",
		Group:    "analytics",
		Name:     "worker-1",
		Block:    20 * time.Millisecond,
		DedupTTL: time.Hour,
		Handler: func(_ context.Context, e Event) error {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
			return nil
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t-1", seen[0].Meta().TransferID)
	assert.IsType(t, TransferCommitted{}, seen[0])
	assert.IsType(t, TransferFailed{}, seen[1])
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
}

func TestConsumerReplaysEveryPendingEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	require.NoError(t, rdb.XGroupCreateMkStream(ctx, "payment_events", "ledger-sync", "0").Err())
	bus := &RedisStreamBus{Redis: rdb, Stream: "payment_events"}
	for _, id := range []string{"t-1", "t-2", "t-3", "t-4", "t-5"} {
		require.NoError(t, bus.Send(ctx, NewTransferCommitted(sampleEnvelope(id), time.Now())))
	}

	// A previous run read everything and crashed before acknowledging.
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "ledger-sync", Consumer: "worker-1", Streams: []string{"payment_events", ">"}, Count: 10, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 5)

	var (
		mu   sync.Mutex
		seen []string
	)
	runConsumer(t, &Consumer{
		Redis:    rdb,
		Stream:   "payment_events",
		Group:    "ledger-sync",
		Name:     "worker-1",
		Block:    20 * time.Millisecond,
		BatchMax: 2,
		Handler: func(_ context.Context, e Event) error {
			mu.Lock()
			seen = append(seen, e.Meta().TransferID)
			mu.Unlock()
			return nil
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t-1", "t-2", "t-3", "t-4", "t-5"}, seen)
}

func TestConsumerRetriesFailedEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	bus := &RedisStreamBus{Redis: rdb, Stream: "payment_events"}
	require.NoError(t, bus.Send(ctx, NewTransferFailed(sampleEnvelope("t-flaky"), "insufficient_funds", time.Now())))

	var (
		attempts atomic.Int32
		handled  atomic.Bool
	)
	runConsumer(t, &Consumer{
		Redis:         rdb,
		Stream:        "payment_events",
		Group:         "notifier",
		Name:          "worker-1",
		Block:         20 * time.Millisecond,
		DedupTTL:      time.Hour,
		RetryInterval: 50 * time.Millisecond,
		Handler: func(context.Context, Event) error {
			if attempts.Add(1) == 1 {
				return errors.New("downstream unavailable")
			}
			handled.Store(true)
			return nil
		},
	})

	require.Eventually(t, handled.Load, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
}
