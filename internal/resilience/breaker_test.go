package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockShard struct {
	mock.Mock
}

func (m *mockShard) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var errConnRefused = errors.New("connection refused")

func TestBreakerLifecycle(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, ResetTimeout: 80 * time.Millisecond, SuccessThreshold: 2, Timeout: time.Second}
	b := NewBreaker("shard-0", cfg)
	ctx := context.Background()

	shard := &mockShard{}
	shard.On("Ping", mock.Anything).Return(errConnRefused).Times(3)

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, shard.Ping)
		require.ErrorIs(t, err, errConnRefused)
	}
	assert.Equal(t, StateOpen, b.State())
	shard.AssertNumberOfCalls(t, "Ping", 3)
	openedAt := b.Status().LastStateChange

	// Open: fail fast without touching the shard.
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, shard.Ping)
		require.ErrorIs(t, err, ErrCircuitOpen)
	}
	shard.AssertNumberOfCalls(t, "Ping", 3)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
	shard.On("Ping", mock.Anything).Return(nil)

	require.NoError(t, b.Execute(ctx, shard.Ping))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, shard.Ping))
	assert.Equal(t, StateClosed, b.State())
	shard.AssertNumberOfCalls(t, "Ping", 5)

	st := b.Status()
	assert.Equal(t, 0, st.FailureCount)
	assert.True(t, st.LastStateChange.After(openedAt))
	assert.False(t, st.LastFailure.IsZero())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("cache", BreakerConfig{FailureThreshold: 1, ResetTimeout: 60 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()
	fail := func(context.Context) error { return errConnRefused }

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	require.ErrorIs(t, b.Execute(ctx, fail), errConnRefused)

	// The reset timer restarts from the half-open failure.
	require.ErrorIs(t, b.Execute(ctx, fail), ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbeCalls(t *testing.T) {
	b := NewBreaker("shard-3", BreakerConfig{FailureThreshold: 1, ResetTimeout: 40 * time.Millisecond, SuccessThreshold: 1})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, func(context.Context) error { return errConnRefused }))
	time.Sleep(60 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, StateHalfOpen, b.State())

	// A second caller is turned away while the single trial call is in flight.
	require.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("shard-1", BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()
	fail := func(context.Context) error { return errConnRefused }
	ok := func(context.Context) error { return nil }

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Status().FailureCount)
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker("shard-2", BreakerConfig{FailureThreshold: 1, Timeout: 20 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresBusinessErrors(t *testing.T) {
	errInsufficient := errors.New("insufficient funds")
	b := NewBreaker("shard-0", BreakerConfig{FailureThreshold: 1},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, errInsufficient) }))

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errInsufficient }), errInsufficient)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryIsolatesResources(t *testing.T) {
	reg := NewRegistry(nil)
	p := ShardProfile()
	p.Breaker.FailureThreshold = 1
	p.Retry.MaxAttempts = 1

	g0 := reg.Register("shard-0", p)
	g2 := reg.Register("shard-2", p)
	require.Same(t, g0, reg.Register("shard-0", p))

	require.Error(t, g2.Do(context.Background(), func(context.Context) error { return errConnRefused }))

	called := false
	require.NoError(t, g0.Do(context.Background(), func(context.Context) error { called = true; return nil }))
	assert.True(t, called)

	st := reg.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "shard-0", st[0].Name)
	assert.Equal(t, StateClosed, st[0].State)
	assert.Equal(t, "shard-2", st[1].Name)
	assert.Equal(t, StateOpen, st[1].State)
}
