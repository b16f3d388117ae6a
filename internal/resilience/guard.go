package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Profile bundles the breaker and retry settings for one kind of resource.
type Profile struct {
	Breaker BreakerConfig
	Retry   Policy
	// Retryable reports whether an error is a transient fault. Nil treats
	// every error as transient.
	Retryable func(error) bool
	// Failure reports whether an error counts against the breaker. Nil
	// falls back to Retryable.
	Failure func(error) bool
}

// Defaults per resource kind.
func ShardProfile() Profile {
	return Profile{
		Breaker: BreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second, SuccessThreshold: 2, Timeout: 5 * time.Second},
		Retry:   Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2},
	}
}

func CacheProfile() Profile {
	return Profile{
		Breaker: BreakerConfig{FailureThreshold: 5, ResetTimeout: 15 * time.Second, SuccessThreshold: 2, Timeout: 2 * time.Second},
		Retry:   Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2},
	}
}

func EventBusProfile() Profile {
	return Profile{
		Breaker: BreakerConfig{FailureThreshold: 3, ResetTimeout: 45 * time.Second, SuccessThreshold: 2, Timeout: 10 * time.Second},
		Retry:   Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 15 * time.Second, Multiplier: 2},
	}
}

func TxLogProfile() Profile {
	return Profile{
		Breaker: BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 2, Timeout: 5 * time.Second},
		Retry:   Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2},
	}
}

// Budget is the longest a guarded call can run across every attempt: each
// attempt's timeout plus the un-jittered waits between them.
func (p Profile) Budget() time.Duration {
	attempts := max(p.Retry.MaxAttempts, 1)
	total := time.Duration(attempts) * p.Breaker.Timeout
	for i := 1; i < attempts; i++ {
		total += p.Retry.Backoff(i)
	}
	return total
}

// Guard protects one resource with retry around a circuit breaker.
type Guard struct {
	breaker *Breaker
	retrier *Retrier
}

func NewGuard(b *Breaker, r *Retrier) *Guard {
	return &Guard{breaker: b, retrier: r}
}

func (g *Guard) Name() string { return g.breaker.Name() }
func (g *Guard) Breaker() *Breaker { return g.breaker }
func (g *Guard) Retrier() *Retrier { return g.retrier }

// Do runs fn with retries; every attempt passes through the breaker.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.retrier.Do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, fn)
	})
}

// Registry owns one independent Guard per resource name.
type Registry struct {
	logger *slog.Logger
	opts   []BreakerOption

	mu     sync.RWMutex
	guards map[string]*Guard
}

func NewRegistry(logger *slog.Logger, opts ...BreakerOption) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{logger: logger, opts: opts, guards: make(map[string]*Guard)}
}

// Register creates the guard for name, or returns the existing one.
func (r *Registry) Register(name string, p Profile) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[name]; ok {
		return g
	}

	opts := []BreakerOption{WithLogger(r.logger)}
	switch {
	case p.Failure != nil:
		opts = append(opts, WithFailurePredicate(p.Failure))
	case p.Retryable != nil:
		opts = append(opts, WithFailurePredicate(p.Retryable))
	}
	opts = append(opts, r.opts...)

	g := NewGuard(NewBreaker(name, p.Breaker, opts...), NewRetrier(p.Retry, p.Retryable))
	r.guards[name] = g
	return g
}

func (r *Registry) Guard(name string) (*Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[name]
	return g, ok
}

// Status returns a snapshot of every breaker, sorted by name.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.guards))
	for _, g := range r.guards {
		out = append(out, g.breaker.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
