package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrCircuitOpen is returned without calling the resource while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a guarded call exceeds its per-call timeout.
	ErrTimeout = errors.New("call timed out")
)

// BreakerConfig holds the thresholds for one guarded resource.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	Timeout          time.Duration
}

// Breaker is a three-state circuit breaker for a single resource. The state
// machine is gobreaker's; this type adds the per-call timeout, the failure
// predicate and a status snapshot.
type Breaker struct {
	name      string
	cfg       BreakerConfig
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
	logger    *slog.Logger

	mu          sync.Mutex
	lastFailure time.Time
	lastChange  time.Time
}

type BreakerOption func(*Breaker)

// WithFailurePredicate decides which errors count against the breaker.
// Errors that do not count are treated as a successful round trip.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

func WithLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	b := &Breaker{
		name:       name,
		cfg:        cfg,
		isFailure:  func(err error) bool { return err != nil },
		logger:     slog.New(slog.DiscardHandler),
		lastChange: time.Now(),
	}
	for _, o := range opts {
		o(b)
	}

	threshold := uint32(cfg.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  func(err error) bool { return !b.counts(err) },
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *Breaker) Name() string { return b.name }

// counts reports whether err is recorded as a breaker failure.
func (b *Breaker) counts(err error) bool {
	return err != nil && (errors.Is(err, ErrTimeout) || b.isFailure(err))
}

// Execute runs fn unless the breaker is open. The call gets cfg.Timeout as
// its deadline; running past it is recorded as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.call(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s: %w after %s: %w", b.name, ErrTimeout, b.cfg.Timeout, err)
	}
	if b.counts(err) {
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return err
}

// onStateChange runs under gobreaker's lock; it must not call back into cb.
func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	b.lastChange = time.Now()
	b.mu.Unlock()

	level := slog.LevelInfo
	if to == gobreaker.StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state change",
		"resource", b.name, "from", string(convertState(from)), "to", string(convertState(to)))
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

// Status is a read-only snapshot of one breaker.
type Status struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailure     time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (b *Breaker) Status() Status {
	// cb first: gobreaker holds its lock while calling onStateChange.
	state := b.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:            b.name,
		State:           state,
		FailureCount:    int(counts.ConsecutiveFailures),
		SuccessCount:    int(counts.ConsecutiveSuccesses),
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastChange,
	}
}
