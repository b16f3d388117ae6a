package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes exponential backoff with jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// exponential returns a fresh un-jittered schedule for p.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 24 * time.Hour
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Backoff returns the un-jittered delay before the attempt following attempt.
// attempt is 1-based.
func (p Policy) Backoff(attempt int) time.Duration {
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// jittered scales every delay of the wrapped schedule by factor().
type jittered struct {
	backoff.BackOff
	factor func() float64
}

func (j jittered) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return time.Duration(float64(d) * j.factor())
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retrier runs a function under a Policy.
type Retrier struct {
	Policy    Policy
	Retryable func(error) bool
	// Jitter returns a factor in [0.5, 1.0].
	Jitter func() float64
	// Timer drives the waits between attempts. Nil uses a real timer.
	Timer backoff.Timer
	// Notify is called with the error and the chosen delay before each wait.
	Notify backoff.Notify
}

func NewRetrier(p Policy, retryable func(error) bool) *Retrier {
	return &Retrier{
		Policy:    p,
		Retryable: retryable,
		Jitter:    func() float64 { return 0.5 + rand.Float64()*0.5 },
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Non-retryable errors come back unwrapped.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := r.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		calls     int
		lastErr   error
		permanent bool
	)
	op := func() error {
		calls++
		err := fn(ctx)
		lastErr = err
		if err != nil && !r.retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	var sched backoff.BackOff = jittered{BackOff: r.Policy.exponential(), factor: r.jitter}
	sched = backoff.WithContext(backoff.WithMaxRetries(sched, uint64(attempts-1)), ctx)

	err := backoff.RetryNotifyWithTimer(op, sched, r.Notify, r.Timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil:
		return fmt.Errorf("retry interrupted after %d attempts: %w", calls, errors.Join(lastErr, ctx.Err()))
	default:
		return &ExhaustedError{Attempts: calls, Err: lastErr}
	}
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err) || errors.Is(err, ErrTimeout)
}

func (r *Retrier) jitter() float64 {
	if r.Jitter == nil {
		return 1
	}
	return r.Jitter()
}
