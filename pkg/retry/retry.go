// Package retry wraps a single external call with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Policy configures Do. The zero value is usable and yields the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Classify decides whether err may be retried. Defaults to Classify.
	Classify func(err error) Class
	// Sleep waits for d or until ctx is done. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the stock policy: 3 attempts, 1s base delay.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Classify == nil {
		p.Classify = Classify
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	return p
}

// Backoff returns the delay after the failed attempt with 0-based index attempt:
// base * 2^attempt * (0.5 + jitter*0.5).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	return backoff(p.BaseDelay, attempt, p.Jitter())
}

func backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.999999
	}
	exp := float64(base) * float64(uint64(1)<<uint(attempt))
	return time.Duration(exp * (0.5 + jitter*0.5))
}

// Do calls fn until it succeeds, returns a fatal error, or MaxAttempts calls have been made.
// The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || p.Classify(err) != Retryable {
			return zero, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := backoff(p.BaseDelay, attempt, p.Jitter())
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Run is Do for calls that return only an error.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal regardless of its content.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
