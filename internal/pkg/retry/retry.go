// Package retry provides one bounded-loop retry with exponential backoff and
// full jitter, plus an HTTP client built on it.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// Policy bounds a retry loop. MaxRetries counts attempts after the first.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is 3 retries, 1s base, 30s cap.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the backoff before the given retry attempt (1-based).
// Full jitter: random(0, min(MaxDelay, BaseDelay * 2^(attempt-1))), floored
// at min(100ms, BaseDelay) to avoid busy-looping.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	expDelay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(p.MaxDelay) {
		expDelay = float64(p.MaxDelay)
	}

	jittered := time.Duration(rand.Float64() * expDelay)

	floor := 100 * time.Millisecond
	if p.BaseDelay < floor {
		floor = p.BaseDelay
	}
	if jittered < floor {
		jittered = floor
	}
	return jittered
}

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop marks err as terminal: the loop returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do runs op until it succeeds, the predicate rejects the error, attempts
// run out, or ctx ends. A nil predicate retries every error. The last error
// seen is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, retryable func(error) bool) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, retryable)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	p = p.normalized()
	var zero T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		}

		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Debug("retrying", "attempt", attempt, "max_retries", p.MaxRetries, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var stop stopError
		if errors.As(err, &stop) {
			return zero, stop.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}
