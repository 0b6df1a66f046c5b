// Package retry runs bounded, backed-off attempts with a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basebot/internal/domain"
)

type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Timeout bounds each attempt. An attempt that runs out of time is not
	// retried and its error wraps domain.ErrFetchTimeout.
	Timeout time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = domain.DefaultRetryBase
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the backoff before attempt n+1, doubling from Base up to Max.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	delay := p.Base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	return delay
}

// Do runs fn until it succeeds, returns a permanent error, times out or
// exhausts the attempts.
func Do[T any](ctx context.Context, p Policy, sleep SleepFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	if sleep == nil {
		sleep = Sleep
	}
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return zero, err
			}
		}
		value, err, timedOut := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return value, nil
		}
		if timedOut {
			return zero, fmt.Errorf("%w after %s: %w", domain.ErrFetchTimeout, p.Timeout, err)
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error, bool) {
	if timeout <= 0 {
		value, err := fn(ctx)
		return value, err, false
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	value, err := fn(attemptCtx)
	timedOut := err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	return value, err, timedOut
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
