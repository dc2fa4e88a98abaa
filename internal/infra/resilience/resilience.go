// Package resilience provides fault-tolerance patterns:
// bounded retry with pluggable backoff, circuit breaker, and bulkhead.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds resilience parameters for remote calls.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int
}

// Backoff returns the wait before the given retry (1 for the first retry).
type Backoff func(retry int) time.Duration

// Linear waits base × retry.
func Linear(base time.Duration) Backoff {
	return func(retry int) time.Duration {
		return time.Duration(retry) * base
	}
}

// Exponential waits base × 2^(retry-1) plus up to 50% jitter, capped at max
// when max > 0.
func Exponential(base, max time.Duration) Backoff {
	return func(retry int) time.Duration {
		backoff := time.Duration(math.Pow(2, float64(retry-1))) * base
		if max > 0 && backoff > max {
			backoff = max
		}
		if half := int64(backoff / 2); half > 0 {
			backoff += time.Duration(rand.Int63n(half))
		}
		return backoff
	}
}

// Policy describes a bounded retry: how many attempts in total, how long to
// wait between them, and which errors are worth another attempt.
// A nil Retryable retries every error.
type Policy struct {
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
}

// ErrExhausted wraps the last error once a policy runs out of attempts.
type ErrExhausted struct {
	Attempts int
	Err      error
}

func (e *ErrExhausted) Error() string {
	return "retry budget exhausted: " + e.Err.Error()
}

func (e *ErrExhausted) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. fn receives the 1-based attempt number. Non-retryable
// errors are returned as is; exhaustion returns *ErrExhausted wrapping the
// last error. Context cancellation is only observed between attempts.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(wait):
		}
	}
	return &ErrExhausted{Attempts: attempts, Err: lastErr}
}

// permanentError marks an error that another attempt cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so RetryWithBackoff returns it without retrying.
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

// RetryWithBackoff executes fn with exponential backoff + jitter.
// It respects context cancellation and stops at errors marked Permanent,
// returning them unwrapped.
func RetryWithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := Do(ctx, Policy{
		Attempts:  cfg.MaxRetries + 1,
		Backoff:   Exponential(cfg.InitialBackoff, 0),
		Retryable: func(err error) bool { return !IsPermanent(err) },
	}, func(int) error {
		if err := ctx.Err(); err != nil {
			return Permanent(err)
		}
		return fn()
	})

	var exhausted *ErrExhausted
	if errors.As(err, &exhausted) {
		return exhausted.Err
	}
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // half-open: allow 3 requests
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})
}

// Bulkhead limits concurrent access to a resource.
type Bulkhead struct {
	sem chan struct{}
}

// NewBulkhead creates a bulkhead with the given max concurrency.
func NewBulkhead(maxConcurrency int) *Bulkhead {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrency)}
}

// Acquire blocks until a slot is available or context is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (b *Bulkhead) Release() {
	<-b.sem
}
