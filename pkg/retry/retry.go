package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryableFunc is a function that can be retried. The context passed in is
// the caller's context; implementations should derive attempt timeouts from it.
type RetryableFunc func(ctx context.Context) error

// ErrorClassifier determines if an error is retryable
type ErrorClassifier func(error) bool

// RetryOptions defines the configuration for retries
type RetryOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Classifier      ErrorClassifier
}

// DefaultOptions returns the backoff used for broker publishes.
func DefaultOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Classifier:      IsRetryable,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err was not marked Permanent and is not a
// context cancellation.
func IsRetryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Do executes fn with exponential backoff until it succeeds, the classifier
// rejects the error, attempts are exhausted, or ctx is done.
func Do(ctx context.Context, fn RetryableFunc, opts RetryOptions) error {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if opts.Classifier != nil && !opts.Classifier(err) {
			return unwrapPermanent(err)
		}
		if attempt == opts.MaxAttempts {
			break
		}

		timer := time.NewTimer(CalculateBackoff(attempt, opts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return unwrapPermanent(lastErr)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// CalculateBackoff returns the wait after the given (1-based) attempt.
func CalculateBackoff(attempt int, opts RetryOptions) time.Duration {
	if attempt <= 1 {
		return opts.InitialInterval
	}

	interval := float64(opts.InitialInterval) * math.Pow(opts.Multiplier, float64(attempt-1))
	if opts.MaxInterval > 0 && interval > float64(opts.MaxInterval) {
		return opts.MaxInterval
	}
	return time.Duration(interval)
}
