package apiworker

import (
	"context"
	"time"
)

// Retrier holds shared retry configuration for the worker's HTTP request
// setup, adapted from the teacher provider's BaseProvider.Retry.
//
// Worker.Run wraps only the request/connect phase in Do, and passes a
// predicate (isRetryableHTTPErr) that treats no error as retryable, so each
// request is attempted exactly once and the stream itself is never retried.
type Retrier struct {
	maxRetries int
	retryDelay time.Duration
}

// NewRetrier builds a Retrier with sane defaults when either argument is
// non-positive.
func NewRetrier(maxRetries int, retryDelay time.Duration) *Retrier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// Do executes op with linear backoff while isRetryable(err) holds.
func (r *Retrier) Do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) {
				return err
			}
			if attempt >= r.maxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}
