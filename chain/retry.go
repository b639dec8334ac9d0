package chain

import (
	"context"
	"errors"
	"time"
)

// Retry parameters: exponential back-off starting at 250ms, doubling, capped
// at 30s, at most 8 attempts.
const (
	retryInitial  = 250 * time.Millisecond
	retryCap      = 30 * time.Second
	retryAttempts = 8

	// callTimeout bounds every individual RPC call.
	callTimeout = 15 * time.Second
)

// backoffDelay returns the sleep before retry attempt n (0-based counts the
// first retry).
func backoffDelay(n int) time.Duration {
	d := retryInitial << uint(n)
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

// withRetry runs fn under the retry policy. fn receives the attempt number so
// the caller can rotate endpoints between attempts. Permanent errors and
// context cancellation abort immediately; the last transient error is
// returned once attempts are exhausted.
func withRetry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(callCtx, attempt)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
	}
	return last
}
