package util

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and returns nil on the first success. It gives up early, returning
// the error as is, when the error comes from ctx or when retryable reports
// false for it. A nil retryable treats every other error as transient.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		// No sleep after the last attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
