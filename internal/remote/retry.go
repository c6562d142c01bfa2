package remote

import (
	"context"
	"time"
)

// retry calls fn up to maxAttempts times with exponential backoff starting at
// base. It stops early when stop(err) is true.
func retry[T any](ctx context.Context, maxAttempts int, base time.Duration, stop func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if stop != nil && stop(err) {
			break
		}
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * base // base, 2*base, 4*base...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
