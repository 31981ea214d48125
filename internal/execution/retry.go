package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// withRetry runs fn up to attempts times with exponential backoff
// (base, 2·base, 4·base...). It gives up early when ctx is done.
func withRetry[T any](ctx context.Context, op string, attempts int, base time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * base
		slog.Warn("executor: lookup failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"wait", wait,
			"err", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
