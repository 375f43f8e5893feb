package sources

import (
	"context"
	"log/slog"
	"time"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/graph"
)

// DefaultRetryBackoff is the wait before retrying a failed call
const DefaultRetryBackoff = 2 * time.Second

// retryOnce runs fn and, if it fails with a retryable error, runs it exactly one more time
// after backoff (or the server's Retry-After). The wait never outlives ctx.
func retryOnce[T any](ctx context.Context, backoff time.Duration, logger *slog.Logger, what string, fn func(context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if err == nil || !shouldRetry(ctx, err) {
		return result, err
	}

	delay := calculateBackoffDelay(err, backoff)
	logger.Warn("call failed, retrying once with backoff",
		"call", what,
		"backoffDelay", delay,
		"error", err.Error())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-timer.C:
	}

	return fn(ctx)
}

func calculateBackoffDelay(err error, backoff time.Duration) time.Duration {
	if delay := graph.RetryAfter(err); delay > 0 {
		return delay
	}
	return backoff
}

func shouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !graph.IsPermanent(err)
}
