package fetcher

import (
	"context"
	"time"

	"github.com/quenlab/qce/errors"
)

// retryInterval is the base backoff between attempts; the n-th retry waits
// n × retryInterval.
const retryInterval = 500 * time.Millisecond

// callWithRetry runs fn raced against timeout, retrying transient upstream
// failures with linear backoff. Non-retryable errors and cancellation
// escalate immediately.
func callWithRetry[T any](ctx context.Context, retryCount int, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Wrap(errors.ErrCanceled, "fetch canceled")
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if errors.Is(err, errors.ErrCanceled) {
			return zero, err
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt < retryCount {
			backoff := time.Duration(attempt+1) * retryInterval
			select {
			case <-ctx.Done():
				return zero, errors.Wrap(errors.ErrCanceled, "fetch canceled during backoff")
			case <-time.After(backoff):
			}
		}
	}

	return zero, errors.Wrapf(lastErr, "exhausted %d retries", retryCount)
}
