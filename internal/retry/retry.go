// Package retry provides bounded retries with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
)

// Config represents retry configuration.
type Config struct {
	MaxAttempts    int           // Maximum number of attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 100ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 2s)
	// Retryable decides whether err is worth another attempt. Nil means
	// everything except context cancellation.
	Retryable func(err error) bool
	// Logger receives one debug line per failed attempt. Optional.
	Logger *logger.Logger
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. Context cancellation is checked between attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithRetry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithRetry is Do for functions returning a value.
func DoWithRetry[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxDelay
	}
	if cfg.Retryable == nil {
		cfg.Retryable = IsRetryable
	}

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.Retryable(err) {
			return zero, err
		}

		if cfg.Logger != nil {
			cfg.Logger.Debug("attempt failed",
				logger.Field{Key: "attempt", Value: attempt + 1},
				logger.Field{Key: "max_attempts", Value: cfg.MaxAttempts},
				logger.Field{Key: "error", Value: err.Error()})
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(calculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.WithStack(ctx.Err())
		}
	}

	return zero, errors.Wrapf(lastErr, "all %d attempts failed", cfg.MaxAttempts)
}

// IsRetryable is the default retry predicate: anything but cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// calculateBackoff returns 2^attempt * initial, capped at max.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * initial
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}
