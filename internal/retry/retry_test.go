package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("disk busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	sentinel := errors.New("read-only file system")
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryable(t *testing.T) {
	calls := 0
	cfg := fastConfig()
	cfg.Retryable = func(error) bool { return false }

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("permission denied")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_ReturnsValue(t *testing.T) {
	v, err := DoWithRetry(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("rename: no space left on device")))
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
		{70, time.Second},
	}

	for _, tt := range tests {
		got := calculateBackoff(tt.attempt, 100*time.Millisecond, time.Second)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}
