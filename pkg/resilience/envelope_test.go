package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	policy := NewPolicy(2, rate.NewLimiter(rate.Inf, 1), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Factor:      2,
		Jitter:      0,
		Retryable:   func(error) bool { return true },
	})

	result, err := Execute(context.Background(), policy, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, attempts)
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	policy := NewPolicy(2, rate.NewLimiter(rate.Inf, 1), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(error) bool { return false },
	})

	_, err := Execute(context.Background(), policy, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("permanent")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestBulkhead_OverflowTimesOut(t *testing.T) {
	b := NewBulkhead(1)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	require.Error(t, err)
}
