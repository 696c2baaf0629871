package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryOnlyRetriesContention(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{Attempts: 3, Backoff: time.Millisecond}

	calls := 0
	err := Retry(ctx, policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrContention
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, policy, func(context.Context) error {
		calls++
		return ErrInsufficientStock
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 1, calls)

	calls = 0
	err = Retry(ctx, policy, func(context.Context) error {
		calls++
		return ErrContention
	})
	require.ErrorIs(t, err, ErrContention)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 5, Backoff: time.Second}, func(context.Context) error {
		return ErrContention
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.ErrorIs(t, err, ErrContention)
}
