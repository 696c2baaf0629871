package shared

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexBoundsWaitPerKey(t *testing.T) {
	locks := NewKeyedMutex[int64]()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, 1, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	other, err := locks.Acquire(ctx, 2, 20*time.Millisecond)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locks.Acquire(ctx, 1, 20*time.Millisecond)
	require.NoError(t, err)
	again()

	cancelled, cancel := context.WithCancel(ctx)
	held, err := locks.Acquire(ctx, 3, time.Second)
	require.NoError(t, err)
	cancel()
	_, err = locks.Acquire(cancelled, 3, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	held()
}

func TestKeyedMutexDropsIdleKeys(t *testing.T) {
	locks := NewKeyedMutex[int64]()
	ctx := context.Background()

	for key := int64(1); key <= 50; key++ {
		release, err := locks.Acquire(ctx, key, time.Second)
		require.NoError(t, err)
		release()
	}
	require.Zero(t, locks.Len())

	held, err := locks.Acquire(ctx, 7, time.Second)
	require.NoError(t, err)
	_, err = locks.Acquire(ctx, 7, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Equal(t, 1, locks.Len(), "a timed out waiter must not drop the holder's entry")

	waited := make(chan error, 1)
	go func() {
		release, err := locks.Acquire(ctx, 7, time.Second)
		if err == nil {
			release()
		}
		waited <- err
	}()
	time.Sleep(20 * time.Millisecond)
	held()
	require.NoError(t, <-waited)
	require.Zero(t, locks.Len())
}
