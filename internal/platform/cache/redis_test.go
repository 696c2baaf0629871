package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewLocker(client)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "sweep", time.Minute, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "sweep", time.Minute, func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		require.ErrorIs(t, inner, ErrLockHeld)
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// released after the first holder returned
	err = locker.WithLock(ctx, "sweep", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestNilLockerRunsDirectly(t *testing.T) {
	var locker *Locker
	called := false
	require.NoError(t, locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}
