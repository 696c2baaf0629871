package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another process holds the requested lock.
var ErrLockHeld = errors.New("platform/cache: lock held elsewhere")

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Locker hands out short-lived distributed locks backed by redis.
type Locker struct {
	client *redislock.Client
}

// NewLocker wraps a redis client.
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: redislock.New(client)}
}

// WithLock runs fn while holding key. It returns ErrLockHeld without running fn
// when the lock is taken. The lock is released when fn returns or ttl elapses.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("platform/cache: obtain %s: %w", key, err)
	}
	defer func() {
		// a fresh context so cancellation of ctx does not leak the lock until ttl.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	ctx, cancel := context.WithDeadline(ctx, time.Now().Add(ttl))
	defer cancel()
	return fn(ctx)
}
