package shared

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout indicates a keyed lock was not acquired within its timeout.
var ErrLockTimeout = errors.New("lock wait timeout")

// KeyedMutex hands out one exclusive lock per key. Waits are bounded by a
// timeout and by the context. A key's entry lives only while someone holds or
// waits for it.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*keyedLock)}
}

// Acquire locks key, returning the release func.
func (m *KeyedMutex[K]) Acquire(ctx context.Context, key K, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.unref(key, l)
			})
		}, nil
	case <-timer.C:
		m.unref(key, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex[K]) unref(key K, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
