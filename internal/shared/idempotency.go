package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrIdempotencyInFlight indicates the first request with the key has not finished yet.
	ErrIdempotencyInFlight = errors.New("idempotent request still in progress")
)

// IdempotencyPort claims client request keys and remembers the document they produced.
type IdempotencyPort interface {
	// Reserve claims key within module. A completed key returns its stored
	// reference together with ErrIdempotencyConflict.
	Reserve(ctx context.Context, key, module string) (string, error)
	Complete(ctx context.Context, key, module, ref string) error
	Delete(ctx context.Context, key, module string) error
}

// Once runs create at most once per idempotency key. A repeated key loads the
// document created by the first request and reports replayed=true. Without a
// store or key, create always runs.
func Once[T any](
	ctx context.Context,
	store IdempotencyPort,
	module, key string,
	load func(context.Context, string) (T, error),
	create func(context.Context) (T, string, error),
) (result T, replayed bool, err error) {
	if store == nil || key == "" {
		result, _, err = create(ctx)
		return result, false, err
	}
	ref, err := store.Reserve(ctx, key, module)
	switch {
	case errors.Is(err, ErrIdempotencyConflict):
		result, err = load(ctx, ref)
		return result, true, err
	case err != nil:
		return result, false, err
	}
	result, ref, err = create(ctx)
	if err != nil {
		if delErr := store.Delete(ctx, key, module); delErr != nil {
			err = errors.Join(err, fmt.Errorf("release idempotency key: %w", delErr))
		}
		return result, false, err
	}
	if err := completeKey(ctx, store, key, module, ref); err != nil {
		// an unbound reservation would answer ErrIdempotencyInFlight until pruned
		if delErr := store.Delete(context.WithoutCancel(ctx), key, module); delErr != nil {
			err = errors.Join(err, fmt.Errorf("release idempotency key: %w", delErr))
		}
		return result, false, err
	}
	return result, false, nil
}

const completeAttempts = 3

// completeKey binds ref to key. The document already exists, so attempts are
// not cut short by the caller's cancellation.
func completeKey(ctx context.Context, store IdempotencyPort, key, module, ref string) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = store.Complete(ctx, key, module, ref); err == nil {
			return nil
		}
		if attempt < completeAttempts {
			time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
		}
	}
	return fmt.Errorf("complete idempotency key: %w", err)
}

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

func checkKey(key, module string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}

// Reserve ensures key uniqueness per module.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, module string) (string, error) {
	if s == nil {
		return "", errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return "", err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, ref, created_at) VALUES ($1, $2, '', $3)`, key, module, time.Now())
	if err == nil {
		return "", nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", err
	}
	var ref string
	err = s.pool.QueryRow(ctx, `SELECT ref FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// released between insert and select; the caller may retry.
			return "", ErrIdempotencyInFlight
		}
		return "", err
	}
	if ref == "" {
		return "", ErrIdempotencyInFlight
	}
	return ref, ErrIdempotencyConflict
}

// Complete stores the reference produced for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, module, ref string) error {
	if s == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET ref=$3 WHERE key=$1 AND module=$2`, key, module, ref)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module)
	return err
}

type memoryIdempotencyEntry struct {
	ref       string
	createdAt time.Time
}

// MemoryIdempotencyStore is the in-process variant used by the memory driver and tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]memoryIdempotencyEntry
	now  func() time.Time
}

// NewMemoryIdempotencyStore constructs an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]memoryIdempotencyEntry), now: time.Now}
}

func memoryKey(key, module string) string {
	return module + "\x00" + key
}

// Reserve implements IdempotencyPort.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, module string) (string, error) {
	if err := checkKey(key, module); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(key, module)
	if entry, ok := s.keys[k]; ok {
		if entry.ref == "" {
			return "", ErrIdempotencyInFlight
		}
		return entry.ref, ErrIdempotencyConflict
	}
	s.keys[k] = memoryIdempotencyEntry{createdAt: s.now()}
	return "", nil
}

// Complete implements IdempotencyPort.
func (s *MemoryIdempotencyStore) Complete(_ context.Context, key, module, ref string) error {
	if err := checkKey(key, module); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(key, module)
	entry := s.keys[k]
	entry.ref = ref
	if entry.createdAt.IsZero() {
		entry.createdAt = s.now()
	}
	s.keys[k] = entry
	return nil
}

// Delete implements IdempotencyPort.
func (s *MemoryIdempotencyStore) Delete(_ context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, memoryKey(key, module))
	return nil
}

// Cleanup removes entries older than retention.
func (s *MemoryIdempotencyStore) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var removed int64
	for k, entry := range s.keys {
		if entry.createdAt.Before(cutoff) {
			delete(s.keys, k)
			removed++
		}
	}
	return removed, nil
}
