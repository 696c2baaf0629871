package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// DefaultLockTimeout bounds how long a unit of work waits for a position lock.
const DefaultLockTimeout = 3 * time.Second

// MemoryRepository is a process-local store with the same locking and atomicity
// guarantees as the Postgres repository. It backs the memory driver and tests.
type MemoryRepository struct {
	lockTimeout time.Duration
	locks       *shared.KeyedMutex[PositionKey]
	nextID      atomic.Int64

	mu        sync.RWMutex
	positions map[PositionKey]StockPosition
	entries   []LedgerEntry
	history   map[int64]HistoryEntry
	applied   map[IdempotencyKey]int64
	byID      map[int64]int
}

// NewMemoryRepository constructs an empty store. lockTimeout <= 0 uses DefaultLockTimeout.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryRepository{
		lockTimeout: lockTimeout,
		locks:       shared.NewKeyedMutex[PositionKey](),
		positions:   make(map[PositionKey]StockPosition),
		history:     make(map[int64]HistoryEntry),
		applied:     make(map[IdempotencyKey]int64),
		byID:        make(map[int64]int),
	}
}

// MemoryTx stages writes until Commit. Position locks are held from LockPosition
// until Commit or Rollback.
type MemoryTx struct {
	repo      *MemoryRepository
	held      map[PositionKey]func()
	positions map[PositionKey]StockPosition
	entries   []LedgerEntry
	history   []HistoryEntry
	done      bool
}

// Begin starts a unit of work. Document stores built on top of the memory
// repository use it to compose their own staged writes with stock writes.
func (m *MemoryRepository) Begin() *MemoryTx {
	return &MemoryTx{
		repo:      m,
		held:      make(map[PositionKey]func()),
		positions: make(map[PositionKey]StockPosition),
	}
}

// WithTx runs fn in a unit of work, committing when it returns nil.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := m.Begin()
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit publishes the staged writes and releases the held locks.
func (tx *MemoryTx) Commit() error {
	if tx.done {
		return errors.New("inventory: transaction already finished")
	}
	m := tx.repo
	m.mu.Lock()
	for _, e := range tx.entries {
		if _, exists := m.applied[e.IdempotencyKey()]; exists {
			m.mu.Unlock()
			tx.Rollback()
			return fmt.Errorf("%w: %v", ErrDuplicateOperation, e.IdempotencyKey())
		}
	}
	for key, pos := range tx.positions {
		m.positions[key] = pos
	}
	for _, e := range tx.entries {
		m.byID[e.ID] = len(m.entries)
		m.entries = append(m.entries, e)
		m.applied[e.IdempotencyKey()] = e.ID
	}
	for _, h := range tx.history {
		m.history[h.LedgerEntryID] = h
	}
	m.mu.Unlock()
	tx.release()
	return nil
}

// Rollback discards staged writes and releases locks. It is safe after Commit.
func (tx *MemoryTx) Rollback() {
	if tx.done {
		return
	}
	tx.release()
}

func (tx *MemoryTx) release() {
	tx.done = true
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

func (tx *MemoryTx) LockPosition(ctx context.Context, seed StockPosition) (StockPosition, error) {
	if tx.done {
		return StockPosition{}, errors.New("inventory: transaction already finished")
	}
	key := seed.Key()
	if _, ok := tx.held[key]; !ok {
		unlock, err := tx.repo.locks.Acquire(ctx, key, tx.repo.lockTimeout)
		if errors.Is(err, shared.ErrLockTimeout) {
			return StockPosition{}, fmt.Errorf("%w: waited %s for %s", ErrContention, tx.repo.lockTimeout, key)
		}
		if err != nil {
			return StockPosition{}, err
		}
		tx.held[key] = unlock
	}
	if pos, ok := tx.positions[key]; ok {
		return pos, nil
	}
	tx.repo.mu.RLock()
	pos, ok := tx.repo.positions[key]
	tx.repo.mu.RUnlock()
	if !ok {
		pos = seed
		pos.QtyAvailable = decimal.Zero
	}
	return pos, nil
}

func (tx *MemoryTx) FindApplied(_ context.Context, key IdempotencyKey) (LedgerEntry, HistoryEntry, bool, error) {
	for i := len(tx.entries) - 1; i >= 0; i-- {
		if tx.entries[i].IdempotencyKey() == key {
			entry := tx.entries[i]
			for _, h := range tx.history {
				if h.LedgerEntryID == entry.ID {
					return entry, h, true, nil
				}
			}
			return entry, HistoryEntry{}, true, nil
		}
	}
	m := tx.repo
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.applied[key]
	if !ok {
		return LedgerEntry{}, HistoryEntry{}, false, nil
	}
	return m.entries[m.byID[id]], m.history[id], true, nil
}

func (tx *MemoryTx) SavePosition(_ context.Context, pos StockPosition) error {
	key := pos.Key()
	if _, ok := tx.held[key]; !ok {
		return fmt.Errorf("inventory: position %s saved without lock", key)
	}
	tx.positions[key] = pos
	return nil
}

func (tx *MemoryTx) InsertEntry(_ context.Context, entry LedgerEntry) (LedgerEntry, error) {
	for _, staged := range tx.entries {
		if staged.IdempotencyKey() == entry.IdempotencyKey() {
			return LedgerEntry{}, ErrDuplicateOperation
		}
	}
	entry.ID = tx.repo.nextID.Add(1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *MemoryTx) InsertHistory(_ context.Context, entry HistoryEntry) (HistoryEntry, error) {
	tx.history = append(tx.history, entry)
	return entry, nil
}

func (tx *MemoryTx) EntriesByReference(_ context.Context, refType ReferenceType, refID string) ([]LedgerEntry, error) {
	tx.repo.mu.RLock()
	var out []LedgerEntry
	for _, e := range tx.repo.entries {
		if e.RefType == refType && e.RefID == refID {
			out = append(out, e)
		}
	}
	tx.repo.mu.RUnlock()
	for _, e := range tx.entries {
		if e.RefType == refType && e.RefID == refID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPosition returns the committed position for key.
func (m *MemoryRepository) GetPosition(_ context.Context, key PositionKey) (StockPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[key]
	if !ok {
		return StockPosition{}, ErrPositionNotFound
	}
	return pos, nil
}

// ListPositions lists positions matching filter.
func (m *MemoryRepository) ListPositions(_ context.Context, filter PositionFilter) ([]StockPosition, error) {
	m.mu.RLock()
	var out []StockPosition
	for _, pos := range m.positions {
		if filter.BusinessID != 0 && pos.BusinessID != filter.BusinessID {
			continue
		}
		if filter.LocationID != 0 && pos.LocationID != filter.LocationID {
			continue
		}
		if filter.VariationID != 0 && pos.VariationID != filter.VariationID {
			continue
		}
		if filter.NonZeroOnly && pos.QtyAvailable.IsZero() {
			continue
		}
		out = append(out, pos)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListKeys returns every position key.
func (m *MemoryRepository) ListKeys(_ context.Context) ([]PositionKey, error) {
	m.mu.RLock()
	keys := make([]PositionKey, 0, len(m.positions))
	for key := range m.positions {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func (m *MemoryRepository) filtered(filter EntryFilter) []LedgerEntry {
	m.mu.RLock()
	var out []LedgerEntry
	for _, e := range m.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListEntries returns ledger entries in creation order.
func (m *MemoryRepository) ListEntries(_ context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	return m.filtered(filter), nil
}

// ListHistory returns history entries in creation order.
func (m *MemoryRepository) ListHistory(_ context.Context, filter EntryFilter) ([]HistoryEntry, error) {
	entries := m.filtered(filter)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if h, ok := m.history[e.ID]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

var (
	_ RepositoryPort = (*MemoryRepository)(nil)
	_ TxRepository   = (*MemoryTx)(nil)
)
