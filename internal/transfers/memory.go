package transfers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MemoryRepository keeps transfers in process memory and commits them together
// with an inventory.MemoryRepository unit of work.
type MemoryRepository struct {
	stock       *inventory.MemoryRepository
	lockTimeout time.Duration
	locks       *shared.KeyedMutex[int64]

	mu         sync.RWMutex
	transfers  map[int64]Transfer
	nextID     int64
	nextLineID int64
}

// NewMemoryRepository constructs MemoryRepository on top of stock.
func NewMemoryRepository(stock *inventory.MemoryRepository, lockTimeout time.Duration) *MemoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = inventory.DefaultLockTimeout
	}
	return &MemoryRepository{
		stock:       stock,
		lockTimeout: lockTimeout,
		locks:       shared.NewKeyedMutex[int64](),
		transfers:   make(map[int64]Transfer),
	}
}

type memoryTx struct {
	*inventory.MemoryTx
	repo    *MemoryRepository
	held    []func()
	created []Transfer
	locked  map[int64]Transfer
	dirty   map[int64]bool
}

// WithTx runs fn with stock and transfer writes committed together.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	stockTx := r.stock.Begin()
	tx := &memoryTx{MemoryTx: stockTx, repo: r, locked: make(map[int64]Transfer), dirty: make(map[int64]bool)}
	defer tx.release()
	defer stockTx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := stockTx.Commit(); err != nil {
		return err
	}
	for _, t := range tx.created {
		r.transfers[t.ID] = t
	}
	for id := range tx.dirty {
		r.transfers[id] = tx.locked[id]
	}
	return nil
}

func (tx *memoryTx) release() {
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

func (tx *memoryTx) CreateTransfer(_ context.Context, t Transfer) (Transfer, error) {
	r := tx.repo
	r.mu.Lock()
	r.nextID++
	t.ID = r.nextID
	lines := make([]Line, len(t.Lines))
	for i, line := range t.Lines {
		r.nextLineID++
		line.ID = r.nextLineID
		line.TransferID = t.ID
		lines[i] = line
	}
	r.mu.Unlock()
	t.Lines = lines
	tx.created = append(tx.created, t)
	return cloneTransfer(t), nil
}

func (tx *memoryTx) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	if t, ok := tx.locked[id]; ok {
		return cloneTransfer(t), nil
	}
	unlock, err := tx.repo.locks.Acquire(ctx, id, tx.repo.lockTimeout)
	if errors.Is(err, shared.ErrLockTimeout) {
		return Transfer{}, fmt.Errorf("%w: transfer %d locked", inventory.ErrContention, id)
	}
	if err != nil {
		return Transfer{}, err
	}
	tx.held = append(tx.held, unlock)
	tx.repo.mu.RLock()
	t, ok := tx.repo.transfers[id]
	tx.repo.mu.RUnlock()
	if !ok {
		return Transfer{}, ErrNotFound
	}
	tx.locked[id] = t
	return cloneTransfer(t), nil
}

func (tx *memoryTx) UpdateTransfer(_ context.Context, t Transfer) error {
	current, ok := tx.locked[t.ID]
	if !ok {
		return fmt.Errorf("transfers: transfer %d not locked", t.ID)
	}
	current.Status = t.Status
	current.Direct = t.Direct
	current.DispatchedBy, current.DispatchedAt = t.DispatchedBy, t.DispatchedAt
	current.ReceivedBy, current.ReceivedAt = t.ReceivedBy, t.ReceivedAt
	tx.locked[t.ID] = current
	tx.dirty[t.ID] = true
	return nil
}

// GetTransfer returns a committed transfer.
func (r *MemoryRepository) GetTransfer(_ context.Context, id int64) (Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return cloneTransfer(t), nil
}

// ListTransfers returns transfer headers newest first.
func (r *MemoryRepository) ListTransfers(_ context.Context, filters ListFilters) ([]Transfer, int, error) {
	r.mu.RLock()
	var matched []Transfer
	for _, t := range r.transfers {
		if filters.BusinessID != 0 && t.BusinessID != filters.BusinessID {
			continue
		}
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.LocationID != 0 && t.SourceLocationID != filters.LocationID && t.DestinationLocationID != filters.LocationID {
			continue
		}
		header := t
		header.Lines = nil
		matched = append(matched, header)
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	start, end := shared.NewPagination(filters.Page, filters.PerPage, total).Bounds()
	return matched[start:end], total, nil
}

// ListInTransitBefore returns in-transit transfers dispatched before cutoff, oldest first.
func (r *MemoryRepository) ListInTransitBefore(_ context.Context, cutoff time.Time, limit int) ([]Transfer, error) {
	r.mu.RLock()
	var out []Transfer
	for _, t := range r.transfers {
		if t.Status == StatusInTransit && t.DispatchedAt != nil && t.DispatchedAt.Before(cutoff) {
			out = append(out, cloneTransfer(t))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(*out[j].DispatchedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneTransfer(t Transfer) Transfer {
	t.Lines = append([]Line(nil), t.Lines...)
	return t
}
