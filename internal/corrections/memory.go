package corrections

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

// MemoryRepository keeps corrections in process memory alongside an
// inventory.MemoryRepository.
type MemoryRepository struct {
	stock       *inventory.MemoryRepository
	lockTimeout time.Duration
	locks       *shared.KeyedMutex[int64]

	mu          sync.RWMutex
	corrections map[int64]Correction
	nextID      int64
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
		corrections: make(map[int64]Correction),
	}
}

type memoryTx struct {
	*inventory.MemoryTx
	repo   *MemoryRepository
	held   []func()
	staged map[int64]Correction
}

// WithTx runs fn with stock and correction writes committed together.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	stockTx := r.stock.Begin()
	tx := &memoryTx{MemoryTx: stockTx, repo: r, staged: make(map[int64]Correction)}
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
	for id, c := range tx.staged {
		r.corrections[id] = c
	}
	return nil
}

func (tx *memoryTx) release() {
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

func (tx *memoryTx) CreateCorrection(_ context.Context, c Correction) (Correction, error) {
	tx.repo.mu.Lock()
	tx.repo.nextID++
	c.ID = tx.repo.nextID
	tx.repo.mu.Unlock()
	tx.staged[c.ID] = c
	return c, nil
}

func (tx *memoryTx) GetCorrectionForUpdate(ctx context.Context, id int64) (Correction, error) {
	if c, ok := tx.staged[id]; ok {
		return c, nil
	}
	unlock, err := tx.repo.locks.Acquire(ctx, id, tx.repo.lockTimeout)
	if errors.Is(err, shared.ErrLockTimeout) {
		return Correction{}, fmt.Errorf("%w: correction %d locked", inventory.ErrContention, id)
	}
	if err != nil {
		return Correction{}, err
	}
	tx.held = append(tx.held, unlock)
	tx.repo.mu.RLock()
	c, ok := tx.repo.corrections[id]
	tx.repo.mu.RUnlock()
	if !ok {
		return Correction{}, ErrNotFound
	}
	tx.staged[id] = c
	return c, nil
}

func (tx *memoryTx) SetDecision(_ context.Context, id int64, decision Decision) error {
	c, ok := tx.staged[id]
	if !ok {
		return fmt.Errorf("corrections: correction %d not locked", id)
	}
	at := decision.ApprovedAt
	c.Status = decision.Status
	c.ApprovedBy = decision.ApprovedBy
	c.ApprovedAt = &at
	c.RejectionReason = decision.Reason
	c.LedgerEntryID = decision.LedgerEntryID
	tx.staged[id] = c
	return nil
}

// GetCorrection returns a committed correction.
func (r *MemoryRepository) GetCorrection(_ context.Context, id int64) (Correction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.corrections[id]
	if !ok {
		return Correction{}, ErrNotFound
	}
	return c, nil
}

// ListCorrections returns corrections newest first.
func (r *MemoryRepository) ListCorrections(_ context.Context, filters ListFilters) ([]Correction, int, error) {
	r.mu.RLock()
	var matched []Correction
	for _, c := range r.corrections {
		if filters.BusinessID != 0 && c.BusinessID != filters.BusinessID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		if filters.LocationID != 0 && c.LocationID != filters.LocationID {
			continue
		}
		matched = append(matched, c)
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	start, end := shared.NewPagination(filters.Page, filters.PerPage, total).Bounds()
	return matched[start:end], total, nil
}
