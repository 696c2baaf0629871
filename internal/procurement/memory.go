package procurement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MemoryRepository keeps receipts in process memory and shares units of work
// with an inventory.MemoryRepository.
type MemoryRepository struct {
	stock       *inventory.MemoryRepository
	lockTimeout time.Duration
	locks       *shared.KeyedMutex[int64]

	mu         sync.RWMutex
	grns       map[int64]GoodsReceipt
	numbers    map[string]int64
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
		grns:        make(map[int64]GoodsReceipt),
		numbers:     make(map[string]int64),
	}
}

type memoryTx struct {
	*inventory.MemoryTx
	repo    *MemoryRepository
	held    []func()
	created []GoodsReceipt
	updated map[int64]GoodsReceipt
}

// WithTx runs fn with stock and receipt writes committed together.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	stockTx := r.stock.Begin()
	tx := &memoryTx{MemoryTx: stockTx, repo: r, updated: make(map[int64]GoodsReceipt)}
	defer tx.release()
	defer stockTx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, grn := range tx.created {
		if _, exists := r.numbers[numberKey(grn)]; exists {
			return fmt.Errorf("%w: receipt number %s already used", ErrValidation, grn.Number)
		}
	}
	if err := stockTx.Commit(); err != nil {
		return err
	}
	for _, grn := range tx.created {
		r.grns[grn.ID] = grn
		r.numbers[numberKey(grn)] = grn.ID
	}
	for id, grn := range tx.updated {
		r.grns[id] = grn
	}
	return nil
}

func numberKey(grn GoodsReceipt) string {
	return fmt.Sprintf("%d/%s", grn.BusinessID, grn.Number)
}

func (tx *memoryTx) release() {
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

func (tx *memoryTx) CreateGRN(_ context.Context, grn GoodsReceipt) (GoodsReceipt, error) {
	r := tx.repo
	r.mu.Lock()
	r.nextID++
	grn.ID = r.nextID
	lines := make([]GRNLine, len(grn.Lines))
	for i, line := range grn.Lines {
		r.nextLineID++
		line.ID = r.nextLineID
		line.GRNID = grn.ID
		lines[i] = line
	}
	r.mu.Unlock()
	grn.Lines = lines
	grn.CreatedAt = time.Now().UTC()
	tx.created = append(tx.created, grn)
	return cloneGRN(grn), nil
}

func (tx *memoryTx) GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, error) {
	if grn, ok := tx.updated[id]; ok {
		return cloneGRN(grn), nil
	}
	unlock, err := tx.repo.locks.Acquire(ctx, id, tx.repo.lockTimeout)
	if errors.Is(err, shared.ErrLockTimeout) {
		return GoodsReceipt{}, fmt.Errorf("%w: receipt %d locked", inventory.ErrContention, id)
	}
	if err != nil {
		return GoodsReceipt{}, err
	}
	tx.held = append(tx.held, unlock)
	tx.repo.mu.RLock()
	grn, ok := tx.repo.grns[id]
	tx.repo.mu.RUnlock()
	if !ok {
		return GoodsReceipt{}, ErrNotFound
	}
	tx.updated[id] = grn
	return cloneGRN(grn), nil
}

func (tx *memoryTx) SetGRNDecision(_ context.Context, id int64, decision Decision) error {
	grn, ok := tx.updated[id]
	if !ok {
		return fmt.Errorf("procurement: receipt %d not locked", id)
	}
	at := decision.ApprovedAt
	grn.Status = decision.Status
	grn.ApprovedBy = decision.ApprovedBy
	grn.ApprovedAt = &at
	grn.RejectionReason = decision.Reason
	tx.updated[id] = grn
	return nil
}

// GetGRN returns a committed receipt.
func (r *MemoryRepository) GetGRN(_ context.Context, id int64) (GoodsReceipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	grn, ok := r.grns[id]
	if !ok {
		return GoodsReceipt{}, ErrNotFound
	}
	return cloneGRN(grn), nil
}

// ListGRNs returns receipts newest first.
func (r *MemoryRepository) ListGRNs(_ context.Context, filters ListFilters) ([]GoodsReceipt, int, error) {
	r.mu.RLock()
	var matched []GoodsReceipt
	for _, grn := range r.grns {
		if filters.BusinessID != 0 && grn.BusinessID != filters.BusinessID {
			continue
		}
		if filters.Status != "" && grn.Status != filters.Status {
			continue
		}
		if filters.LocationID != 0 && grn.LocationID != filters.LocationID {
			continue
		}
		if filters.SupplierID != 0 && grn.SupplierID != filters.SupplierID {
			continue
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(grn.Number), strings.ToLower(filters.Search)) {
			continue
		}
		header := grn
		header.Lines = nil
		matched = append(matched, header)
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	start, end := shared.NewPagination(filters.Page, filters.PerPage, total).Bounds()
	return matched[start:end], total, nil
}

func cloneGRN(grn GoodsReceipt) GoodsReceipt {
	lines := make([]GRNLine, len(grn.Lines))
	for i, line := range grn.Lines {
		line.SerialNumbers = append([]string(nil), line.SerialNumbers...)
		lines[i] = line
	}
	grn.Lines = lines
	if grn.ApprovedAt != nil {
		at := *grn.ApprovedAt
		grn.ApprovedAt = &at
	}
	return grn
}
