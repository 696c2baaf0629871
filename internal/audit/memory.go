package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MemoryRepository keeps audit rows in process. It records like the Postgres
// audit logger and serves the timeline for the memory driver.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows []TimelineRow
	now  func() time.Time
}

// NewMemoryRepository constructs an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now}
}

// Record implements shared.AuditRecorder.
func (m *MemoryRepository) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, TimelineRow{
		ID:       int64(len(m.rows) + 1),
		At:       at,
		ActorID:  log.ActorID,
		Action:   log.Action,
		Entity:   log.Entity,
		EntityID: log.EntityID,
		Meta:     log.Meta,
	})
	return nil
}

// Window implements Repository.
func (m *MemoryRepository) Window(_ context.Context, params WindowParams) ([]TimelineRow, error) {
	m.mu.RLock()
	var matched []TimelineRow
	for _, row := range m.rows {
		if params.matches(row) {
			matched = append(matched, row)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].At.Equal(matched[j].At) {
			return matched[i].At.After(matched[j].At)
		}
		return matched[i].ID > matched[j].ID
	})
	if params.Offset >= len(matched) {
		return []TimelineRow{}, nil
	}
	matched = matched[params.Offset:]
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}
	return matched, nil
}
