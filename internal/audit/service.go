package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// MaxWindow bounds the from/to range of one timeline query.
	MaxWindow = 90 * 24 * time.Hour
)

// Repository menyediakan akses ke baris audit.
type Repository interface {
	Window(ctx context.Context, params WindowParams) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of audit rows, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if !filters.From.IsZero() && !filters.To.IsZero() {
		if !filters.To.After(filters.From) {
			return Result{}, fmt.Errorf("%w: audit: to must be after from", shared.ErrValidation)
		}
		if filters.To.Sub(filters.From) > MaxWindow {
			return Result{}, fmt.Errorf("%w: audit: window exceeds %s", shared.ErrValidation, MaxWindow)
		}
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Window(ctx, WindowParams{
		From:     filters.From,
		To:       filters.To,
		ActorID:  filters.ActorID,
		Entity:   strings.TrimSpace(filters.Entity),
		EntityID: strings.TrimSpace(filters.EntityID),
		Action:   strings.TrimSpace(filters.Action),
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
