package audit

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

const defaultWindow = 7 * 24 * time.Hour

// Handler exposes the audit timeline over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/timeline", h.timeline)
	})
}

type timelineRowResponse struct {
	ID       int64          `json:"id"`
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type pagingResponse struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	rows := make([]timelineRowResponse, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, timelineRowResponse(row))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows": rows,
		"paging": pagingResponse{
			Page:     result.Paging.Page,
			PageSize: result.Paging.PageSize,
			HasNext:  result.Paging.HasNext,
			PrevPage: result.Paging.PrevPage,
			NextPage: result.Paging.NextPage,
		},
	})
}

// parseFilters defaults to the last seven days when neither bound is given.
func (h *Handler) parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return TimelineFilters{}, err
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return TimelineFilters{}, err
	}
	switch {
	case from.IsZero() && to.IsZero():
		to = h.now()
		from = to.Add(-defaultWindow)
	case from.IsZero():
		from = to.Add(-defaultWindow)
	case to.IsZero():
		to = from.Add(defaultWindow)
	}
	return TimelineFilters{
		From:     from,
		To:       to,
		ActorID:  httpx.QueryInt(q.Get("actor_id")),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
		Page:     int(httpx.QueryInt(q.Get("page"))),
		PageSize: int(httpx.QueryInt(q.Get("page_size"))),
	}, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", httpx.ErrValidation, raw)
	}
	return t, nil
}
