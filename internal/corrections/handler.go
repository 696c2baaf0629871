package corrections

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler wires correction HTTP endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds correction handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers correction routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/corrections", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.propose)
		r.Get("/{id}", h.show)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
}

type proposeRequest struct {
	BusinessID    int64           `json:"business_id"`
	ProductID     int64           `json:"product_id" validate:"gt=0"`
	VariationID   int64           `json:"variation_id" validate:"gt=0"`
	LocationID    int64           `json:"location_id" validate:"gt=0"`
	PhysicalCount decimal.Decimal `json:"physical_count"`
	Reason        string          `json:"reason" validate:"required"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type correctionResponse struct {
	ID              int64           `json:"id"`
	BusinessID      int64           `json:"business_id"`
	ProductID       int64           `json:"product_id"`
	VariationID     int64           `json:"variation_id"`
	LocationID      int64           `json:"location_id"`
	SystemCount     decimal.Decimal `json:"system_count"`
	PhysicalCount   decimal.Decimal `json:"physical_count"`
	Difference      decimal.Decimal `json:"difference"`
	Reason          string          `json:"reason"`
	Status          Status          `json:"status"`
	ProposedBy      int64           `json:"proposed_by"`
	ProposedAt      time.Time       `json:"proposed_at"`
	ApprovedBy      int64           `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	LedgerEntryID   int64           `json:"ledger_entry_id,omitempty"`
	Replayed        bool            `json:"replayed,omitempty"`
}

func newCorrectionResponse(c Correction) correctionResponse {
	return correctionResponse{
		ID:              c.ID,
		BusinessID:      c.BusinessID,
		ProductID:       c.ProductID,
		VariationID:     c.VariationID,
		LocationID:      c.LocationID,
		SystemCount:     c.SystemCount,
		PhysicalCount:   c.PhysicalCount,
		Difference:      c.Difference,
		Reason:          c.Reason,
		Status:          c.Status,
		ProposedBy:      c.ProposedBy,
		ProposedAt:      c.ProposedAt,
		ApprovedBy:      c.ApprovedBy,
		ApprovedAt:      c.ApprovedAt,
		RejectionReason: c.RejectionReason,
		LedgerEntryID:   c.LedgerEntryID,
	}
}

func (h *Handler) propose(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	var req proposeRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	c, replayed, err := h.service.ProposeCorrection(r.Context(), ProposeInput{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		BusinessID:     req.BusinessID,
		ProductID:      req.ProductID,
		VariationID:    req.VariationID,
		LocationID:     req.LocationID,
		PhysicalCount:  req.PhysicalCount,
		Reason:         req.Reason,
		Actor:          actor,
	})
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	resp := newCorrectionResponse(c)
	resp.Replayed = replayed
	httpx.JSON(w, status, resp)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, page, err := h.service.ListCorrections(r.Context(), ListFilters{
		BusinessID: httpx.QueryInt(q.Get("business_id")),
		Status:     Status(q.Get("status")),
		LocationID: httpx.QueryInt(q.Get("location_id")),
		Page:       int(httpx.QueryInt(q.Get("page"))),
		PerPage:    int(httpx.QueryInt(q.Get("per_page"))),
	})
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	out := make([]correctionResponse, 0, len(items))
	for _, c := range items {
		out = append(out, newCorrectionResponse(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"corrections": out, "pagination": page})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.GetCorrection(r.Context(), id)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newCorrectionResponse(c))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.ApproveCorrection(r.Context(), id, actor)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newCorrectionResponse(c))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	var req rejectRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.RejectCorrection(r.Context(), id, actor, req.Reason)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newCorrectionResponse(c))
}
