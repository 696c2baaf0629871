package transfers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires transfer HTTP endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Get("/{id}/progress", h.progress)
		r.Post("/{id}/dispatch", h.action(h.service.Dispatch))
		r.Post("/{id}/receive", h.action(h.service.Receive))
		r.Post("/{id}/execute", h.action(h.service.Execute))
		r.Post("/{id}/cancel", h.action(h.service.Cancel))
		r.Post("/{id}/reconcile", h.reconcile)
	})
}

type lineRequest struct {
	ProductID   int64           `json:"product_id" validate:"gt=0"`
	VariationID int64           `json:"variation_id" validate:"gt=0"`
	Qty         decimal.Decimal `json:"qty"`
}

type createRequest struct {
	Number                string        `json:"number"`
	BusinessID            int64         `json:"business_id"`
	SourceLocationID      int64         `json:"source_location_id" validate:"gt=0"`
	DestinationLocationID int64         `json:"destination_location_id" validate:"gt=0,nefield=SourceLocationID"`
	Note                  string        `json:"note"`
	Lines                 []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type lineResponse struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id"`
	Qty         decimal.Decimal `json:"qty"`
	OutEntryID  int64           `json:"out_entry_id,omitempty"`
	InEntryID   int64           `json:"in_entry_id,omitempty"`
}

type transferResponse struct {
	ID                    int64          `json:"id"`
	Number                string         `json:"number"`
	BusinessID            int64          `json:"business_id"`
	SourceLocationID      int64          `json:"source_location_id"`
	DestinationLocationID int64          `json:"destination_location_id"`
	Status                Status         `json:"status"`
	Direct                bool           `json:"direct,omitempty"`
	Note                  string         `json:"note,omitempty"`
	CreatedBy             int64          `json:"created_by"`
	CreatedAt             time.Time      `json:"created_at"`
	DispatchedBy          int64          `json:"dispatched_by,omitempty"`
	DispatchedAt          *time.Time     `json:"dispatched_at,omitempty"`
	ReceivedBy            int64          `json:"received_by,omitempty"`
	ReceivedAt            *time.Time     `json:"received_at,omitempty"`
	Lines                 []lineResponse `json:"lines,omitempty"`
	Replayed              bool           `json:"replayed,omitempty"`
}

func newTransferResponse(t Transfer) transferResponse {
	resp := transferResponse{
		ID:                    t.ID,
		Number:                t.Number,
		BusinessID:            t.BusinessID,
		SourceLocationID:      t.SourceLocationID,
		DestinationLocationID: t.DestinationLocationID,
		Status:                t.Status,
		Direct:                t.Direct,
		Note:                  t.Note,
		CreatedBy:             t.CreatedBy,
		CreatedAt:             t.CreatedAt,
		DispatchedBy:          t.DispatchedBy,
		DispatchedAt:          t.DispatchedAt,
		ReceivedBy:            t.ReceivedBy,
		ReceivedAt:            t.ReceivedAt,
	}
	for _, l := range t.Lines {
		resp.Lines = append(resp.Lines, lineResponse{ID: l.ID, ProductID: l.ProductID, VariationID: l.VariationID, Qty: l.Qty})
	}
	return resp
}

type progressResponse struct {
	Transfer transferResponse `json:"transfer"`
	Complete bool             `json:"complete"`
	OutLegs  int              `json:"out_legs"`
	InLegs   int              `json:"in_legs"`
	Issues   []string         `json:"issues,omitempty"`
}

func newProgressResponse(p Progress) progressResponse {
	resp := progressResponse{
		Transfer: newTransferResponse(p.Transfer),
		Complete: p.Complete(),
		OutLegs:  p.OutLegs(),
		InLegs:   p.InLegs(),
		Issues:   p.Issues,
	}
	resp.Transfer.Lines = resp.Transfer.Lines[:0]
	for _, lp := range p.Lines {
		line := lineResponse{ID: lp.Line.ID, ProductID: lp.Line.ProductID, VariationID: lp.Line.VariationID, Qty: lp.Line.Qty}
		if lp.Out != nil {
			line.OutEntryID = lp.Out.ID
		}
		if lp.In != nil {
			line.InEntryID = lp.In.ID
		}
		resp.Transfer.Lines = append(resp.Transfer.Lines, line)
	}
	return resp
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	input := CreateInput{
		IdempotencyKey:        r.Header.Get("Idempotency-Key"),
		Number:                req.Number,
		BusinessID:            req.BusinessID,
		SourceLocationID:      req.SourceLocationID,
		DestinationLocationID: req.DestinationLocationID,
		Note:                  req.Note,
		Actor:                 actor,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{ProductID: l.ProductID, VariationID: l.VariationID, Qty: l.Qty})
	}
	t, replayed, err := h.service.CreateTransfer(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	resp := newTransferResponse(t)
	resp.Replayed = replayed
	httpx.JSON(w, status, resp)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, page, err := h.service.ListTransfers(r.Context(), ListFilters{
		BusinessID: httpx.QueryInt(q.Get("business_id")),
		Status:     Status(q.Get("status")),
		LocationID: httpx.QueryInt(q.Get("location_id")),
		Page:       int(httpx.QueryInt(q.Get("page"))),
		PerPage:    int(httpx.QueryInt(q.Get("per_page"))),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]transferResponse, 0, len(items))
	for _, t := range items {
		out = append(out, newTransferResponse(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": out, "pagination": page})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newTransferResponse(t))
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.service.Progress(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newProgressResponse(p))
}

func (h *Handler) action(fn func(context.Context, int64, shared.Actor) (Transfer, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := inventory.ActorFromRequest(r)
		if err != nil {
			h.writeError(w, err)
			return
		}
		id, err := httpx.PathID(r, "id")
		if err != nil {
			h.writeError(w, err)
			return
		}
		t, err := fn(r.Context(), id, actor)
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, newTransferResponse(t))
	}
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.service.Reconcile(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newProgressResponse(p))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		httpx.ProblemWithFields(w, http.StatusConflict, "Reconciliation Failed", err.Error(), map[string]any{
			"transfer_id": recErr.TransferID,
			"status":      recErr.Status,
			"issues":      recErr.Issues,
		})
		return
	}
	inventory.WriteError(w, h.logger, err)
}
