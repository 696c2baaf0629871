package procurement

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires procurement HTTP endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds procurement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers goods receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/receipts", func(r chi.Router) {
		r.Get("/", h.listReceipts)
		r.Post("/", h.submitReceipt)
		r.Get("/{id}", h.showReceipt)
		r.Post("/{id}/approve", h.approveReceipt)
		r.Post("/{id}/reject", h.rejectReceipt)
	})
}

type receiptLineRequest struct {
	ProductID     int64           `json:"product_id" validate:"gt=0"`
	VariationID   int64           `json:"variation_id" validate:"gt=0"`
	Qty           decimal.Decimal `json:"qty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	SerialNumbers []string        `json:"serial_numbers"`
}

type submitReceiptRequest struct {
	Number     string               `json:"number"`
	BusinessID int64                `json:"business_id"`
	POID       int64                `json:"purchase_order_id" validate:"gte=0"`
	SupplierID int64                `json:"supplier_id" validate:"gte=0"`
	LocationID int64                `json:"location_id" validate:"gt=0"`
	ReceivedAt time.Time            `json:"received_at"`
	Note       string               `json:"note"`
	Lines      []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type receiptLineResponse struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	VariationID   int64           `json:"variation_id"`
	Qty           decimal.Decimal `json:"qty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	SerialNumbers []string        `json:"serial_numbers,omitempty"`
}

type receiptResponse struct {
	ID              int64                 `json:"id"`
	Number          string                `json:"number"`
	BusinessID      int64                 `json:"business_id"`
	POID            int64                 `json:"purchase_order_id,omitempty"`
	SupplierID      int64                 `json:"supplier_id"`
	LocationID      int64                 `json:"location_id"`
	Status          GRNStatus             `json:"status"`
	ReceivedBy      int64                 `json:"received_by"`
	ReceivedAt      time.Time             `json:"received_at"`
	ApprovedBy      int64                 `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time            `json:"approved_at,omitempty"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
	Note            string                `json:"note,omitempty"`
	Lines           []receiptLineResponse `json:"lines,omitempty"`
	Replayed        bool                  `json:"replayed,omitempty"`
}

func newReceiptResponse(grn GoodsReceipt) receiptResponse {
	resp := receiptResponse{
		ID:              grn.ID,
		Number:          grn.Number,
		BusinessID:      grn.BusinessID,
		POID:            grn.POID,
		SupplierID:      grn.SupplierID,
		LocationID:      grn.LocationID,
		Status:          grn.Status,
		ReceivedBy:      grn.ReceivedBy,
		ReceivedAt:      grn.ReceivedAt,
		ApprovedBy:      grn.ApprovedBy,
		ApprovedAt:      grn.ApprovedAt,
		RejectionReason: grn.RejectionReason,
		Note:            grn.Note,
	}
	for _, line := range grn.Lines {
		resp.Lines = append(resp.Lines, receiptLineResponse{
			ID:            line.ID,
			ProductID:     line.ProductID,
			VariationID:   line.VariationID,
			Qty:           line.Qty,
			UnitCost:      line.UnitCost,
			SerialNumbers: line.SerialNumbers,
		})
	}
	return resp
}

func (h *Handler) submitReceipt(w http.ResponseWriter, r *http.Request) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	var req submitReceiptRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	input := SubmitGRNInput{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Number:         req.Number,
		BusinessID:     req.BusinessID,
		POID:           req.POID,
		SupplierID:     req.SupplierID,
		LocationID:     req.LocationID,
		ReceivedAt:     req.ReceivedAt,
		Note:           req.Note,
		Actor:          actor,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, GRNLineInput{
			ProductID:     line.ProductID,
			VariationID:   line.VariationID,
			Qty:           line.Qty,
			UnitCost:      line.UnitCost,
			SerialNumbers: line.SerialNumbers,
		})
	}
	grn, replayed, err := h.service.SubmitReceipt(r.Context(), input)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	resp := newReceiptResponse(grn)
	resp.Replayed = replayed
	httpx.JSON(w, status, resp)
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{
		BusinessID: httpx.QueryInt(q.Get("business_id")),
		Status:     GRNStatus(q.Get("status")),
		LocationID: httpx.QueryInt(q.Get("location_id")),
		SupplierID: httpx.QueryInt(q.Get("supplier_id")),
		Search:     q.Get("search"),
		Page:       int(httpx.QueryInt(q.Get("page"))),
		PerPage:    int(httpx.QueryInt(q.Get("per_page"))),
	}
	grns, page, err := h.service.ListReceipts(r.Context(), filters)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	out := make([]receiptResponse, 0, len(grns))
	for _, grn := range grns {
		out = append(out, newReceiptResponse(grn))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": out, "pagination": page})
}

func (h *Handler) showReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	grn, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newReceiptResponse(grn))
}

func (h *Handler) approveReceipt(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.decisionTarget(w, r)
	if !ok {
		return
	}
	grn, err := h.service.ApproveReceipt(r.Context(), id, actor)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newReceiptResponse(grn))
}

func (h *Handler) rejectReceipt(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.decisionTarget(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	grn, err := h.service.RejectReceipt(r.Context(), id, actor, req.Reason)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newReceiptResponse(grn))
}

func (h *Handler) decisionTarget(w http.ResponseWriter, r *http.Request) (int64, shared.Actor, bool) {
	actor, err := inventory.ActorFromRequest(r)
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return 0, shared.Actor{}, false
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		inventory.WriteError(w, h.logger, err)
		return 0, shared.Actor{}, false
	}
	return id, actor, true
}
