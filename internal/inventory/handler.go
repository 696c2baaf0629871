package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires HTTP endpoints for the stock engine.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/mutations", h.handleMutate)
	r.Get("/positions", h.handleListPositions)
	r.Route("/positions/{variationID}/{locationID}", func(r chi.Router) {
		r.Get("/", h.handleGetBalance)
		r.Get("/entries", h.handleListEntries)
		r.Get("/integrity", h.handleIntegrity)
	})
	r.Get("/history", h.handleListHistory)
}

type referenceRequest struct {
	Type   string `json:"type" validate:"required"`
	ID     string `json:"id" validate:"required"`
	Number string `json:"number"`
}

type mutationRequest struct {
	Type        string           `json:"type" validate:"required"`
	BusinessID  int64            `json:"business_id"`
	ProductID   int64            `json:"product_id" validate:"gt=0"`
	VariationID int64            `json:"variation_id" validate:"gt=0"`
	LocationID  int64            `json:"location_id" validate:"gt=0"`
	Qty         decimal.Decimal  `json:"qty"`
	UnitCost    *decimal.Decimal `json:"unit_cost"`
	Reference   referenceRequest `json:"reference"`
	Reason      string           `json:"reason"`
	Note        string           `json:"note"`
}

// EntryResponse is the JSON view of a ledger entry.
type EntryResponse struct {
	ID          int64            `json:"id"`
	ProductID   int64            `json:"product_id"`
	VariationID int64            `json:"variation_id"`
	LocationID  int64            `json:"location_id"`
	Type        MovementType     `json:"type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	BalanceQty  decimal.Decimal  `json:"balance_qty"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	RefType     ReferenceType    `json:"ref_type"`
	RefID       string           `json:"ref_id"`
	ActorID     int64            `json:"actor_id"`
	Note        string           `json:"note,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewEntryResponse converts a ledger entry.
func NewEntryResponse(e LedgerEntry) EntryResponse {
	resp := EntryResponse{
		ID:          e.ID,
		ProductID:   e.ProductID,
		VariationID: e.VariationID,
		LocationID:  e.LocationID,
		Type:        e.Type,
		Quantity:    e.Quantity,
		BalanceQty:  e.BalanceQty,
		RefType:     e.RefType,
		RefID:       e.RefID,
		ActorID:     e.ActorID,
		Note:        e.Note,
		CreatedAt:   e.CreatedAt,
	}
	if e.UnitCost.Valid {
		cost := e.UnitCost.Decimal
		resp.UnitCost = &cost
	}
	return resp
}

type historyResponse struct {
	ID            string           `json:"id"`
	LedgerEntryID int64            `json:"ledger_entry_id"`
	VariationID   int64            `json:"variation_id"`
	LocationID    int64            `json:"location_id"`
	Type          MovementType     `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	BalanceQty    decimal.Decimal  `json:"balance_qty"`
	TotalValue    *decimal.Decimal `json:"total_value,omitempty"`
	RefType       ReferenceType    `json:"ref_type"`
	RefID         string           `json:"ref_id"`
	RefNumber     string           `json:"ref_number,omitempty"`
	ActorID       int64            `json:"actor_id"`
	ActorName     string           `json:"actor_name,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Note          string           `json:"note,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

func newHistoryResponse(h HistoryEntry) historyResponse {
	resp := historyResponse{
		ID:            h.ID,
		LedgerEntryID: h.LedgerEntryID,
		VariationID:   h.VariationID,
		LocationID:    h.LocationID,
		Type:          h.Type,
		Quantity:      h.Quantity,
		BalanceQty:    h.BalanceQty,
		RefType:       h.RefType,
		RefID:         h.RefID,
		RefNumber:     h.RefNumber,
		ActorID:       h.ActorID,
		ActorName:     h.ActorName,
		Reason:        h.Reason,
		Note:          h.Note,
		CreatedAt:     h.CreatedAt,
	}
	if h.TotalValue.Valid {
		v := h.TotalValue.Decimal
		resp.TotalValue = &v
	}
	return resp
}

type mutationResponse struct {
	Entry      EntryResponse   `json:"entry"`
	History    historyResponse `json:"history"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Replayed   bool            `json:"replayed"`
}

type positionResponse struct {
	BusinessID   int64           `json:"business_id,omitempty"`
	ProductID    int64           `json:"product_id,omitempty"`
	VariationID  int64           `json:"variation_id"`
	LocationID   int64           `json:"location_id"`
	QtyAvailable decimal.Decimal `json:"qty_available"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

func newPositionResponse(p StockPosition) positionResponse {
	resp := positionResponse{
		BusinessID:   p.BusinessID,
		ProductID:    p.ProductID,
		VariationID:  p.VariationID,
		LocationID:   p.LocationID,
		QtyAvailable: p.QtyAvailable,
	}
	if !p.UpdatedAt.IsZero() {
		at := p.UpdatedAt
		resp.UpdatedAt = &at
	}
	return resp
}

// ActorFromRequest returns the actor established by the identity middleware.
func ActorFromRequest(r *http.Request) (shared.Actor, error) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return shared.Actor{}, fmt.Errorf("%w: actor identity missing", httpx.ErrUnauthorized)
	}
	return actor, nil
}

func (h *Handler) handleMutate(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromRequest(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var req mutationRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	businessID := req.BusinessID
	if businessID == 0 {
		businessID = actor.BusinessID
	}
	in := MovementInput{
		BusinessID:  businessID,
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		LocationID:  req.LocationID,
		Qty:         req.Qty,
		Reference:   Reference{Type: ReferenceType(req.Reference.Type), ID: req.Reference.ID, Number: req.Reference.Number},
		Actor:       actor,
		Reason:      req.Reason,
		Note:        req.Note,
	}
	if req.UnitCost != nil {
		in.UnitCost = decimal.NewNullDecimal(*req.UnitCost)
	}
	op, err := NewOperation(MovementType(req.Type), in)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	res, err := h.service.Mutate(r.Context(), op)
	status := http.StatusCreated
	if err != nil {
		if !errors.Is(err, ErrDuplicateOperation) {
			WriteError(w, h.logger, err)
			return
		}
		status = http.StatusOK
	}
	httpx.JSON(w, status, mutationResponse{
		Entry:      NewEntryResponse(res.Entry),
		History:    newHistoryResponse(res.History),
		NewBalance: res.NewBalance,
		Replayed:   res.Replayed,
	})
}

func (h *Handler) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := PositionFilter{
		BusinessID:  httpx.QueryInt(q.Get("business_id")),
		LocationID:  httpx.QueryInt(q.Get("location_id")),
		VariationID: httpx.QueryInt(q.Get("variation_id")),
		NonZeroOnly: q.Get("non_zero") == "true",
		Limit:       int(httpx.QueryInt(q.Get("limit"))),
	}
	positions, err := h.service.ListPositions(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"positions": out})
}

func positionKeyFromPath(r *http.Request) (PositionKey, error) {
	variationID, err := strconv.ParseInt(chi.URLParam(r, "variationID"), 10, 64)
	if err != nil || variationID <= 0 {
		return PositionKey{}, fmt.Errorf("%w: invalid variation id", httpx.ErrValidation)
	}
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil || locationID <= 0 {
		return PositionKey{}, fmt.Errorf("%w: invalid location id", httpx.ErrValidation)
	}
	return PositionKey{VariationID: variationID, LocationID: locationID}, nil
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	key, err := positionKeyFromPath(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	pos, err := h.service.GetPosition(r.Context(), key)
	if errors.Is(err, ErrPositionNotFound) {
		pos, err = StockPosition{VariationID: key.VariationID, LocationID: key.LocationID, QtyAvailable: decimal.Zero}, nil
	}
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPositionResponse(pos))
}

func entryFilterFromQuery(r *http.Request) (EntryFilter, error) {
	q := r.URL.Query()
	filter := EntryFilter{
		VariationID: httpx.QueryInt(q.Get("variation_id")),
		LocationID:  httpx.QueryInt(q.Get("location_id")),
		RefType:     ReferenceType(q.Get("ref_type")),
		RefID:       q.Get("ref_id"),
		AfterID:     httpx.QueryInt(q.Get("after_id")),
		Limit:       int(httpx.QueryInt(q.Get("limit"))),
	}
	if raw := q.Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			mt := MovementType(strings.TrimSpace(t))
			if !mt.Valid() {
				return EntryFilter{}, fmt.Errorf("%w: unknown movement type %q", httpx.ErrValidation, t)
			}
			filter.Types = append(filter.Types, mt)
		}
	}
	var err error
	if filter.From, err = queryTime(q.Get("from")); err != nil {
		return EntryFilter{}, err
	}
	if filter.To, err = queryTime(q.Get("to")); err != nil {
		return EntryFilter{}, err
	}
	return filter, nil
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	key, err := positionKeyFromPath(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	filter.VariationID, filter.LocationID = key.VariationID, key.LocationID
	entries, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	entries, err := h.service.ListHistory(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newHistoryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": out})
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	key, err := positionKeyFromPath(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	discrepancies, err := h.service.CheckIntegrity(r.Context(), key)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	issues := make([]string, 0, len(discrepancies))
	for _, d := range discrepancies {
		issues = append(issues, d.String())
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(discrepancies) == 0, "discrepancies": issues})
}

// WriteError maps engine errors to problem responses. Business outcomes are
// logged at info, unexpected failures at error.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		logger.Info("insufficient stock", slog.Int64("variation_id", insufficient.VariationID), slog.Int64("location_id", insufficient.LocationID), slog.String("shortfall", insufficient.Shortfall().String()))
		httpx.ProblemWithFields(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error(), map[string]any{
			"product_id":   insufficient.ProductID,
			"variation_id": insufficient.VariationID,
			"location_id":  insufficient.LocationID,
			"available":    insufficient.Available.String(),
			"requested":    insufficient.Requested.String(),
			"shortfall":    insufficient.Shortfall().String(),
		})
	case errors.Is(err, ErrInvalidOperation):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Operation", err.Error())
	case errors.Is(err, ErrDuplicateOperation):
		httpx.Problem(w, http.StatusConflict, "Duplicate Operation", err.Error())
	case errors.Is(err, ErrContention):
		logger.Warn("stock contention", slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Contention", "stock position busy, retry the request")
	case errors.Is(err, ErrReferenceNotFound), errors.Is(err, ErrPositionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		if !isClientError(err) {
			logger.Error("request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func isClientError(err error) bool {
	return errors.Is(err, httpx.ErrNotFound) ||
		errors.Is(err, httpx.ErrValidation) ||
		errors.Is(err, httpx.ErrForbidden) ||
		errors.Is(err, httpx.ErrUnauthorized) ||
		errors.Is(err, shared.ErrInvalidStateTransition) ||
		errors.Is(err, shared.ErrIdempotencyInFlight)
}

func queryTime(raw string) (time.Time, error) {
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
