package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// LargeAdjustmentThreshold raises an audit event for adjustments whose
	// magnitude reaches it. Zero disables the event.
	LargeAdjustmentThreshold decimal.Decimal
	Retry                    RetryPolicy
	Logger                   *slog.Logger
	Metrics                  *Metrics
}

// Service coordinates stock mutations: lock, idempotency guard, balance check,
// and the atomic write of position, ledger entry and history entry.
type Service struct {
	repo            RepositoryPort
	audit           AuditPort
	logger          *slog.Logger
	metrics         *Metrics
	largeAdjustment decimal.Decimal
	retry           RetryPolicy
	now             func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Service{
		repo:            repo,
		audit:           audit,
		logger:          logger,
		metrics:         cfg.Metrics,
		largeAdjustment: cfg.LargeAdjustmentThreshold,
		retry:           retry,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// RetryPolicy returns the contention policy document services share with the coordinator.
func (s *Service) RetryPolicy() RetryPolicy {
	return s.retry
}

// Mutate applies op in its own unit of work, retrying on contention. When op was
// already applied the earlier result is returned (Replayed=true) together with
// ErrDuplicateOperation; callers treat that as a no-op success.
func (s *Service) Mutate(ctx context.Context, op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		s.metrics.observeMutation(op.Type, OutcomeInvalid)
		return Result{}, err
	}
	var res Result
	err := Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			res, err = s.Apply(ctx, tx, op)
			return err
		})
	})
	s.logOutcome(ctx, op, err)
	switch {
	case err == nil:
		s.AfterCommit(ctx, res)
		return res, nil
	case errors.Is(err, ErrDuplicateOperation):
		if res.Entry.ID == 0 {
			res = s.lookupApplied(ctx, op)
		}
		return res, err
	default:
		return Result{}, err
	}
}

// Apply runs the mutation inside tx, which belongs to the caller. Document
// services use it to post several lines atomically with their own status change.
// Nothing is published until the caller commits and calls AfterCommit.
func (s *Service) Apply(ctx context.Context, tx TxRepository, op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		s.metrics.observeMutation(op.Type, OutcomeInvalid)
		return Result{}, err
	}
	start := time.Now()
	pos, err := tx.LockPosition(ctx, StockPosition{
		BusinessID:  op.BusinessID,
		ProductID:   op.ProductID,
		VariationID: op.VariationID,
		LocationID:  op.LocationID,
	})
	s.metrics.observeLockWait(time.Since(start))
	if err != nil {
		s.observeFailure(op, err)
		return Result{}, err
	}

	prior, priorHistory, found, err := tx.FindApplied(ctx, op.IdempotencyKey())
	if err != nil {
		s.observeFailure(op, err)
		return Result{}, err
	}
	if found {
		s.metrics.observeMutation(op.Type, OutcomeDuplicate)
		return Result{Entry: prior, History: priorHistory, NewBalance: prior.BalanceQty, Replayed: true},
			fmt.Errorf("%w: %s %s/%s at %s", ErrDuplicateOperation, op.Type, op.Reference.Type, op.Reference.ID, op.Key())
	}

	newBalance := pos.QtyAvailable.Add(op.Quantity)
	if newBalance.IsNegative() && op.Type.EnforcesNonNegative(op.Quantity) {
		s.metrics.observeMutation(op.Type, OutcomeInsufficient)
		return Result{}, &InsufficientStockError{
			ProductID:   op.ProductID,
			VariationID: op.VariationID,
			LocationID:  op.LocationID,
			Available:   pos.QtyAvailable,
			Requested:   op.Quantity.Abs(),
		}
	}

	now := s.now()
	pos.QtyAvailable = newBalance
	pos.UpdatedAt = now
	if pos.BusinessID == 0 {
		pos.BusinessID = op.BusinessID
	}
	if pos.ProductID == 0 {
		pos.ProductID = op.ProductID
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		s.observeFailure(op, err)
		return Result{}, err
	}

	entry, err := tx.InsertEntry(ctx, LedgerEntry{
		BusinessID:  op.BusinessID,
		ProductID:   op.ProductID,
		VariationID: op.VariationID,
		LocationID:  op.LocationID,
		Type:        op.Type,
		Quantity:    op.Quantity,
		BalanceQty:  newBalance,
		UnitCost:    op.UnitCost,
		RefType:     op.Reference.Type,
		RefID:       op.Reference.ID,
		ActorID:     op.Actor.ID,
		Note:        op.Note,
		CreatedAt:   now,
	})
	if err != nil {
		s.observeFailure(op, err)
		return Result{}, err
	}

	history, err := tx.InsertHistory(ctx, newHistoryEntry(entry, op))
	if err != nil {
		s.observeFailure(op, err)
		return Result{}, err
	}

	s.metrics.observeMutation(op.Type, OutcomeApplied)
	return Result{Entry: entry, History: history, NewBalance: newBalance}, nil
}

func newHistoryEntry(entry LedgerEntry, op Operation) HistoryEntry {
	h := HistoryEntry{
		ID:            uuid.NewString(),
		LedgerEntryID: entry.ID,
		BusinessID:    entry.BusinessID,
		ProductID:     entry.ProductID,
		VariationID:   entry.VariationID,
		LocationID:    entry.LocationID,
		Type:          entry.Type,
		Quantity:      entry.Quantity,
		BalanceQty:    entry.BalanceQty,
		UnitCost:      entry.UnitCost,
		RefType:       entry.RefType,
		RefID:         entry.RefID,
		RefNumber:     op.Reference.Number,
		ActorID:       op.Actor.ID,
		ActorName:     op.Actor.Name,
		Reason:        op.Reason,
		Note:          op.Note,
		CreatedAt:     entry.CreatedAt,
	}
	if entry.UnitCost.Valid {
		h.TotalValue = decimal.NewNullDecimal(entry.Quantity.Abs().Mul(entry.UnitCost.Decimal))
	}
	return h
}

// AfterCommit publishes events for results whose unit of work has committed.
func (s *Service) AfterCommit(ctx context.Context, results ...Result) {
	if s.audit == nil || !s.largeAdjustment.IsPositive() {
		return
	}
	for _, res := range results {
		e := res.Entry
		if res.Replayed || e.Type != MovementAdjustment || e.Quantity.Abs().LessThan(s.largeAdjustment) {
			continue
		}
		log := shared.AuditLog{
			ActorID:  e.ActorID,
			Action:   shared.AuditLargeAdjustment,
			Entity:   "stock_position",
			EntityID: e.Key().String(),
			At:       e.CreatedAt,
			Meta: map[string]any{
				"ledger_entry_id": e.ID,
				"product_id":      e.ProductID,
				"variation_id":    e.VariationID,
				"location_id":     e.LocationID,
				"quantity":        e.Quantity.String(),
				"balance_qty":     e.BalanceQty.String(),
				"ref_type":        string(e.RefType),
				"ref_id":          e.RefID,
				"reason":          res.History.Reason,
			},
		}
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.WarnContext(ctx, "record large adjustment", slog.Int64("ledger_entry_id", e.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) observeFailure(op Operation, err error) {
	if errors.Is(err, ErrContention) {
		s.metrics.observeMutation(op.Type, OutcomeContention)
		return
	}
	s.metrics.observeMutation(op.Type, OutcomeError)
}

func (s *Service) logOutcome(ctx context.Context, op Operation, err error) {
	attrs := []any{
		slog.String("type", string(op.Type)),
		slog.String("ref_type", string(op.Reference.Type)),
		slog.String("ref_id", op.Reference.ID),
		slog.Int64("variation_id", op.VariationID),
		slog.Int64("location_id", op.LocationID),
		slog.String("quantity", op.Quantity.String()),
	}
	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "stock mutation applied", attrs...)
	case IsBusinessOutcome(err):
		s.logger.InfoContext(ctx, "stock mutation rejected", append(attrs, slog.String("reason", err.Error()))...)
	case errors.Is(err, ErrContention):
		s.logger.WarnContext(ctx, "stock mutation contention", append(attrs, slog.Any("error", err))...)
	default:
		s.logger.ErrorContext(ctx, "stock mutation failed", append(attrs, slog.Any("error", err))...)
	}
}

func (s *Service) lookupApplied(ctx context.Context, op Operation) Result {
	entries, err := s.repo.ListEntries(ctx, EntryFilter{
		VariationID: op.VariationID,
		LocationID:  op.LocationID,
		Types:       []MovementType{op.Type},
		RefType:     op.Reference.Type,
		RefID:       op.Reference.ID,
		Limit:       1,
	})
	if err != nil || len(entries) == 0 {
		return Result{Replayed: true}
	}
	return Result{Entry: entries[0], NewBalance: entries[0].BalanceQty, Replayed: true}
}

func (s *Service) post(ctx context.Context, t MovementType, in MovementInput) (Result, error) {
	op, err := NewOperation(t, in)
	if err != nil {
		return Result{}, err
	}
	return s.Mutate(ctx, op)
}

// PostOpeningStock seeds a position. Without a reference the position key is used,
// so each position receives at most one opening entry.
func (s *Service) PostOpeningStock(ctx context.Context, in MovementInput) (Result, error) {
	if in.Reference.Type == "" && in.Reference.ID == "" {
		key := PositionKey{VariationID: in.VariationID, LocationID: in.LocationID}
		in.Reference = Reference{Type: RefOpeningStock, ID: key.String()}
	}
	return s.post(ctx, MovementOpeningStock, in)
}

// PostPurchase posts received quantity outside the receipt workflow, e.g. imports.
func (s *Service) PostPurchase(ctx context.Context, in MovementInput) (Result, error) {
	return s.post(ctx, MovementPurchase, in)
}

// PostSale removes sold quantity.
func (s *Service) PostSale(ctx context.Context, in MovementInput) (Result, error) {
	return s.post(ctx, MovementSale, in)
}

// PostCustomerReturn restores returned quantity.
func (s *Service) PostCustomerReturn(ctx context.Context, in MovementInput) (Result, error) {
	return s.post(ctx, MovementCustomerReturn, in)
}

// PostAdjustment posts a signed adjustment.
func (s *Service) PostAdjustment(ctx context.Context, in MovementInput) (Result, error) {
	return s.post(ctx, MovementAdjustment, in)
}

// GetBalance returns the on-hand quantity, zero when the position does not exist.
func (s *Service) GetBalance(ctx context.Context, key PositionKey) (decimal.Decimal, error) {
	pos, err := s.repo.GetPosition(ctx, key)
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return pos.QtyAvailable, nil
}

// GetPosition returns the stored position.
func (s *Service) GetPosition(ctx context.Context, key PositionKey) (StockPosition, error) {
	if key.VariationID <= 0 || key.LocationID <= 0 {
		return StockPosition{}, invalid("variation and location required")
	}
	return s.repo.GetPosition(ctx, key)
}

// ListPositions lists positions.
func (s *Service) ListPositions(ctx context.Context, filter PositionFilter) ([]StockPosition, error) {
	return s.repo.ListPositions(ctx, filter)
}

// ListEntries lists ledger entries (the stock card) in creation order.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalid("range end before start")
	}
	return s.repo.ListEntries(ctx, filter)
}

// ListHistory lists history entries in creation order.
func (s *Service) ListHistory(ctx context.Context, filter EntryFilter) ([]HistoryEntry, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalid("range end before start")
	}
	return s.repo.ListHistory(ctx, filter)
}

// FindEntries returns every entry recorded for a document.
func (s *Service) FindEntries(ctx context.Context, refType ReferenceType, refID string) ([]LedgerEntry, error) {
	return s.allEntries(ctx, EntryFilter{RefType: refType, RefID: refID})
}

func (s *Service) allEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	var out []LedgerEntry
	filter.Limit = 1000
	for {
		page, err := s.repo.ListEntries(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.AfterID = page[len(page)-1].ID
	}
}

// Keys lists every position key.
func (s *Service) Keys(ctx context.Context) ([]PositionKey, error) {
	return s.repo.ListKeys(ctx)
}

// integrityAttempts bounds how often CheckIntegrity re-reads a position that
// keeps moving while it is checked.
const integrityAttempts = 3

// CheckIntegrity replays the ledger of key against its stored position.
func (s *Service) CheckIntegrity(ctx context.Context, key PositionKey) ([]Discrepancy, error) {
	filter := EntryFilter{VariationID: key.VariationID, LocationID: key.LocationID}
	entries, err := s.allEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		qty, err := s.GetBalance(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			filter.AfterID = entries[len(entries)-1].ID
		}
		newer, err := s.allEntries(ctx, filter)
		if err != nil {
			return nil, err
		}
		// entries committed after the balance read make the comparison meaningless; read again.
		if len(newer) == 0 || attempt == integrityAttempts {
			return VerifyLedger(key, qty, entries), nil
		}
		entries = append(entries, newer...)
	}
}
