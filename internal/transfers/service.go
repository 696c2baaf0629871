package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort describes transfer persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, id int64) (Transfer, error)
	ListTransfers(ctx context.Context, filters ListFilters) ([]Transfer, int, error)
	// ListInTransitBefore returns transfers dispatched before cutoff that are still in transit.
	ListInTransitBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error)
}

// TxRepository shares one unit of work between transfer rows and stock writes.
type TxRepository interface {
	inventory.TxRepository
	CreateTransfer(ctx context.Context, t Transfer) (Transfer, error)
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	// UpdateTransfer persists status, direct flag and dispatch/receipt stamps.
	UpdateTransfer(ctx context.Context, t Transfer) error
}

// LedgerPort is the slice of the mutation coordinator used by transfers.
type LedgerPort interface {
	Apply(ctx context.Context, tx inventory.TxRepository, op inventory.Operation) (inventory.Result, error)
	AfterCommit(ctx context.Context, results ...inventory.Result)
	RetryPolicy() inventory.RetryPolicy
	FindEntries(ctx context.Context, refType inventory.ReferenceType, refID string) ([]inventory.LedgerEntry, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the two-leg transfer protocol.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	audit       AuditPort
	idempotency shared.IdempotencyPort
	logger      *slog.Logger
	reconciles  singleflight.Group
	now         func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, idem shared.IdempotencyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		audit:       audit,
		idempotency: idem,
		logger:      logger.With(slog.String("component", "transfers")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransfer records a pending transfer. No stock moves.
func (s *Service) CreateTransfer(ctx context.Context, input CreateInput) (Transfer, bool, error) {
	if input.BusinessID == 0 {
		input.BusinessID = input.Actor.BusinessID
	}
	if err := input.validate(); err != nil {
		return Transfer{}, false, err
	}
	return shared.Once(ctx, s.idempotency, "transfers.transfer", input.IdempotencyKey,
		func(ctx context.Context, ref string) (Transfer, error) {
			id, err := strconv.ParseInt(ref, 10, 64)
			if err != nil {
				return Transfer{}, fmt.Errorf("transfers: idempotency ref %q: %w", ref, err)
			}
			return s.repo.GetTransfer(ctx, id)
		},
		func(ctx context.Context) (Transfer, string, error) {
			t := Transfer{
				Number:                input.Number,
				BusinessID:            input.BusinessID,
				SourceLocationID:      input.SourceLocationID,
				DestinationLocationID: input.DestinationLocationID,
				Status:                StatusPending,
				Note:                  input.Note,
				CreatedBy:             input.Actor.ID,
				CreatedAt:             s.now(),
			}
			if t.Number == "" {
				t.Number = fmt.Sprintf("TRF-%d", time.Now().UnixNano())
			}
			for _, line := range input.Lines {
				t.Lines = append(t.Lines, Line{ProductID: line.ProductID, VariationID: line.VariationID, Qty: line.Qty})
			}
			var created Transfer
			err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				var err error
				created, err = tx.CreateTransfer(ctx, t)
				return err
			})
			if err != nil {
				return Transfer{}, "", err
			}
			s.logger.InfoContext(ctx, "transfer created", slog.Int64("transfer_id", created.ID), slog.String("number", created.Number))
			return created, strconv.FormatInt(created.ID, 10), nil
		})
}

// Dispatch posts every transfer_out leg at the source and marks the transfer
// in transit, atomically. Insufficient stock on any line aborts the whole dispatch.
func (s *Service) Dispatch(ctx context.Context, id int64, actor shared.Actor) (Transfer, error) {
	return s.dispatch(ctx, id, actor, false)
}

func (s *Service) dispatch(ctx context.Context, id int64, actor shared.Actor, direct bool) (Transfer, error) {
	if !actor.Valid() {
		return Transfer{}, validationError("actor required")
	}
	return s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) ([]inventory.Result, error) {
		if t.Status != StatusPending {
			return nil, fmt.Errorf("%w: transfer %s is %s", ErrInvalidState, t.Number, t.Status)
		}
		results := make([]inventory.Result, 0, len(t.Lines))
		for _, line := range sortedLines(t.Lines) {
			res, err := s.applyLeg(ctx, tx, *t, line, inventory.MovementTransferOut, actor)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		at := s.now()
		t.Status = StatusInTransit
		t.Direct = direct
		t.DispatchedBy = actor.ID
		t.DispatchedAt = &at
		return results, nil
	})
}

// Receive posts every transfer_in leg at the destination and marks the transfer
// received. Every out leg must already exist.
func (s *Service) Receive(ctx context.Context, id int64, actor shared.Actor) (Transfer, error) {
	if !actor.Valid() {
		return Transfer{}, validationError("actor required")
	}
	return s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) ([]inventory.Result, error) {
		if t.Status != StatusInTransit {
			return nil, fmt.Errorf("%w: transfer %s is %s", ErrInvalidState, t.Number, t.Status)
		}
		progress, err := s.progressTx(ctx, tx, *t)
		if err != nil {
			return nil, err
		}
		if issues := missingOutLegs(progress); len(progress.Issues)+len(issues) > 0 {
			return nil, &ReconciliationError{TransferID: t.ID, Number: t.Number, Status: t.Status, Issues: append(progress.Issues, issues...)}
		}
		return s.completeInLegs(ctx, tx, t, progress, actor)
	})
}

// Execute dispatches and receives in one call. If receiving fails after the
// dispatch committed, the transfer stays in transit marked direct and Reconcile
// completes it.
func (s *Service) Execute(ctx context.Context, id int64, actor shared.Actor) (Transfer, error) {
	t, err := s.dispatch(ctx, id, actor, true)
	if err != nil {
		return Transfer{}, err
	}
	received, err := s.Receive(ctx, id, actor)
	if err != nil {
		s.logger.WarnContext(ctx, "transfer dispatched but not received", slog.Int64("transfer_id", id), slog.Any("error", err))
		return t, fmt.Errorf("transfers: %s dispatched, receive pending reconciliation: %w", t.Number, err)
	}
	return received, nil
}

// Cancel closes a pending transfer.
func (s *Service) Cancel(ctx context.Context, id int64, actor shared.Actor) (Transfer, error) {
	if !actor.Valid() {
		return Transfer{}, validationError("actor required")
	}
	return s.transition(ctx, id, func(_ context.Context, _ TxRepository, t *Transfer) ([]inventory.Result, error) {
		if t.Status != StatusPending {
			return nil, fmt.Errorf("%w: transfer %s is %s", ErrInvalidState, t.Number, t.Status)
		}
		t.Status = StatusCancelled
		return nil, nil
	})
}

// Reconcile re-derives a transfer's state from its ledger legs. Missing in legs
// are completed for direct or partially received transfers and for transfers
// already marked received; anything else inconsistent is returned as a
// *ReconciliationError. Concurrent calls for one transfer share a single run.
func (s *Service) Reconcile(ctx context.Context, id int64, actor shared.Actor) (Progress, error) {
	if !actor.Valid() {
		return Progress{}, validationError("actor required")
	}
	// the shared run outlives any single caller; each caller still honours its own ctx
	runCtx := context.WithoutCancel(ctx)
	ch := s.reconciles.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		return s.reconcile(runCtx, id, actor)
	})
	select {
	case res := <-ch:
		progress, _ := res.Val.(Progress)
		return progress, res.Err
	case <-ctx.Done():
		return Progress{}, ctx.Err()
	}
}

func (s *Service) reconcile(ctx context.Context, id int64, actor shared.Actor) (Progress, error) {
	var progress Progress
	_, err := s.transition(ctx, id, func(ctx context.Context, tx TxRepository, t *Transfer) ([]inventory.Result, error) {
		var err error
		progress, err = s.progressTx(ctx, tx, *t)
		if err != nil {
			return nil, err
		}
		issues := append([]string(nil), progress.Issues...)
		switch t.Status {
		case StatusPending, StatusCancelled:
			if progress.OutLegs()+progress.InLegs() > 0 {
				issues = append(issues, fmt.Sprintf("%d out and %d in legs posted while %s", progress.OutLegs(), progress.InLegs(), t.Status))
			}
		case StatusInTransit, StatusReceived:
			issues = append(issues, missingOutLegs(progress)...)
		}
		if len(issues) > 0 {
			return nil, &ReconciliationError{TransferID: t.ID, Number: t.Number, Status: t.Status, Issues: issues}
		}
		switch {
		case t.Status == StatusPending, t.Status == StatusCancelled:
			return nil, nil
		case t.Status == StatusInTransit && !t.Direct && progress.InLegs() == 0:
			// still travelling; receipt is confirmed by Receive
			return nil, nil
		case t.Status == StatusReceived && progress.Complete():
			return nil, nil
		}
		results, err := s.completeInLegs(ctx, tx, t, progress, actor)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "transfer reconciled", slog.Int64("transfer_id", t.ID), slog.Int("completed_legs", len(results)))
		progress, err = s.progressTx(ctx, tx, *t)
		return results, err
	})
	if err != nil {
		var recErr *ReconciliationError
		if errors.As(err, &recErr) {
			s.recordReconciliationFailure(ctx, actor, recErr)
		}
		return Progress{}, err
	}
	return progress, nil
}

// completeInLegs posts the missing transfer_in legs and marks t received.
func (s *Service) completeInLegs(ctx context.Context, tx TxRepository, t *Transfer, progress Progress, actor shared.Actor) ([]inventory.Result, error) {
	var results []inventory.Result
	for _, lp := range sortedProgress(progress.Lines) {
		if lp.In != nil {
			continue
		}
		res, err := s.applyLeg(ctx, tx, *t, lp.Line, inventory.MovementTransferIn, actor)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if t.Status != StatusReceived {
		at := s.now()
		t.Status = StatusReceived
		t.ReceivedBy = actor.ID
		t.ReceivedAt = &at
	}
	return results, nil
}

// transition loads t under lock, lets fn mutate it and persists the result in
// the same unit of work, retrying on contention.
func (s *Service) transition(ctx context.Context, id int64, fn func(context.Context, TxRepository, *Transfer) ([]inventory.Result, error)) (Transfer, error) {
	var (
		out     Transfer
		results []inventory.Result
	)
	err := inventory.Retry(ctx, s.ledger.RetryPolicy(), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			t, err := tx.GetTransferForUpdate(ctx, id)
			if err != nil {
				return err
			}
			before := t.Status
			results, err = fn(ctx, tx, &t)
			if err != nil {
				return err
			}
			if t.Status != before || results != nil {
				if err := tx.UpdateTransfer(ctx, t); err != nil {
					return err
				}
			}
			out = t
			return nil
		})
	})
	if err != nil {
		return Transfer{}, err
	}
	s.ledger.AfterCommit(ctx, results...)
	s.logger.InfoContext(ctx, "transfer updated", slog.Int64("transfer_id", out.ID), slog.String("status", string(out.Status)), slog.Int("legs", len(results)))
	return out, nil
}

func (s *Service) applyLeg(ctx context.Context, tx TxRepository, t Transfer, line Line, mt inventory.MovementType, actor shared.Actor) (inventory.Result, error) {
	location := t.SourceLocationID
	if mt == inventory.MovementTransferIn {
		location = t.DestinationLocationID
	}
	op, err := inventory.NewOperation(mt, inventory.MovementInput{
		BusinessID:  t.BusinessID,
		ProductID:   line.ProductID,
		VariationID: line.VariationID,
		LocationID:  location,
		Qty:         line.Qty,
		Reference:   inventory.Reference{Type: inventory.RefTransfer, ID: strconv.FormatInt(t.ID, 10), Number: t.Number},
		Actor:       actor,
		Note:        fmt.Sprintf("transfer %s %d -> %d", t.Number, t.SourceLocationID, t.DestinationLocationID),
	})
	if err != nil {
		return inventory.Result{}, err
	}
	res, err := s.ledger.Apply(ctx, tx, op)
	// a leg already recorded with the same magnitude is the retry of this leg
	if errors.Is(err, inventory.ErrDuplicateOperation) && res.Entry.Quantity.Equal(op.Quantity) {
		return res, nil
	}
	if err != nil {
		return inventory.Result{}, fmt.Errorf("transfers: %s %s variation %d: %w", t.Number, mt, line.VariationID, err)
	}
	return res, nil
}

// GetTransfer returns a transfer with its lines.
func (s *Service) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// ListTransfers returns one page of transfer headers.
func (s *Service) ListTransfers(ctx context.Context, filters ListFilters) ([]Transfer, shared.Pagination, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, validationError("unknown status %q", filters.Status)
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, 0)
	filters.Page, filters.PerPage = page.Page, page.PerPage
	items, total, err := s.repo.ListTransfers(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// Progress reports the committed legs of a transfer without changing anything.
func (s *Service) Progress(ctx context.Context, id int64) (Progress, error) {
	t, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	entries, err := s.ledger.FindEntries(ctx, inventory.RefTransfer, strconv.FormatInt(id, 10))
	if err != nil {
		return Progress{}, err
	}
	return deriveProgress(t, entries), nil
}

// ListStale returns transfers still in transit longer than grace.
func (s *Service) ListStale(ctx context.Context, grace time.Duration, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListInTransitBefore(ctx, s.now().Add(-grace), limit)
}

func (s *Service) progressTx(ctx context.Context, tx TxRepository, t Transfer) (Progress, error) {
	entries, err := tx.EntriesByReference(ctx, inventory.RefTransfer, strconv.FormatInt(t.ID, 10))
	if err != nil {
		return Progress{}, err
	}
	return deriveProgress(t, entries), nil
}

func (s *Service) recordReconciliationFailure(ctx context.Context, actor shared.Actor, recErr *ReconciliationError) {
	s.logger.WarnContext(ctx, "transfer reconciliation failed", slog.Int64("transfer_id", recErr.TransferID), slog.Any("issues", recErr.Issues))
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   shared.AuditTransferReconciliationFailed,
		Entity:   "stock_transfer",
		EntityID: strconv.FormatInt(recErr.TransferID, 10),
		At:       s.now(),
		Meta: map[string]any{
			"number": recErr.Number,
			"status": string(recErr.Status),
			"issues": recErr.Issues,
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record audit", slog.Int64("transfer_id", recErr.TransferID), slog.Any("error", err))
	}
}

func deriveProgress(t Transfer, entries []inventory.LedgerEntry) Progress {
	p := Progress{Transfer: t, Lines: make([]LineProgress, len(t.Lines))}
	index := make(map[int64]int, len(t.Lines))
	for i, line := range t.Lines {
		p.Lines[i] = LineProgress{Line: line}
		index[line.VariationID] = i
	}
	for _, e := range entries {
		entry := e
		i, ok := index[entry.VariationID]
		if !ok {
			p.Issues = append(p.Issues, fmt.Sprintf("entry %d for variation %d is not on the transfer", entry.ID, entry.VariationID))
			continue
		}
		lp := &p.Lines[i]
		switch entry.Type {
		case inventory.MovementTransferOut:
			if entry.LocationID != t.SourceLocationID || !entry.Quantity.Equal(lp.Line.Qty.Neg()) {
				p.Issues = append(p.Issues, fmt.Sprintf("out leg %d moved %s at location %d, expected %s at %d", entry.ID, entry.Quantity, entry.LocationID, lp.Line.Qty.Neg(), t.SourceLocationID))
				continue
			}
			lp.Out = &entry
		case inventory.MovementTransferIn:
			if entry.LocationID != t.DestinationLocationID || !entry.Quantity.Equal(lp.Line.Qty) {
				p.Issues = append(p.Issues, fmt.Sprintf("in leg %d moved %s at location %d, expected %s at %d", entry.ID, entry.Quantity, entry.LocationID, lp.Line.Qty, t.DestinationLocationID))
				continue
			}
			lp.In = &entry
		default:
			p.Issues = append(p.Issues, fmt.Sprintf("entry %d has unexpected type %s", entry.ID, entry.Type))
		}
	}
	return p
}

func missingOutLegs(p Progress) []string {
	var issues []string
	for _, lp := range p.Lines {
		if lp.Out == nil {
			issues = append(issues, fmt.Sprintf("variation %d has no out leg", lp.Line.VariationID))
		}
	}
	return issues
}

// sortedProgress orders line progress like sortedLines so every leg locks
// positions in the same order.
func sortedProgress(lines []LineProgress) []LineProgress {
	out := append([]LineProgress(nil), lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].Line.VariationID < out[j].Line.VariationID })
	return out
}

func sortedLines(lines []Line) []Line {
	out := append([]Line(nil), lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].VariationID < out[j].VariationID })
	return out
}
