package corrections

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort describes correction persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCorrection(ctx context.Context, id int64) (Correction, error)
	ListCorrections(ctx context.Context, filters ListFilters) ([]Correction, int, error)
}

// TxRepository shares one unit of work between correction rows and stock writes.
type TxRepository interface {
	inventory.TxRepository
	CreateCorrection(ctx context.Context, c Correction) (Correction, error)
	GetCorrectionForUpdate(ctx context.Context, id int64) (Correction, error)
	SetDecision(ctx context.Context, id int64, decision Decision) error
}

// LedgerPort is the slice of the mutation coordinator used by corrections.
type LedgerPort interface {
	Apply(ctx context.Context, tx inventory.TxRepository, op inventory.Operation) (inventory.Result, error)
	AfterCommit(ctx context.Context, results ...inventory.Result)
	RetryPolicy() inventory.RetryPolicy
	GetBalance(ctx context.Context, key inventory.PositionKey) (decimal.Decimal, error)
}

// ApprovalPort records the approval trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service runs inventory corrections.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	approvals   ApprovalPort
	idempotency shared.IdempotencyPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, ledger LedgerPort, approvals ApprovalPort, idem shared.IdempotencyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		approvals:   approvals,
		idempotency: idem,
		logger:      logger.With(slog.String("component", "corrections")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProposeCorrection captures the current balance as system count and records
// the difference to the physical count. Stock is not touched.
func (s *Service) ProposeCorrection(ctx context.Context, input ProposeInput) (Correction, bool, error) {
	if input.BusinessID == 0 {
		input.BusinessID = input.Actor.BusinessID
	}
	input.Reason = strings.TrimSpace(input.Reason)
	if err := input.validate(); err != nil {
		return Correction{}, false, err
	}
	c, replayed, err := shared.Once(ctx, s.idempotency, "corrections.correction", input.IdempotencyKey,
		func(ctx context.Context, ref string) (Correction, error) {
			id, err := strconv.ParseInt(ref, 10, 64)
			if err != nil {
				return Correction{}, fmt.Errorf("corrections: idempotency ref %q: %w", ref, err)
			}
			return s.repo.GetCorrection(ctx, id)
		},
		func(ctx context.Context) (Correction, string, error) {
			key := inventory.PositionKey{VariationID: input.VariationID, LocationID: input.LocationID}
			system, err := s.ledger.GetBalance(ctx, key)
			if err != nil {
				return Correction{}, "", err
			}
			c := Correction{
				BusinessID:    input.BusinessID,
				ProductID:     input.ProductID,
				VariationID:   input.VariationID,
				LocationID:    input.LocationID,
				SystemCount:   system,
				PhysicalCount: input.PhysicalCount,
				Difference:    input.PhysicalCount.Sub(system),
				Reason:        input.Reason,
				Status:        StatusProposed,
				ProposedBy:    input.Actor.ID,
				ProposedAt:    s.now(),
			}
			var created Correction
			err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				var err error
				created, err = tx.CreateCorrection(ctx, c)
				return err
			})
			if err != nil {
				return Correction{}, "", err
			}
			return created, strconv.FormatInt(created.ID, 10), nil
		})
	if err != nil {
		return Correction{}, false, err
	}
	if !replayed {
		s.recordApproval(ctx, c.ID, input.Actor.ID, shared.ApprovalSubmit, c.Reason)
		s.logger.InfoContext(ctx, "correction proposed", slog.Int64("correction_id", c.ID), slog.String("position", c.Key().String()), slog.String("difference", c.Difference.String()))
	}
	return c, replayed, nil
}

// ApproveCorrection posts the difference as one adjustment. A zero difference
// approves the correction without writing a ledger entry.
func (s *Service) ApproveCorrection(ctx context.Context, id int64, approver shared.Actor) (Correction, error) {
	if !approver.Valid() {
		return Correction{}, validationError("approving actor required")
	}
	var (
		approved Correction
		result   *inventory.Result
	)
	err := inventory.Retry(ctx, s.ledger.RetryPolicy(), func(ctx context.Context) error {
		result = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.GetCorrectionForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if c.Status != StatusProposed {
				return fmt.Errorf("%w: correction %d is %s", ErrInvalidState, c.ID, c.Status)
			}
			decision := Decision{Status: StatusApproved, ApprovedBy: approver.ID, ApprovedAt: s.now()}
			if !c.Difference.IsZero() {
				op, err := inventory.NewOperation(inventory.MovementAdjustment, inventory.MovementInput{
					BusinessID:  c.BusinessID,
					ProductID:   c.ProductID,
					VariationID: c.VariationID,
					LocationID:  c.LocationID,
					Qty:         c.Difference,
					Reference:   inventory.Reference{Type: inventory.RefCorrection, ID: strconv.FormatInt(c.ID, 10)},
					Actor:       approver,
					Reason:      c.Reason,
					Note:        fmt.Sprintf("count %s vs system %s", c.PhysicalCount, c.SystemCount),
				})
				if err != nil {
					return err
				}
				res, err := s.ledger.Apply(ctx, tx, op)
				if err != nil {
					return fmt.Errorf("corrections: correction %d: %w", c.ID, err)
				}
				result = &res
				decision.LedgerEntryID = res.Entry.ID
			}
			if err := tx.SetDecision(ctx, c.ID, decision); err != nil {
				return err
			}
			c.Status = decision.Status
			c.ApprovedBy = decision.ApprovedBy
			c.ApprovedAt = &decision.ApprovedAt
			c.LedgerEntryID = decision.LedgerEntryID
			approved = c
			return nil
		})
	})
	if err != nil {
		return Correction{}, err
	}
	if result != nil {
		s.ledger.AfterCommit(ctx, *result)
	}
	s.recordApproval(ctx, approved.ID, approver.ID, shared.ApprovalApprove, "")
	s.logger.InfoContext(ctx, "correction approved", slog.Int64("correction_id", approved.ID), slog.Int64("ledger_entry_id", approved.LedgerEntryID))
	return approved, nil
}

// RejectCorrection closes a proposed correction without touching stock.
func (s *Service) RejectCorrection(ctx context.Context, id int64, approver shared.Actor, reason string) (Correction, error) {
	if !approver.Valid() {
		return Correction{}, validationError("approving actor required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Correction{}, validationError("rejection reason required")
	}
	var rejected Correction
	err := inventory.Retry(ctx, s.ledger.RetryPolicy(), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			c, err := tx.GetCorrectionForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if c.Status != StatusProposed {
				return fmt.Errorf("%w: correction %d is %s", ErrInvalidState, c.ID, c.Status)
			}
			decision := Decision{Status: StatusRejected, ApprovedBy: approver.ID, ApprovedAt: s.now(), Reason: reason}
			if err := tx.SetDecision(ctx, c.ID, decision); err != nil {
				return err
			}
			c.Status = decision.Status
			c.ApprovedBy = decision.ApprovedBy
			c.ApprovedAt = &decision.ApprovedAt
			c.RejectionReason = reason
			rejected = c
			return nil
		})
	})
	if err != nil {
		return Correction{}, err
	}
	s.recordApproval(ctx, rejected.ID, approver.ID, shared.ApprovalReject, reason)
	return rejected, nil
}

// GetCorrection returns one correction.
func (s *Service) GetCorrection(ctx context.Context, id int64) (Correction, error) {
	return s.repo.GetCorrection(ctx, id)
}

// ListCorrections returns one page of corrections.
func (s *Service) ListCorrections(ctx context.Context, filters ListFilters) ([]Correction, shared.Pagination, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, validationError("unknown status %q", filters.Status)
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, 0)
	filters.Page, filters.PerPage = page.Page, page.PerPage
	items, total, err := s.repo.ListCorrections(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

func (s *Service) recordApproval(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ModuleCorrection,
		RefID:   shared.ApprovalRef(shared.ModuleCorrection, id),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record approval", slog.Int64("correction_id", id), slog.Any("error", err))
	}
}
