package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetGRN(ctx context.Context, id int64) (GoodsReceipt, error)
	ListGRNs(ctx context.Context, filters ListFilters) ([]GoodsReceipt, int, error)
}

// TxRepository shares one unit of work between receipt rows and stock writes.
type TxRepository interface {
	inventory.TxRepository
	CreateGRN(ctx context.Context, grn GoodsReceipt) (GoodsReceipt, error)
	// GetGRNForUpdate loads the receipt and holds its row lock until the unit of work ends.
	GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, error)
	SetGRNDecision(ctx context.Context, id int64, decision Decision) error
}

// LedgerPort is the slice of the mutation coordinator used by approvals.
type LedgerPort interface {
	Apply(ctx context.Context, tx inventory.TxRepository, op inventory.Operation) (inventory.Result, error)
	AfterCommit(ctx context.Context, results ...inventory.Result)
	RetryPolicy() inventory.RetryPolicy
}

// ApprovalPort records the approval trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config toggles the self-approval policy. PO-backed and direct receipts are
// configured independently.
type Config struct {
	AllowSelfApproval       bool
	AllowDirectSelfApproval bool
	Logger                  *slog.Logger
}

// Service orchestrates the goods receipt workflow.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	approvals   ApprovalPort
	audit       AuditPort
	idempotency shared.IdempotencyPort
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, ledger LedgerPort, approvals ApprovalPort, audit AuditPort, idem shared.IdempotencyPort, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		approvals:   approvals,
		audit:       audit,
		idempotency: idem,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "procurement")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SubmitReceipt creates a pending receipt. Stock is not touched.
func (s *Service) SubmitReceipt(ctx context.Context, input SubmitGRNInput) (GoodsReceipt, bool, error) {
	if input.BusinessID == 0 {
		input.BusinessID = input.Actor.BusinessID
	}
	if err := input.validate(); err != nil {
		return GoodsReceipt{}, false, err
	}
	grn, replayed, err := shared.Once(ctx, s.idempotency, "procurement.grn", input.IdempotencyKey,
		func(ctx context.Context, ref string) (GoodsReceipt, error) {
			id, err := strconv.ParseInt(ref, 10, 64)
			if err != nil {
				return GoodsReceipt{}, fmt.Errorf("procurement: idempotency ref %q: %w", ref, err)
			}
			return s.repo.GetGRN(ctx, id)
		},
		func(ctx context.Context) (GoodsReceipt, string, error) {
			created, err := s.createReceipt(ctx, input)
			if err != nil {
				return GoodsReceipt{}, "", err
			}
			return created, strconv.FormatInt(created.ID, 10), nil
		})
	if err != nil {
		return GoodsReceipt{}, false, err
	}
	if !replayed {
		s.recordApproval(ctx, grn.ID, input.Actor.ID, shared.ApprovalSubmit, grn.Note)
	}
	return grn, replayed, nil
}

func (s *Service) createReceipt(ctx context.Context, input SubmitGRNInput) (GoodsReceipt, error) {
	grn := GoodsReceipt{
		Number:         input.Number,
		BusinessID:     input.BusinessID,
		POID:           input.POID,
		SupplierID:     input.SupplierID,
		LocationID:     input.LocationID,
		Status:         GRNStatusPending,
		ReceivedBy:     input.Actor.ID,
		ReceivedByName: input.Actor.Name,
		ReceivedAt:     defaultTime(input.ReceivedAt, s.now),
		Note:           input.Note,
	}
	if grn.Number == "" {
		grn.Number = generateNumber("GRN")
	}
	for _, line := range input.Lines {
		grn.Lines = append(grn.Lines, GRNLine{
			ProductID:     line.ProductID,
			VariationID:   line.VariationID,
			Qty:           line.Qty,
			UnitCost:      line.UnitCost,
			SerialNumbers: append([]string(nil), line.SerialNumbers...),
		})
	}
	var created GoodsReceipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.CreateGRN(ctx, grn)
		return err
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.logger.InfoContext(ctx, "goods receipt submitted", slog.Int64("grn_id", created.ID), slog.String("number", created.Number), slog.Int("lines", len(created.Lines)))
	return created, nil
}

// ApproveReceipt posts one purchase per line and flips the receipt to approved
// in a single unit of work. Any line failure leaves the receipt pending with no
// stock applied.
func (s *Service) ApproveReceipt(ctx context.Context, id int64, approver shared.Actor) (GoodsReceipt, error) {
	if !approver.Valid() {
		return GoodsReceipt{}, validationError("approving actor required")
	}
	var (
		approved GoodsReceipt
		results  []inventory.Result
	)
	err := inventory.Retry(ctx, s.ledger.RetryPolicy(), func(ctx context.Context) error {
		results = results[:0]
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			grn, err := tx.GetGRNForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if grn.Status != GRNStatusPending {
				return fmt.Errorf("%w: receipt %s is %s", ErrInvalidState, grn.Number, grn.Status)
			}
			if err := s.checkApprover(grn, approver); err != nil {
				return err
			}
			lines := append([]GRNLine(nil), grn.Lines...)
			sort.Slice(lines, func(i, j int) bool { return lines[i].VariationID < lines[j].VariationID })
			for _, line := range lines {
				op, err := inventory.NewOperation(inventory.MovementPurchase, inventory.MovementInput{
					BusinessID:  grn.BusinessID,
					ProductID:   line.ProductID,
					VariationID: line.VariationID,
					LocationID:  grn.LocationID,
					Qty:         line.Qty,
					UnitCost:    decimal.NewNullDecimal(line.UnitCost),
					Reference:   inventory.Reference{Type: inventory.RefGoodsReceipt, ID: strconv.FormatInt(grn.ID, 10), Number: grn.Number},
					Actor:       approver,
					Note:        "GRN " + grn.Number,
				})
				if err != nil {
					return err
				}
				res, err := s.ledger.Apply(ctx, tx, op)
				if err != nil {
					return fmt.Errorf("procurement: receipt %s variation %d: %w", grn.Number, line.VariationID, err)
				}
				results = append(results, res)
			}
			decidedAt := s.now()
			if err := tx.SetGRNDecision(ctx, grn.ID, Decision{Status: GRNStatusApproved, ApprovedBy: approver.ID, ApprovedAt: decidedAt}); err != nil {
				return err
			}
			grn.Status = GRNStatusApproved
			grn.ApprovedBy = approver.ID
			grn.ApprovedAt = &decidedAt
			approved = grn
			return nil
		})
	})
	if err != nil {
		s.logger.InfoContext(ctx, "goods receipt approval aborted", slog.Int64("grn_id", id), slog.Int64("actor_id", approver.ID), slog.Any("error", err))
		return GoodsReceipt{}, err
	}
	s.ledger.AfterCommit(ctx, results...)
	s.recordApproval(ctx, approved.ID, approver.ID, shared.ApprovalApprove, "")
	s.logger.InfoContext(ctx, "goods receipt approved", slog.Int64("grn_id", approved.ID), slog.String("number", approved.Number), slog.Int("entries", len(results)))
	return approved, nil
}

// RejectReceipt closes a pending receipt without touching stock.
func (s *Service) RejectReceipt(ctx context.Context, id int64, approver shared.Actor, reason string) (GoodsReceipt, error) {
	if !approver.Valid() {
		return GoodsReceipt{}, validationError("approving actor required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return GoodsReceipt{}, validationError("rejection reason required")
	}
	var rejected GoodsReceipt
	err := inventory.Retry(ctx, s.ledger.RetryPolicy(), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			grn, err := tx.GetGRNForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if grn.Status != GRNStatusPending {
				return fmt.Errorf("%w: receipt %s is %s", ErrInvalidState, grn.Number, grn.Status)
			}
			decidedAt := s.now()
			if err := tx.SetGRNDecision(ctx, grn.ID, Decision{Status: GRNStatusRejected, ApprovedBy: approver.ID, ApprovedAt: decidedAt, Reason: reason}); err != nil {
				return err
			}
			grn.Status = GRNStatusRejected
			grn.ApprovedBy = approver.ID
			grn.ApprovedAt = &decidedAt
			grn.RejectionReason = reason
			rejected = grn
			return nil
		})
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.recordApproval(ctx, rejected.ID, approver.ID, shared.ApprovalReject, reason)
	s.recordAudit(ctx, approver.ID, shared.AuditReceiptRejected, rejected, map[string]any{
		"number":      rejected.Number,
		"reason":      reason,
		"received_by": rejected.ReceivedBy,
		"location_id": rejected.LocationID,
		"supplier_id": rejected.SupplierID,
	})
	s.logger.InfoContext(ctx, "goods receipt rejected", slog.Int64("grn_id", rejected.ID), slog.String("number", rejected.Number))
	return rejected, nil
}

// GetReceipt returns a receipt with its lines.
func (s *Service) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	return s.repo.GetGRN(ctx, id)
}

// ListReceipts returns one page of receipt headers.
func (s *Service) ListReceipts(ctx context.Context, filters ListFilters) ([]GoodsReceipt, shared.Pagination, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, validationError("unknown status %q", filters.Status)
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, 0)
	filters.Page, filters.PerPage = page.Page, page.PerPage
	grns, total, err := s.repo.ListGRNs(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return grns, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

func (s *Service) checkApprover(grn GoodsReceipt, approver shared.Actor) error {
	if approver.ID != grn.ReceivedBy {
		return nil
	}
	allowed := s.cfg.AllowSelfApproval
	if grn.IsDirect() {
		allowed = s.cfg.AllowDirectSelfApproval
	}
	if !allowed {
		return ErrSelfApproval
	}
	return nil
}

func (s *Service) recordApproval(ctx context.Context, grnID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  shared.ModuleGoodsReceipt,
		RefID:   shared.ApprovalRef(shared.ModuleGoodsReceipt, grnID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record approval", slog.Int64("grn_id", grnID), slog.String("action", string(action)), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, grn GoodsReceipt, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "goods_receipt", EntityID: strconv.FormatInt(grn.ID, 10), Meta: meta, At: s.now()})
	if err != nil {
		s.logger.WarnContext(ctx, "record audit", slog.String("action", action), slog.Int64("grn_id", grn.ID), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultTime(value time.Time, now func() time.Time) time.Time {
	if value.IsZero() {
		return now()
	}
	return value
}
