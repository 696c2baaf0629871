package transfers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Status enumerates transfer lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusReceived, StatusCancelled:
		return true
	}
	return false
}

// Transfer moves stock between two locations of one business.
type Transfer struct {
	ID                    int64
	Number                string
	BusinessID            int64
	SourceLocationID      int64
	DestinationLocationID int64
	Status                Status
	// Direct transfers were started by Execute; reconciliation completes their
	// missing in legs without waiting for a receiving actor.
	Direct       bool
	Note         string
	CreatedBy    int64
	CreatedAt    time.Time
	DispatchedBy int64
	DispatchedAt *time.Time
	ReceivedBy   int64
	ReceivedAt   *time.Time
	Lines        []Line
}

// Line is one variation moved by a transfer.
type Line struct {
	ID          int64
	TransferID  int64
	ProductID   int64
	VariationID int64
	Qty         decimal.Decimal
}

// CreateInput describes a new transfer.
type CreateInput struct {
	IdempotencyKey        string
	Number                string
	BusinessID            int64
	SourceLocationID      int64
	DestinationLocationID int64
	Note                  string
	Actor                 shared.Actor
	Lines                 []LineInput
}

// LineInput is a requested transfer line.
type LineInput struct {
	ProductID   int64
	VariationID int64
	Qty         decimal.Decimal
}

// ListFilters narrows ListTransfers.
type ListFilters struct {
	BusinessID int64
	Status     Status
	LocationID int64
	Page       int
	PerPage    int
}

// LineProgress pairs a line with the ledger legs recorded for it.
type LineProgress struct {
	Line Line
	Out  *inventory.LedgerEntry
	In   *inventory.LedgerEntry
}

// Progress is the ledger view of a transfer.
type Progress struct {
	Transfer Transfer
	Lines    []LineProgress
	Issues   []string
}

// OutLegs counts lines whose transfer_out leg exists.
func (p Progress) OutLegs() int {
	n := 0
	for _, l := range p.Lines {
		if l.Out != nil {
			n++
		}
	}
	return n
}

// InLegs counts lines whose transfer_in leg exists.
func (p Progress) InLegs() int {
	n := 0
	for _, l := range p.Lines {
		if l.In != nil {
			n++
		}
	}
	return n
}

// Complete reports whether both legs exist for every line.
func (p Progress) Complete() bool {
	return len(p.Issues) == 0 && p.OutLegs() == len(p.Lines) && p.InLegs() == len(p.Lines)
}

var (
	// ErrNotFound indicates the transfer does not exist.
	ErrNotFound = fmt.Errorf("transfers: transfer: %w", inventory.ErrReferenceNotFound)
	// ErrInvalidState occurs when an action violates the transfer lifecycle.
	ErrInvalidState = fmt.Errorf("transfers: %w", shared.ErrInvalidStateTransition)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("transfers: %w", shared.ErrValidation)
	// ErrReconciliation is wrapped by every ReconciliationError.
	ErrReconciliation = errors.New("transfers: ledger legs inconsistent with transfer")
)

// ReconciliationError lists why a transfer's ledger legs could not be brought
// in line with its status.
type ReconciliationError struct {
	TransferID int64
	Number     string
	Status     Status
	Issues     []string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("transfers: transfer %s (%s) cannot be reconciled: %s", e.Number, e.Status, strings.Join(e.Issues, "; "))
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (in CreateInput) validate() error {
	if !in.Actor.Valid() {
		return validationError("actor required")
	}
	if in.BusinessID <= 0 || in.SourceLocationID <= 0 || in.DestinationLocationID <= 0 {
		return validationError("business, source and destination required")
	}
	if in.SourceLocationID == in.DestinationLocationID {
		return validationError("source and destination must differ")
	}
	if len(in.Lines) == 0 {
		return validationError("minimal 1 line")
	}
	seen := make(map[int64]struct{}, len(in.Lines))
	for i, line := range in.Lines {
		if line.ProductID <= 0 || line.VariationID <= 0 {
			return validationError("line %d: product and variation required", i+1)
		}
		if _, dup := seen[line.VariationID]; dup {
			return validationError("line %d: variation %d listed twice", i+1, line.VariationID)
		}
		seen[line.VariationID] = struct{}{}
		if !line.Qty.IsPositive() {
			return validationError("line %d: qty must be greater than zero", i+1)
		}
		if !line.Qty.Equal(line.Qty.Round(inventory.MaxQuantityScale)) {
			return validationError("line %d: qty supports at most %d decimal places", i+1, inventory.MaxQuantityScale)
		}
	}
	return nil
}
