package procurement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// GRNStatus enumerates goods receipt lifecycle states.
type GRNStatus string

const (
	// GRNStatusPending awaits an approval decision. Stock is untouched.
	GRNStatusPending GRNStatus = "pending"
	// GRNStatusApproved means every line was posted as a purchase.
	GRNStatusApproved GRNStatus = "approved"
	// GRNStatusRejected is terminal and never touches stock.
	GRNStatusRejected GRNStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s GRNStatus) Valid() bool {
	switch s {
	case GRNStatusPending, GRNStatusApproved, GRNStatusRejected:
		return true
	}
	return false
}

// GoodsReceipt represents a GRN header with its lines.
type GoodsReceipt struct {
	ID         int64
	Number     string
	BusinessID int64
	// POID is zero for direct receipts.
	POID           int64
	SupplierID     int64
	LocationID     int64
	Status         GRNStatus
	ReceivedBy     int64
	ReceivedByName string
	ReceivedAt     time.Time
	// ApprovedBy and ApprovedAt record whoever decided the receipt, for
	// approvals and rejections alike.
	ApprovedBy      int64
	ApprovedAt      *time.Time
	RejectionReason string
	Note            string
	CreatedAt       time.Time
	Lines           []GRNLine
}

// IsDirect reports whether the receipt has no source purchase order.
func (g GoodsReceipt) IsDirect() bool {
	return g.POID == 0
}

// GRNLine is a received item.
type GRNLine struct {
	ID            int64
	GRNID         int64
	ProductID     int64
	VariationID   int64
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	SerialNumbers []string
}

// SubmitGRNInput describes a receipt submission.
type SubmitGRNInput struct {
	// IdempotencyKey, when set, makes a retried submission return the first receipt.
	IdempotencyKey string
	Number         string
	BusinessID     int64
	POID           int64
	SupplierID     int64
	LocationID     int64
	ReceivedAt     time.Time
	Note           string
	Actor          shared.Actor
	Lines          []GRNLineInput
}

// GRNLineInput for GRN.
type GRNLineInput struct {
	ProductID     int64
	VariationID   int64
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	SerialNumbers []string
}

// ListFilters narrows ListReceipts.
type ListFilters struct {
	BusinessID int64
	Status     GRNStatus
	LocationID int64
	SupplierID int64
	// Search matches receipt numbers case-insensitively.
	Search  string
	Page    int
	PerPage int
}

// Decision is the terminal state written by approve or reject.
type Decision struct {
	Status     GRNStatus
	ApprovedBy int64
	ApprovedAt time.Time
	Reason     string
}

var (
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = fmt.Errorf("procurement: %w", shared.ErrInvalidStateTransition)
	// ErrNotFound indicates record missing.
	ErrNotFound = fmt.Errorf("procurement: goods receipt: %w", inventory.ErrReferenceNotFound)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("procurement: %w", shared.ErrValidation)
	// ErrSelfApproval is returned when the receiving actor tries to approve their own receipt.
	ErrSelfApproval = fmt.Errorf("procurement: receipt must be approved by another actor: %w", shared.ErrForbidden)
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (in SubmitGRNInput) validate() error {
	if !in.Actor.Valid() {
		return validationError("receiving actor required")
	}
	if in.BusinessID <= 0 || in.LocationID <= 0 {
		return validationError("business and location required")
	}
	if in.POID < 0 || in.SupplierID < 0 {
		return validationError("purchase order and supplier ids must not be negative")
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
		if line.Qty.Exponent() < -inventory.MaxQuantityScale && !line.Qty.Equal(line.Qty.Round(inventory.MaxQuantityScale)) {
			return validationError("line %d: qty supports at most %d decimal places", i+1, inventory.MaxQuantityScale)
		}
		if line.UnitCost.IsNegative() {
			return validationError("line %d: unit cost must be >= 0", i+1)
		}
		if err := validateSerials(line); err != nil {
			return validationError("line %d: %v", i+1, err)
		}
	}
	return nil
}

func validateSerials(line GRNLineInput) error {
	if len(line.SerialNumbers) == 0 {
		return nil
	}
	if decimal.NewFromInt(int64(len(line.SerialNumbers))).GreaterThan(line.Qty) {
		return fmt.Errorf("%d serial numbers for qty %s", len(line.SerialNumbers), line.Qty)
	}
	seen := make(map[string]struct{}, len(line.SerialNumbers))
	for _, sn := range line.SerialNumbers {
		if sn == "" {
			return errors.New("blank serial number")
		}
		if _, dup := seen[sn]; dup {
			return fmt.Errorf("serial number %q repeated", sn)
		}
		seen[sn] = struct{}{}
	}
	return nil
}
