package corrections

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Status enumerates correction states.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusProposed || s == StatusApproved || s == StatusRejected
}

// Correction reconciles a counted quantity with the recorded balance of one position.
type Correction struct {
	ID          int64
	BusinessID  int64
	ProductID   int64
	VariationID int64
	LocationID  int64
	// SystemCount is the balance when the correction was proposed.
	SystemCount   decimal.Decimal
	PhysicalCount decimal.Decimal
	// Difference is PhysicalCount - SystemCount and is posted as-is on approval.
	Difference      decimal.Decimal
	Reason          string
	Status          Status
	ProposedBy      int64
	ProposedAt      time.Time
	ApprovedBy      int64
	ApprovedAt      *time.Time
	RejectionReason string
	// LedgerEntryID is zero until approval posts a non-zero difference.
	LedgerEntryID int64
}

// Key returns the corrected position.
func (c Correction) Key() inventory.PositionKey {
	return inventory.PositionKey{VariationID: c.VariationID, LocationID: c.LocationID}
}

// ProposeInput describes a stock count result.
type ProposeInput struct {
	IdempotencyKey string
	BusinessID     int64
	ProductID      int64
	VariationID    int64
	LocationID     int64
	PhysicalCount  decimal.Decimal
	Reason         string
	Actor          shared.Actor
}

// ListFilters narrows ListCorrections.
type ListFilters struct {
	BusinessID int64
	Status     Status
	LocationID int64
	Page       int
	PerPage    int
}

// Decision is the terminal state written by approve or reject.
type Decision struct {
	Status        Status
	ApprovedBy    int64
	ApprovedAt    time.Time
	Reason        string
	LedgerEntryID int64
}

var (
	// ErrNotFound indicates the correction does not exist.
	ErrNotFound = fmt.Errorf("corrections: correction: %w", inventory.ErrReferenceNotFound)
	// ErrInvalidState occurs when a decided correction is decided again.
	ErrInvalidState = fmt.Errorf("corrections: %w", shared.ErrInvalidStateTransition)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("corrections: %w", shared.ErrValidation)
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (in ProposeInput) validate() error {
	switch {
	case !in.Actor.Valid():
		return validationError("actor required")
	case in.BusinessID <= 0 || in.ProductID <= 0 || in.VariationID <= 0 || in.LocationID <= 0:
		return validationError("business, product, variation and location required")
	case in.PhysicalCount.IsNegative():
		return validationError("physical count must be >= 0")
	case !in.PhysicalCount.Equal(in.PhysicalCount.Round(inventory.MaxQuantityScale)):
		return validationError("physical count supports at most %d decimal places", inventory.MaxQuantityScale)
	case strings.TrimSpace(in.Reason) == "":
		return validationError("reason required")
	}
	return nil
}
