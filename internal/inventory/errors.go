package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

var (
	// ErrInsufficientStock is returned when a movement would take an enforcing position below zero.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrDuplicateOperation is returned when the idempotency key was already applied.
	ErrDuplicateOperation = errors.New("inventory: operation already applied")
	// ErrContention is returned when the position lock could not be acquired in time. Retry.
	ErrContention = errors.New("inventory: stock position busy")
	// ErrReferenceNotFound is returned when an operation cites a document or record that does
	// not exist. Document modules wrap it in their own not-found sentinels.
	ErrReferenceNotFound = fmt.Errorf("inventory: reference %w", shared.ErrNotFound)
	// ErrInvalidOperation is returned when an operation fails boundary validation.
	ErrInvalidOperation = errors.New("inventory: invalid operation")
	// ErrPositionNotFound indicates no position row exists for the key.
	ErrPositionNotFound = errors.New("inventory: position not found")
)

// InsufficientStockError names the position and the missing quantity.
type InsufficientStockError struct {
	ProductID   int64
	VariationID int64
	LocationID  int64
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

// Shortfall is the quantity missing to satisfy the request.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d variation %d at location %d: available %s, requested %s, short by %s",
		e.ProductID, e.VariationID, e.LocationID, e.Available.String(), e.Requested.String(), e.Shortfall().String())
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsBusinessOutcome reports whether err is an expected rejection rather than a failure.
// Such errors are logged below error severity.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrInvalidOperation)
}
