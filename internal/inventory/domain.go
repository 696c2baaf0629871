package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MovementType enumerates the closed set of ledger movements.
type MovementType string

const (
	// MovementOpeningStock seeds a position when a product is first stocked at a location.
	MovementOpeningStock MovementType = "opening_stock"
	// MovementPurchase is posted when a goods receipt is approved.
	MovementPurchase MovementType = "purchase"
	// MovementSale removes sold quantity.
	MovementSale MovementType = "sale"
	// MovementCustomerReturn restores returned quantity.
	MovementCustomerReturn MovementType = "customer_return"
	// MovementTransferOut is the source leg of a transfer.
	MovementTransferOut MovementType = "transfer_out"
	// MovementTransferIn is the destination leg of a transfer.
	MovementTransferIn MovementType = "transfer_in"
	// MovementAdjustment is a signed manual correction.
	MovementAdjustment MovementType = "adjustment"
)

// MovementTypes lists every valid movement type.
var MovementTypes = []MovementType{
	MovementOpeningStock,
	MovementPurchase,
	MovementSale,
	MovementCustomerReturn,
	MovementTransferOut,
	MovementTransferIn,
	MovementAdjustment,
}

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	for _, known := range MovementTypes {
		if t == known {
			return true
		}
	}
	return false
}

// direction is +1 for inbound types, -1 for outbound types and 0 for signed adjustments.
func (t MovementType) direction() int {
	switch t {
	case MovementOpeningStock, MovementPurchase, MovementCustomerReturn, MovementTransferIn:
		return 1
	case MovementSale, MovementTransferOut:
		return -1
	default:
		return 0
	}
}

// EnforcesNonNegative reports whether a movement of this type carrying delta must
// leave the balance at or above zero.
func (t MovementType) EnforcesNonNegative(delta decimal.Decimal) bool {
	switch t {
	case MovementSale, MovementTransferOut:
		return true
	case MovementAdjustment:
		return delta.IsNegative()
	default:
		return false
	}
}

// ReferenceType names the kind of document a movement belongs to.
type ReferenceType string

// Reference types produced by this engine and its document services.
const (
	RefOpeningStock   ReferenceType = "opening_stock"
	RefGoodsReceipt   ReferenceType = "goods_receipt"
	RefSale           ReferenceType = "sale"
	RefCustomerReturn ReferenceType = "customer_return"
	RefTransfer       ReferenceType = "transfer"
	RefCorrection     ReferenceType = "inventory_correction"
)

// Reference ties a movement to the document that caused it.
type Reference struct {
	Type   ReferenceType
	ID     string
	Number string
}

// PositionKey identifies a stock position.
type PositionKey struct {
	VariationID int64
	LocationID  int64
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%d@%d", k.VariationID, k.LocationID)
}

// Less orders keys so multi-line flows lock positions in a stable order.
func (k PositionKey) Less(other PositionKey) bool {
	if k.LocationID != other.LocationID {
		return k.LocationID < other.LocationID
	}
	return k.VariationID < other.VariationID
}

// IdempotencyKey identifies one application of a document line to a position.
type IdempotencyKey struct {
	Type        MovementType
	RefType     ReferenceType
	RefID       string
	LocationID  int64
	VariationID int64
}

// StockPosition is the current on-hand quantity of a variation at a location.
type StockPosition struct {
	BusinessID   int64
	ProductID    int64
	VariationID  int64
	LocationID   int64
	QtyAvailable decimal.Decimal
	UpdatedAt    time.Time
}

// Key returns the position key.
func (p StockPosition) Key() PositionKey {
	return PositionKey{VariationID: p.VariationID, LocationID: p.LocationID}
}

// LedgerEntry is an immutable record of one quantity change.
type LedgerEntry struct {
	ID          int64
	BusinessID  int64
	ProductID   int64
	VariationID int64
	LocationID  int64
	Type        MovementType
	Quantity    decimal.Decimal
	BalanceQty  decimal.Decimal
	UnitCost    decimal.NullDecimal
	RefType     ReferenceType
	RefID       string
	ActorID     int64
	Note        string
	CreatedAt   time.Time
}

// Key returns the position the entry belongs to.
func (e LedgerEntry) Key() PositionKey {
	return PositionKey{VariationID: e.VariationID, LocationID: e.LocationID}
}

// IdempotencyKey returns the uniqueness key of the entry.
func (e LedgerEntry) IdempotencyKey() IdempotencyKey {
	return IdempotencyKey{Type: e.Type, RefType: e.RefType, RefID: e.RefID, LocationID: e.LocationID, VariationID: e.VariationID}
}

// HistoryEntry is the audit view of a ledger entry, written in the same unit of work.
type HistoryEntry struct {
	ID            string
	LedgerEntryID int64
	BusinessID    int64
	ProductID     int64
	VariationID   int64
	LocationID    int64
	Type          MovementType
	Quantity      decimal.Decimal
	BalanceQty    decimal.Decimal
	UnitCost      decimal.NullDecimal
	TotalValue    decimal.NullDecimal
	RefType       ReferenceType
	RefID         string
	RefNumber     string
	ActorID       int64
	ActorName     string
	Reason        string
	Note          string
	CreatedAt     time.Time
}

// MaxQuantityScale is the number of decimal places stored for quantities.
const MaxQuantityScale = 6

// Operation is a validated request to change one stock position.
type Operation struct {
	BusinessID  int64
	ProductID   int64
	VariationID int64
	LocationID  int64
	Type        MovementType
	// Quantity is signed: positive adds stock, negative removes it.
	Quantity  decimal.Decimal
	UnitCost  decimal.NullDecimal
	Reference Reference
	Actor     shared.Actor
	Reason    string
	Note      string
}

// Key returns the position the operation targets.
func (op Operation) Key() PositionKey {
	return PositionKey{VariationID: op.VariationID, LocationID: op.LocationID}
}

// IdempotencyKey returns the key guarding against double application.
func (op Operation) IdempotencyKey() IdempotencyKey {
	return IdempotencyKey{
		Type:        op.Type,
		RefType:     op.Reference.Type,
		RefID:       op.Reference.ID,
		LocationID:  op.LocationID,
		VariationID: op.VariationID,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// Validate checks the required fields of the operation's movement type.
func (op Operation) Validate() error {
	if !op.Type.Valid() {
		return invalid("unknown movement type %q", op.Type)
	}
	if op.BusinessID <= 0 || op.ProductID <= 0 || op.VariationID <= 0 || op.LocationID <= 0 {
		return invalid("business, product, variation and location are required")
	}
	if op.Reference.Type == "" || strings.TrimSpace(op.Reference.ID) == "" {
		return invalid("reference type and id are required")
	}
	if !op.Actor.Valid() {
		return invalid("actor is required")
	}
	if op.Quantity.IsZero() {
		return invalid("quantity must be non zero")
	}
	if op.Quantity.Exponent() < -MaxQuantityScale && !op.Quantity.Equal(op.Quantity.Round(MaxQuantityScale)) {
		return invalid("quantity supports at most %d decimal places", MaxQuantityScale)
	}
	switch op.Type.direction() {
	case 1:
		if !op.Quantity.IsPositive() {
			return invalid("%s quantity must be positive", op.Type)
		}
	case -1:
		if !op.Quantity.IsNegative() {
			return invalid("%s quantity must be negative", op.Type)
		}
	}
	if op.UnitCost.Valid && op.UnitCost.Decimal.IsNegative() {
		return invalid("unit cost must be >= 0")
	}
	switch op.Type {
	case MovementPurchase:
		if !op.UnitCost.Valid {
			return invalid("purchase requires a unit cost")
		}
	case MovementAdjustment:
		if strings.TrimSpace(op.Reason) == "" {
			return invalid("adjustment requires a reason")
		}
	}
	return nil
}

// MovementInput carries the fields shared by every movement type. Qty is a
// magnitude for directional types and a signed delta for adjustments.
type MovementInput struct {
	BusinessID  int64
	ProductID   int64
	VariationID int64
	LocationID  int64
	Qty         decimal.Decimal
	UnitCost    decimal.NullDecimal
	Reference   Reference
	Actor       shared.Actor
	Reason      string
	Note        string
}

// NewOperation builds and validates an operation, applying the sign convention of t.
func NewOperation(t MovementType, in MovementInput) (Operation, error) {
	qty := in.Qty
	switch t.direction() {
	case 1, -1:
		if !qty.IsPositive() {
			return Operation{}, invalid("%s quantity must be greater than zero", t)
		}
		if t.direction() < 0 {
			qty = qty.Neg()
		}
	}
	op := Operation{
		BusinessID:  in.BusinessID,
		ProductID:   in.ProductID,
		VariationID: in.VariationID,
		LocationID:  in.LocationID,
		Type:        t,
		Quantity:    qty,
		UnitCost:    in.UnitCost,
		Reference:   in.Reference,
		Actor:       in.Actor,
		Reason:      in.Reason,
		Note:        in.Note,
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Result is what a successful (or replayed) mutation reports.
type Result struct {
	Entry      LedgerEntry
	History    HistoryEntry
	NewBalance decimal.Decimal
	// Replayed is set when the operation had already been applied and the
	// earlier records are returned unchanged.
	Replayed bool
}

// PositionFilter narrows ListPositions.
type PositionFilter struct {
	BusinessID  int64
	LocationID  int64
	VariationID int64
	NonZeroOnly bool
	Limit       int
}

// EntryFilter narrows ledger and history queries. Results are in creation order.
type EntryFilter struct {
	VariationID int64
	LocationID  int64
	Types       []MovementType
	RefType     ReferenceType
	RefID       string
	From        time.Time
	To          time.Time
	AfterID     int64
	Limit       int
}

// DefaultListLimit caps list queries without an explicit limit.
const DefaultListLimit = 200

func (f EntryFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f EntryFilter) matches(e LedgerEntry) bool {
	if f.VariationID != 0 && e.VariationID != f.VariationID {
		return false
	}
	if f.LocationID != 0 && e.LocationID != f.LocationID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RefType != "" && e.RefType != f.RefType {
		return false
	}
	if f.RefID != "" && e.RefID != f.RefID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return e.ID > f.AfterID
}
