package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Discrepancy kinds reported by VerifyLedger.
const (
	DiscrepancyRunningBalance = "running_balance"
	DiscrepancyPosition       = "position"
	DiscrepancyNegative       = "negative_balance"
	DiscrepancyForeignEntry   = "foreign_entry"
)

// Discrepancy is a single violation of the replay invariant.
type Discrepancy struct {
	Key      PositionKey
	EntryID  int64
	Kind     string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s at %s entry %d: expected %s, got %s", d.Kind, d.Key, d.EntryID, d.Expected, d.Actual)
}

// Replay sums the quantities of entries.
func Replay(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Quantity)
	}
	return total
}

// VerifyLedger checks that entries (in creation order) for key reproduce position:
// each entry's balanceQty equals the running sum, enforcing movements never go
// negative, and the final sum equals the stored quantity.
func VerifyLedger(key PositionKey, position decimal.Decimal, entries []LedgerEntry) []Discrepancy {
	var out []Discrepancy
	running := decimal.Zero
	for _, e := range entries {
		if e.Key() != key {
			out = append(out, Discrepancy{Key: key, EntryID: e.ID, Kind: DiscrepancyForeignEntry})
			continue
		}
		running = running.Add(e.Quantity)
		if !e.BalanceQty.Equal(running) {
			out = append(out, Discrepancy{Key: key, EntryID: e.ID, Kind: DiscrepancyRunningBalance, Expected: running, Actual: e.BalanceQty})
		}
		if running.IsNegative() && e.Type.EnforcesNonNegative(e.Quantity) {
			out = append(out, Discrepancy{Key: key, EntryID: e.ID, Kind: DiscrepancyNegative, Expected: decimal.Zero, Actual: running})
		}
	}
	if !running.Equal(position) {
		out = append(out, Discrepancy{Key: key, Kind: DiscrepancyPosition, Expected: running, Actual: position})
	}
	return out
}
