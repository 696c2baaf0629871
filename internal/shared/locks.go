package shared

import "fmt"

// TransferReconcileLockKey guards the stale transfer sweep so only one worker runs it.
func TransferReconcileLockKey() string {
	return "stockledger:transfers:reconcile:lock"
}

// LedgerIntegrityLockKey guards the nightly ledger replay check.
func LedgerIntegrityLockKey() string {
	return "stockledger:ledger:integrity:lock"
}

// TransferKey identifies a single transfer for in-process coalescing.
func TransferKey(transferID int64) string {
	return fmt.Sprintf("transfer:%d", transferID)
}
