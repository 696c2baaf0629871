package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries audit events for notification collaborators.
	QueueEvents = "events"

	// TaskStockEvent delivers one audit event raised after a stock commit.
	TaskStockEvent = "stock:event"
	// TaskTransferReconcile sweeps transfers stuck in transit.
	TaskTransferReconcile = "transfers:reconcile"
	// TaskLedgerIntegrity replays the ledger of every position.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// StockEventPayload is the serialised audit event.
type StockEventPayload struct {
	Event shared.AuditLog `json:"event"`
}

// NewStockEventTask wraps an audit event in an Asynq task.
func NewStockEventTask(log shared.AuditLog) (*asynq.Task, error) {
	body, err := json.Marshal(StockEventPayload{Event: log})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockEvent, body, asynq.Queue(QueueEvents), asynq.MaxRetry(5)), nil
}

// TransferReconcilePayload scopes a reconciliation sweep.
type TransferReconcilePayload struct {
	// TransferID reconciles a single transfer when set.
	TransferID int64         `json:"transfer_id,omitempty"`
	Grace      time.Duration `json:"grace,omitempty"`
	Limit      int           `json:"limit,omitempty"`
}

// NewTransferReconcileTask constructs the sweep task. A zero transferID sweeps
// every transfer in transit longer than grace.
func NewTransferReconcileTask(transferID int64, grace time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(TransferReconcilePayload{TransferID: transferID, Grace: grace})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferReconcile, body, asynq.Queue(QueueDefault)), nil
}

// LedgerIntegrityPayload optionally narrows the check to one position.
type LedgerIntegrityPayload struct {
	VariationID int64 `json:"variation_id,omitempty"`
	LocationID  int64 `json:"location_id,omitempty"`
}

// NewLedgerIntegrityTask constructs the integrity task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the retention window.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
