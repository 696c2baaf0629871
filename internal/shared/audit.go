package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions that notification collaborators subscribe to.
const (
	AuditReceiptRejected              = "receipt.rejected"
	AuditLargeAdjustment              = "adjustment.large"
	AuditTransferReconciliationFailed = "transfer.reconciliation_failed"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// Validate checks the mandatory fields.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// AuditRecorder receives audit logs.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditChain forwards each log to every recorder in order.
type AuditChain []AuditRecorder

// Record implements AuditRecorder. All recorders are attempted; failures are joined.
func (c AuditChain) Record(ctx context.Context, log AuditLog) error {
	var errs []error
	for _, recorder := range c {
		if recorder == nil {
			continue
		}
		if err := recorder.Record(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}
