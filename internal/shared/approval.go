package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a submit action.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject action.
	ApprovalReject ApprovalAction = "REJECT"
)

// Approval modules.
const (
	ModuleGoodsReceipt = "GRN"
	ModuleCorrection   = "CORRECTION"
)

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   uuid.UUID
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// ApprovalRef derives the stable approval reference of a document.
func ApprovalRef(module string, documentID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("stockledger:%s:%d", module, documentID)))
}

func (l ApprovalLog) validate() error {
	if l.Module == "" {
		return errors.New("approval module required")
	}
	if l.ActorID == 0 {
		return errors.New("approval actor required")
	}
	if l.RefID == uuid.Nil {
		return errors.New("approval ref id required")
	}
	if l.Action == "" {
		return errors.New("approval action required")
	}
	return nil
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.Module, log.RefID, log.ActorID, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns approvals for module/ref.
func (r *ApprovalRecorder) List(ctx context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// MemoryApprovalRecorder keeps approval history in process memory.
type MemoryApprovalRecorder struct {
	mu   sync.Mutex
	logs []ApprovalLog
}

// NewMemoryApprovalRecorder constructs an empty recorder.
func NewMemoryApprovalRecorder() *MemoryApprovalRecorder {
	return &MemoryApprovalRecorder{}
}

// Record appends the log.
func (r *MemoryApprovalRecorder) Record(_ context.Context, log ApprovalLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = int64(len(r.logs) + 1)
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	r.logs = append(r.logs, log)
	return nil
}

// List returns approvals for module/ref in recording order.
func (r *MemoryApprovalRecorder) List(_ context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ApprovalLog
	for _, l := range r.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}
