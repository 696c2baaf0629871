package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/transfers"
)

// Reconcile sweep outcomes.
const (
	ReconcileCompleted = "completed"
	ReconcileUnchanged = "unchanged"
	ReconcileFailed    = "failed"
)

// TransferReconciler is the slice of the transfer service used by the sweep.
type TransferReconciler interface {
	GetTransfer(ctx context.Context, id int64) (transfers.Transfer, error)
	ListStale(ctx context.Context, grace time.Duration, limit int) ([]transfers.Transfer, error)
	Reconcile(ctx context.Context, id int64, actor shared.Actor) (transfers.Progress, error)
}

// TransferReconcileJob reconciles transfers stuck in transit.
type TransferReconcileJob struct {
	Transfers   TransferReconciler
	Locker      *cache.Locker
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Grace       time.Duration
	Limit       int
	Concurrency int
}

// SweepResult counts the transfers visited by one sweep.
type SweepResult struct {
	Completed int
	Unchanged int
	Failed    int
}

// Handle runs the sweep under a distributed lock so one worker sweeps at a time.
func (j *TransferReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Transfers == nil {
		return errors.New("transfer reconcile: dependencies not configured")
	}
	var payload TransferReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskTransferReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	err := j.Locker.WithLock(ctx, shared.TransferReconcileLockKey(), 5*time.Minute, func(ctx context.Context) error {
		res, err := j.Sweep(ctx, payload)
		if err != nil {
			return err
		}
		j.log().Info("transfer reconcile sweep finished",
			slog.Int("completed", res.Completed),
			slog.Int("unchanged", res.Unchanged),
			slog.Int("failed", res.Failed),
		)
		return nil
	})
	if errors.Is(err, cache.ErrLockHeld) {
		j.log().Info("transfer reconcile sweep already running elsewhere")
		return resultErr
	}
	resultErr = err
	return resultErr
}

// Sweep reconciles the transfers selected by payload. Individual failures are
// counted and logged; they do not abort the sweep.
func (j *TransferReconcileJob) Sweep(ctx context.Context, payload TransferReconcilePayload) (SweepResult, error) {
	var candidates []transfers.Transfer
	if payload.TransferID > 0 {
		tr, err := j.Transfers.GetTransfer(ctx, payload.TransferID)
		if err != nil {
			return SweepResult{}, err
		}
		candidates = append(candidates, tr)
	} else {
		grace := payload.Grace
		if grace <= 0 {
			grace = j.Grace
		}
		limit := payload.Limit
		if limit <= 0 {
			limit = j.Limit
		}
		stale, err := j.Transfers.ListStale(ctx, grace, limit)
		if err != nil {
			return SweepResult{}, err
		}
		candidates = stale
	}

	var completed, unchanged, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	concurrency := j.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g.SetLimit(concurrency)
	for _, tr := range candidates {
		id := tr.ID
		g.Go(func() error {
			progress, err := j.Transfers.Reconcile(gctx, id, shared.SystemActor)
			switch {
			case err != nil:
				failed.Add(1)
				var recErr *transfers.ReconciliationError
				if errors.As(err, &recErr) {
					j.log().Warn("transfer needs review", slog.Int64("transfer_id", id), slog.Any("issues", recErr.Issues))
				} else {
					j.log().Error("reconcile transfer", slog.Int64("transfer_id", id), slog.Any("error", err))
				}
			case progress.Transfer.Status != tr.Status:
				completed.Add(1)
				j.log().Info("transfer completed by sweep", slog.Int64("transfer_id", id), slog.Int("in_legs", progress.InLegs()))
			default:
				unchanged.Add(1)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Completed: int(completed.Load()), Unchanged: int(unchanged.Load()), Failed: int(failed.Load())}
	j.Metrics.AddReconciled(ReconcileCompleted, res.Completed)
	j.Metrics.AddReconciled(ReconcileUnchanged, res.Unchanged)
	j.Metrics.AddReconciled(ReconcileFailed, res.Failed)
	return res, nil
}

func (j *TransferReconcileJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
