package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// DefaultIdempotencyRetention keeps document creation keys for 30 days.
const DefaultIdempotencyRetention = 720 * time.Hour

// IdempotencyPruner deletes completed keys older than a cutoff.
type IdempotencyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob prunes the document idempotency store.
type IdempotencyCleanupJob struct {
	Store     IdempotencyPruner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: store not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := payload.OlderThan
	if retention <= 0 {
		retention = j.Retention
	}
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}

	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	removed, err := j.Store.Cleanup(ctx, retention)
	if err != nil {
		j.log().Error("idempotency cleanup", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("idempotency keys pruned", slog.Int64("removed", removed), slog.Duration("older_than", retention))
	return tracker.End(nil)
}

func (j *IdempotencyCleanupJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
