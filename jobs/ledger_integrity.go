package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// LedgerChecker is the slice of the coordinator used by the integrity job.
type LedgerChecker interface {
	Keys(ctx context.Context) ([]inventory.PositionKey, error)
	CheckIntegrity(ctx context.Context, key inventory.PositionKey) ([]inventory.Discrepancy, error)
}

// LedgerIntegrityJob replays every position's ledger and reports mismatches.
// Positions are never rewritten; findings go to logs and metrics.
type LedgerIntegrityJob struct {
	Ledger  LedgerChecker
	Locker  *cache.Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob constructs the handler.
func NewLedgerIntegrityJob(ledger LedgerChecker, locker *cache.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Ledger:  ledger,
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity check.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: ledger not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	err := j.Locker.WithLock(ctx, shared.LedgerIntegrityLockKey(), time.Hour, func(ctx context.Context) error {
		_, err := j.Check(ctx, payload)
		return err
	})
	if errors.Is(err, cache.ErrLockHeld) {
		j.log().Info("ledger integrity check already running elsewhere")
		return resultErr
	}
	resultErr = err
	return resultErr
}

// Check verifies the positions selected by payload and returns every discrepancy.
func (j *LedgerIntegrityJob) Check(ctx context.Context, payload LedgerIntegrityPayload) ([]inventory.Discrepancy, error) {
	start := j.now()
	var keys []inventory.PositionKey
	if payload.VariationID > 0 && payload.LocationID > 0 {
		keys = []inventory.PositionKey{{VariationID: payload.VariationID, LocationID: payload.LocationID}}
	} else {
		var err error
		keys, err = j.Ledger.Keys(ctx)
		if err != nil {
			j.log().Error("list position keys", slog.Any("error", err))
			return nil, err
		}
	}

	var found []inventory.Discrepancy
	byKind := make(map[string]int)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		discrepancies, err := j.Ledger.CheckIntegrity(ctx, key)
		if err != nil {
			j.log().Error("check position", slog.String("position", key.String()), slog.Any("error", err))
			return found, err
		}
		for _, d := range discrepancies {
			byKind[d.Kind]++
			j.log().Warn("ledger discrepancy",
				slog.String("position", d.Key.String()),
				slog.String("kind", d.Kind),
				slog.Int64("entry_id", d.EntryID),
				slog.String("expected", d.Expected.String()),
				slog.String("actual", d.Actual.String()),
			)
		}
		found = append(found, discrepancies...)
	}
	for kind, n := range byKind {
		j.Metrics.AddDiscrepancies(kind, n)
	}
	j.log().Info("ledger integrity check finished",
		slog.Int("positions", len(keys)),
		slog.Int("discrepancies", len(found)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return found, nil
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *LedgerIntegrityJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
