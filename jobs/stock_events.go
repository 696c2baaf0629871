package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// EventSink receives delivered stock events. Delivery mechanics live with the
// notification collaborators; the default sink logs.
type EventSink interface {
	Deliver(ctx context.Context, event shared.AuditLog) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs event.
func (s LogSink) Deliver(ctx context.Context, event shared.AuditLog) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "stock event",
		slog.String("action", event.Action),
		slog.String("entity", event.Entity),
		slog.String("entity_id", event.EntityID),
		slog.Int64("actor_id", event.ActorID),
		slog.Any("meta", event.Meta),
	)
	return nil
}

// StockEventJob hands queued audit events to a sink.
type StockEventJob struct {
	Sink    EventSink
	Audit   shared.AuditRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockEventJob constructs the handler. audit, when set, also persists the
// event (audit_logs table).
func NewStockEventJob(sink EventSink, audit shared.AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockEventJob {
	return &StockEventJob{Sink: sink, Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle delivers one event.
func (j *StockEventJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sink == nil {
		return errors.New("stock event: sink not configured")
	}
	var payload StockEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := payload.Event.Validate(); err != nil {
		j.log().Warn("drop invalid stock event", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskStockEvent)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Audit != nil {
		if err := j.Audit.Record(ctx, payload.Event); err != nil {
			resultErr = err
			j.log().Error("persist stock event", slog.String("action", payload.Event.Action), slog.Any("error", err))
			return resultErr
		}
	}
	if err := j.Sink.Deliver(ctx, payload.Event); err != nil {
		resultErr = err
		j.log().Error("deliver stock event", slog.String("action", payload.Event.Action), slog.Any("error", err))
		return resultErr
	}
	return resultErr
}

func (j *StockEventJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Record lets LogSink stand in as the audit recorder when no queue is configured.
func (s LogSink) Record(ctx context.Context, event shared.AuditLog) error {
	return s.Deliver(ctx, event)
}
