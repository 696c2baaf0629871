package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/jobs"
)

// Job names accepted by Trigger.
const (
	JobReconcile = "reconcile"
	JobIntegrity = "integrity"
	JobCleanup   = "cleanup"
)

// Inspector is the slice of asynq.Inspector the CLI reads.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    jobs.Enqueuer
	inspector Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues a supported job by name. For reconcile, arg is an optional
// transfer id; for integrity an optional "variation:location" key; for cleanup
// an optional retention duration.
func (c *JobsCLI) Trigger(ctx context.Context, name, arg string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var (
		task *asynq.Task
		err  error
	)
	switch name {
	case JobReconcile:
		var id int64
		if arg != "" {
			if id, err = strconv.ParseInt(arg, 10, 64); err != nil {
				return nil, fmt.Errorf("jobs cli: transfer id %q: %w", arg, err)
			}
		}
		task, err = jobs.NewTransferReconcileTask(id, 0)
	case JobIntegrity:
		var payload jobs.LedgerIntegrityPayload
		if arg != "" {
			if _, err = fmt.Sscanf(arg, "%d:%d", &payload.VariationID, &payload.LocationID); err != nil {
				return nil, fmt.Errorf("jobs cli: position %q, want variation:location: %w", arg, err)
			}
		}
		task, err = jobs.NewLedgerIntegrityTask(payload)
	case JobCleanup:
		var retention time.Duration
		if arg != "" {
			if retention, err = time.ParseDuration(arg); err != nil {
				return nil, fmt.Errorf("jobs cli: retention %q: %w", arg, err)
			}
		}
		task, err = jobs.NewIdempotencyCleanupTask(retention)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for queue.
func (c *JobsCLI) InspectQueue(queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: queue}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// RunJobs executes `stockd jobs <trigger|stats|scheduled> ...`.
func RunJobs(ctx context.Context, redisAddr string, args []string, out io.Writer) error {
	c := NewJobsCLI(redisAddr)
	defer c.Close()
	return c.Run(ctx, args, out)
}

// Run dispatches one CLI invocation.
func (c *JobsCLI) Run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: jobs trigger <reconcile|integrity|cleanup> [arg] | jobs stats | jobs scheduled")
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("usage: jobs trigger <reconcile|integrity|cleanup> [arg]")
		}
		arg := ""
		if len(args) > 2 {
			arg = args[2]
		}
		info, err := c.Trigger(ctx, args[1], arg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return err
	case "stats":
		for _, queue := range []string{jobs.QueueDefault, jobs.QueueEvents} {
			stats, err := c.InspectQueue(queue)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry); err != nil {
				return err
			}
		}
		return nil
	case "scheduled":
		tasks, err := c.ListScheduled(20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if _, err := fmt.Fprintf(out, "%s %s at %s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("jobs cli: unknown subcommand %q", args[0])
	}
}
