package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/vinayprograms/taskqueue/assign"
	"github.com/vinayprograms/taskqueue/bus"
	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/metrics"
	"github.com/vinayprograms/taskqueue/ratelimit"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// Operation names, used for spans, logs and metrics.
const (
	OpCreateTask    = "create_task"
	OpCompleteTask  = "complete_task"
	OpCancelTask    = "cancel_task"
	OpReceiveTasks  = "receive_tasks"
	OpUnassignTasks = "unassign_tasks"
	OpGetTask       = "get_task"
	OpListTasks     = "list_tasks"
	OpEvictScaler   = "evict_scaler"
)

// DefaultListLimit caps ListTasks when the caller passes no limit.
const DefaultListLimit = 100

// Queue is the public face of the task queue. It validates input, delegates
// to the lifecycle manager and the assignment engine, and records every
// call as a span, a log line and a metric.
type Queue struct {
	store     tasks.Store
	manager   *tasks.Manager
	engine    *assign.Engine
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *telemetry.Tracer
	publisher bus.MessageBus
	limiter   ratelimit.Limiter
	maxBatch  int
}

type options struct {
	now       func() time.Time
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *telemetry.Tracer
	publisher bus.MessageBus
	limiter   ratelimit.Limiter
	maxBatch  int
	maxRounds int
}

// Option configures a Queue.
type Option func(*options)

// WithClock sets the time source for created, assigned and completed times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithPublisher publishes task events on the bus.
func WithPublisher(b bus.MessageBus) Option {
	return func(o *options) { o.publisher = b }
}

// WithReceiveLimiter rejects ReceiveTasks calls from scalers over their
// rate with a RATE_LIMITED error.
func WithReceiveLimiter(l ratelimit.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithMaxBatchSize rejects ReceiveTasks calls asking for more than n tasks.
// Zero means no limit.
func WithMaxBatchSize(n int) Option {
	return func(o *options) { o.maxBatch = n }
}

// WithMaxClaimRounds sets the assignment engine's round limit.
func WithMaxClaimRounds(n int) Option {
	return func(o *options) { o.maxRounds = n }
}

// New creates a queue over a task store and a scaler lookup.
func New(store tasks.Store, scalers tasks.ScalerFinder, opts ...Option) *Queue {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.tracer == nil {
		o.tracer = telemetry.GetTracer()
	}

	return &Queue{
		store:   store,
		manager: tasks.NewManager(store, tasks.WithClock(o.now)),
		engine: assign.NewEngine(store, scalers,
			assign.WithClock(o.now),
			assign.WithMaxClaimRounds(o.maxRounds),
			assign.WithLogger(o.logger.WithComponent("assign")),
			assign.WithMetrics(o.metrics),
		),
		logger:    o.logger.WithComponent("queue"),
		metrics:   o.metrics,
		tracer:    o.tracer,
		publisher: o.publisher,
		limiter:   o.limiter,
		maxBatch:  o.maxBatch,
	}
}

// CreateTask adds a pending, unassigned task. urgency is "immediate", "day"
// or "week", in any case.
func (q *Queue) CreateTask(ctx context.Context, urgency string) (*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{Urgency: urgency}
	out, err := q.run(ctx, OpCreateTask, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		u, err := tasks.ParseUrgency(urgency)
		if err != nil {
			return nil, err
		}
		task, err := q.manager.Create(ctx, u)
		if err != nil {
			return nil, err
		}
		q.metrics.TaskCreated(u.String())
		return []*tasks.Task{task}, nil
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, EventCreated, "", out)
	return out[0], nil
}

// CompleteTask marks a task completed and clears its assignee. Completing a
// completed task returns it unchanged; completing a canceled task is a
// conflict.
func (q *Queue) CompleteTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	return q.finish(ctx, OpCompleteTask, EventCompleted, taskID, tasks.StatusCompleted)
}

// CancelTask marks a task canceled and clears its assignee. Canceling a
// canceled task returns it unchanged; canceling a completed task is a
// conflict.
func (q *Queue) CancelTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	return q.finish(ctx, OpCancelTask, EventCanceled, taskID, tasks.StatusCanceled)
}

func (q *Queue) finish(ctx context.Context, op string, kind EventKind, taskID string, target tasks.Status) (*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{TaskID: taskID, Status: string(target)}
	out, err := q.run(ctx, op, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		if taskID == "" {
			return nil, qerrors.InvalidArgument("task_id", "non-empty")
		}
		task, err := q.manager.SetStatus(ctx, taskID, target)
		if err != nil {
			return nil, err
		}
		q.metrics.TaskFinished(string(target))
		return []*tasks.Task{task}, nil
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, kind, "", out)
	return out[0], nil
}

// ReceiveTasks assigns up to batchSize of the most urgent, oldest pending
// tasks to the scaler. Fewer tasks, or none, are returned when the pool
// runs dry.
func (q *Queue) ReceiveTasks(ctx context.Context, scalerID string, batchSize int) ([]*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{ScalerID: scalerID, BatchSize: batchSize}
	out, err := q.run(ctx, OpReceiveTasks, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		if scalerID == "" {
			return nil, qerrors.InvalidArgument("scaler_id", "non-empty")
		}
		if batchSize <= 0 {
			return nil, qerrors.InvalidArgument("batch_size", "greater than 0")
		}
		if q.maxBatch > 0 && batchSize > q.maxBatch {
			return nil, qerrors.InvalidArgument("batch_size", "at most "+strconv.Itoa(q.maxBatch))
		}
		if q.limiter != nil {
			if ok, wait := q.limiter.Allow(scalerID); !ok {
				return nil, qerrors.RateLimited(scalerID, wait)
			}
		}
		return q.engine.ClaimBatch(ctx, scalerID, batchSize)
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, EventAssigned, scalerID, out)
	return out, nil
}

// UnassignTasks returns every pending task the scaler holds to the pool and
// reports them as they were before release.
func (q *Queue) UnassignTasks(ctx context.Context, scalerID string) ([]*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{ScalerID: scalerID}
	out, err := q.run(ctx, OpUnassignTasks, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		if scalerID == "" {
			return nil, qerrors.InvalidArgument("scaler_id", "non-empty")
		}
		return q.engine.ReleaseAll(ctx, scalerID)
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, EventReleased, scalerID, out)
	return out, nil
}

// EvictScaler releases the tasks of a scaler that no longer exists.
func (q *Queue) EvictScaler(ctx context.Context, scalerID string) ([]*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{ScalerID: scalerID}
	out, err := q.run(ctx, OpEvictScaler, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		return q.engine.Evict(ctx, scalerID)
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, EventReleased, scalerID, out)
	return out, nil
}

// GetTask returns a task by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{TaskID: taskID}
	out, err := q.run(ctx, OpGetTask, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		if taskID == "" {
			return nil, qerrors.InvalidArgument("task_id", "non-empty")
		}
		task, err := q.manager.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return []*tasks.Task{task}, nil
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ListTasks returns tasks matching filter, oldest first. limit 0 means
// DefaultListLimit.
func (q *Queue) ListTasks(ctx context.Context, filter tasks.Filter, limit int) ([]*tasks.Task, error) {
	attrs := telemetry.OperationSpanOptions{ScalerID: filter.Assignee, Status: string(filter.Status)}
	return q.run(ctx, OpListTasks, attrs, func(ctx context.Context) ([]*tasks.Task, error) {
		if limit < 0 {
			return nil, qerrors.InvalidArgument("limit", "not negative")
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return nil, qerrors.InvalidArgument("status", `one of "pending", "completed", "canceled"`)
		}
		if limit == 0 {
			limit = DefaultListLimit
		}
		found, err := q.store.FindMany(ctx, tasks.Query{Filter: filter, Sort: tasks.SortCreated, Limit: limit})
		if err != nil {
			return nil, tasks.WrapStoreError(err, "list tasks")
		}
		return found, nil
	})
}

// run wraps an operation with a span, a metric sample and a log line.
func (q *Queue) run(ctx context.Context, op string, attrs telemetry.OperationSpanOptions,
	fn func(context.Context) ([]*tasks.Task, error)) ([]*tasks.Task, error) {

	start := time.Now()
	ctx, span := q.tracer.StartOperationSpan(ctx, op)

	out, err := fn(ctx)
	if err == nil {
		attrs.Count = len(out)
		attrs.TaskIDs = taskIDs(out)
	}
	q.tracer.EndOperationSpan(span, attrs, err)

	elapsed := time.Since(start)
	code := qerrors.Code(err)
	if err != nil && code == "" {
		code = qerrors.ErrCodeInternal
	}
	q.metrics.ObserveOperation(op, string(code), elapsed)

	fields := map[string]interface{}{}
	if attrs.TaskID != "" {
		fields["task_id"] = attrs.TaskID
	}
	if attrs.ScalerID != "" {
		fields["scaler_id"] = attrs.ScalerID
	}
	if attrs.BatchSize != 0 {
		fields["batch_size"] = attrs.BatchSize
	}
	if err == nil {
		fields["count"] = len(out)
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	q.logger.Operation(op, elapsed, fields, err)

	return out, err
}

func taskIDs(ts []*tasks.Task) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}
