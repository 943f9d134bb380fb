package assign

import (
	"context"
	"errors"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/metrics"
	"github.com/vinayprograms/taskqueue/tasks"
)

// DefaultMaxClaimRounds bounds how many scan-and-claim rounds one ClaimBatch
// call runs before returning what it has.
const DefaultMaxClaimRounds = 8

// Engine hands pending tasks to scalers and takes them back.
type Engine struct {
	store     tasks.Store
	scalers   tasks.ScalerFinder
	now       func() time.Time
	maxRounds int
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for assignment timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMaxClaimRounds sets the round limit for ClaimBatch. Values below 1
// are ignored.
func WithMaxClaimRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithLogger sets the logger for claim rounds.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records claim and release counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine over a task store and a scaler lookup.
func NewEngine(store tasks.Store, scalers tasks.ScalerFinder, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		scalers:   scalers,
		now:       time.Now,
		maxRounds: DefaultMaxClaimRounds,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClaimBatch assigns up to batchSize eligible tasks to the scaler, most
// urgent and then oldest first. Each task is taken with its own
// compare-and-set, so a task lost to a concurrent caller is skipped and the
// next round rescans for replacements. Running out of eligible tasks is not
// an error: the result may hold fewer than batchSize tasks, or none.
func (e *Engine) ClaimBatch(ctx context.Context, scalerID string, batchSize int) ([]*tasks.Task, error) {
	if batchSize <= 0 {
		return nil, qerrors.InvalidArgument("batch_size", "greater than 0")
	}
	if err := e.checkScaler(ctx, scalerID); err != nil {
		return nil, err
	}

	claimed := make([]*tasks.Task, 0, batchSize)
	var rounds, lostTotal int

	for rounds < e.maxRounds && len(claimed) < batchSize {
		rounds++

		candidates, err := e.store.FindMany(ctx, tasks.Query{
			Filter: tasks.Eligible(),
			Sort:   tasks.SortPriority,
			Limit:  batchSize - len(claimed),
		})
		if err != nil {
			return nil, e.abort(ctx, scalerID, claimed, tasks.WrapStoreError(err, "scan eligible tasks"))
		}
		if len(candidates) == 0 {
			e.logger.ClaimRound(scalerID, rounds, 0, 0, 0)
			break
		}

		at := e.now().UTC().Truncate(time.Microsecond)
		won, lost := 0, 0
		for _, candidate := range candidates {
			task, err := e.store.ConditionalUpdate(ctx, candidate.ID, tasks.Eligible(), tasks.AssignPatch(scalerID, at))
			switch {
			case err == nil:
				claimed = append(claimed, task)
				won++
			case errors.Is(err, tasks.ErrNotApplied), errors.Is(err, tasks.ErrNotFound):
				lost++
			default:
				return nil, e.abort(ctx, scalerID, claimed, tasks.WrapStoreError(err, "claim task"))
			}
		}

		e.logger.ClaimRound(scalerID, rounds, len(candidates), won, lost)
		lostTotal += lost
		if lost == 0 {
			break
		}
	}

	// Later rounds can pick up tasks created after the first scan.
	tasks.SortPriority.Sort(claimed)

	e.metrics.ClaimFinished(len(claimed), rounds, lostTotal)
	return claimed, nil
}

// abort gives back the tasks claimed so far in a failed ClaimBatch call, so
// the caller never holds tasks it was not told about.
func (e *Engine) abort(ctx context.Context, scalerID string, claimed []*tasks.Task, cause error) error {
	if len(claimed) == 0 {
		return cause
	}

	ctx = context.WithoutCancel(ctx)
	returned := 0
	for _, task := range claimed {
		if _, err := e.store.ConditionalUpdate(ctx, task.ID, tasks.HeldBy(scalerID), tasks.ReleasePatch()); err == nil {
			returned++
		}
	}

	e.logger.Warn("claim_aborted", map[string]interface{}{
		"scaler_id": scalerID,
		"claimed":   len(claimed),
		"returned":  returned,
		"error":     cause.Error(),
	})
	e.metrics.TasksReleased(returned)
	return cause
}

// ReleaseAll clears the assignee of every pending task the scaler holds and
// returns those tasks as they were before the release.
func (e *Engine) ReleaseAll(ctx context.Context, scalerID string) ([]*tasks.Task, error) {
	if err := e.checkScaler(ctx, scalerID); err != nil {
		return nil, err
	}
	return e.release(ctx, scalerID)
}

// Evict releases a scaler's tasks without checking that the scaler still
// exists. It is used when a scaler has already been deregistered.
func (e *Engine) Evict(ctx context.Context, scalerID string) ([]*tasks.Task, error) {
	if scalerID == "" {
		return nil, qerrors.InvalidArgument("scaler_id", "non-empty")
	}
	return e.release(ctx, scalerID)
}

func (e *Engine) release(ctx context.Context, scalerID string) ([]*tasks.Task, error) {
	held, err := e.store.FindMany(ctx, tasks.Query{
		Filter: tasks.HeldBy(scalerID),
		Sort:   tasks.SortPriority,
	})
	if err != nil {
		return nil, tasks.WrapStoreError(err, "scan held tasks")
	}
	if len(held) == 0 {
		return held, nil
	}

	n, err := e.store.UpdateMany(ctx, tasks.HeldBy(scalerID), tasks.ReleasePatch())
	if err != nil {
		return nil, tasks.WrapStoreError(err, "release tasks")
	}

	e.metrics.TasksReleased(n)
	return held, nil
}

func (e *Engine) checkScaler(ctx context.Context, scalerID string) error {
	if _, err := e.scalers.FindScaler(ctx, scalerID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return qerrors.ScalerNotFound(scalerID)
		}
		return tasks.WrapStoreError(err, "look up scaler")
	}
	return nil
}
