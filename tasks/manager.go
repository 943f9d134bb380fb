package tasks

import (
	"context"
	"errors"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// Manager owns task creation and the terminal status transitions.
// It is the only component that moves a task out of StatusPending.
type Manager struct {
	store Store
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source used for CreatedAt and CompletedAt.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new task manager backed by the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create inserts a new pending, unassigned task.
func (m *Manager) Create(ctx context.Context, urgency Urgency) (*Task, error) {
	if !urgency.Valid() {
		return nil, qerrors.InvalidArgument("urgency", urgencyConstraint)
	}

	// Truncated to the precision every backend can store.
	task := &Task{
		Urgency:   urgency,
		Status:    StatusPending,
		CreatedAt: m.now().UTC().Truncate(time.Microsecond),
	}

	id, err := m.store.Insert(ctx, task)
	if err != nil {
		return nil, WrapStoreError(err, "insert task")
	}
	task.ID = id

	return task, nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	task, err := m.store.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, qerrors.TaskNotFound(id)
	}
	if err != nil {
		return nil, WrapStoreError(err, "find task")
	}
	return task, nil
}

// SetStatus moves a pending task to a terminal status, dropping its assignee.
//
// Repeating the transition a task already went through returns the stored
// task unchanged. Moving between the two terminal statuses is a conflict.
func (m *Manager) SetStatus(ctx context.Context, id string, target Status) (*Task, error) {
	if !target.IsTerminal() {
		return nil, qerrors.InvalidArgument("status", `one of "completed", "canceled"`,
			qerrors.WithMetadata("value", string(target)))
	}

	task, err := m.store.ConditionalUpdate(ctx, id,
		Filter{Status: StatusPending},
		TerminalPatch(target, m.now().UTC()))
	switch {
	case err == nil:
		return task, nil
	case errors.Is(err, ErrNotFound):
		return nil, qerrors.TaskNotFound(id)
	case !errors.Is(err, ErrNotApplied):
		return nil, WrapStoreError(err, "update task status")
	}

	// Already terminal. Decide from the stored state.
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target {
		return current, nil
	}
	return nil, qerrors.Conflict(
		"task "+id+" is "+string(current.Status)+", cannot become "+string(target),
		qerrors.WithTaskID(id),
		qerrors.WithMetadata("status", string(current.Status)),
		qerrors.WithMetadata("target", string(target)),
	)
}
