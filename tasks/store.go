package tasks

import (
	"context"
	"errors"
	"sort"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// Store errors. Backends return these unwrapped so callers can compare them.
var (
	// ErrNotFound indicates no record exists with the given ID.
	ErrNotFound = errors.New("record not found")

	// ErrNotApplied indicates a conditional update found the record but its
	// condition did not hold, so nothing was written.
	ErrNotApplied = errors.New("condition not met")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Filter selects tasks. Zero fields match anything.
// It doubles as the expected condition of a conditional update.
type Filter struct {
	// Status must equal this value when set.
	Status Status

	// Assignee must equal this value when set.
	Assignee string

	// Unassigned requires an empty assignee.
	Unassigned bool

	// Urgency must equal this value when set.
	Urgency Urgency
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.Unassigned && t.Assignee != "" {
		return false
	}
	if f.Urgency != 0 && t.Urgency != f.Urgency {
		return false
	}
	return true
}

// Eligible is the filter for tasks a scaler may claim.
func Eligible() Filter {
	return Filter{Status: StatusPending, Unassigned: true}
}

// HeldBy is the filter for tasks currently assigned to scalerID.
func HeldBy(scalerID string) Filter {
	return Filter{Status: StatusPending, Assignee: scalerID}
}

// Patch describes the fields an update writes. Nil fields are left alone.
type Patch struct {
	// Status replaces the status when set.
	Status Status

	// Assignee replaces the assignee when non-nil. An empty value clears
	// both the assignee and AssignedAt.
	Assignee *string

	// AssignedAt replaces the claim time when non-nil.
	AssignedAt *time.Time

	// CompletedAt replaces the completion time when non-nil.
	CompletedAt *time.Time
}

// Apply writes the patch into t.
func (p Patch) Apply(t *Task) {
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
		if t.Assignee == "" {
			t.AssignedAt = nil
		}
	}
	if p.AssignedAt != nil {
		at := *p.AssignedAt
		t.AssignedAt = &at
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		t.CompletedAt = &at
	}
}

// AssignPatch hands a task to scalerID.
func AssignPatch(scalerID string, at time.Time) Patch {
	return Patch{Assignee: &scalerID, AssignedAt: &at}
}

// ReleasePatch returns a task to the eligible pool.
func ReleasePatch() Patch {
	empty := ""
	return Patch{Assignee: &empty}
}

// TerminalPatch moves a task to a terminal status and drops its assignee.
// CompletedAt is stamped only for StatusCompleted.
func TerminalPatch(status Status, at time.Time) Patch {
	p := ReleasePatch()
	p.Status = status
	if status == StatusCompleted {
		p.CompletedAt = &at
	}
	return p
}

// SortOrder selects the ordering of a scan.
type SortOrder int

const (
	// SortNone leaves ordering to the backend.
	SortNone SortOrder = iota

	// SortPriority orders by urgency (most urgent first), then by creation
	// time (oldest first), then by ID.
	SortPriority

	// SortCreated orders by creation time (oldest first), then by ID.
	SortCreated
)

// Less reports whether a sorts before b. IDs from NewID break creation-time
// ties in insert order.
func (o SortOrder) Less(a, b *Task) bool {
	if o == SortPriority && a.Urgency != b.Urgency {
		return a.Urgency > b.Urgency
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders ts in place.
func (o SortOrder) Sort(ts []*Task) {
	if o == SortNone {
		return
	}
	sort.SliceStable(ts, func(i, j int) bool {
		return o.Less(ts[i], ts[j])
	})
}

// Query describes a range scan.
type Query struct {
	Filter Filter
	Sort   SortOrder

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Select filters, sorts and limits an unordered snapshot of tasks. Backends
// without native query support use it to answer FindMany.
func (q Query) Select(all []*Task) []*Task {
	var matched []*Task
	for _, t := range all {
		if q.Filter.Matches(t) {
			matched = append(matched, t)
		}
	}
	q.Sort.Sort(matched)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// Store is durable task storage.
//
// ConditionalUpdate is the primitive that makes claims safe: it must check
// the condition and write the patch as one atomic step per task.
type Store interface {
	// Insert stores a new task, assigning its ID when empty.
	// Returns the ID.
	Insert(ctx context.Context, task *Task) (string, error)

	// FindByID returns the task with the given ID.
	// Returns ErrNotFound if it does not exist.
	FindByID(ctx context.Context, id string) (*Task, error)

	// FindMany returns tasks matching the query.
	FindMany(ctx context.Context, q Query) ([]*Task, error)

	// ConditionalUpdate applies patch only if the task currently matches cond.
	// Returns the updated task, ErrNotFound, or ErrNotApplied.
	ConditionalUpdate(ctx context.Context, id string, cond Filter, patch Patch) (*Task, error)

	// UpdateMany applies patch to every task matching filter and returns the
	// count. It need not be atomic across tasks.
	UpdateMany(ctx context.Context, filter Filter, patch Patch) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// ScalerFinder resolves scaler IDs. The queue never creates or removes
// scalers.
type ScalerFinder interface {
	// FindScaler returns the scaler with the given ID.
	// Returns ErrNotFound if it does not exist.
	FindScaler(ctx context.Context, id string) (*Scaler, error)
}

// WrapStoreError classifies a backend failure. Errors that already carry a
// code keep it; everything else is reported as the store being unavailable.
func WrapStoreError(err error, op string) error {
	if err == nil {
		return nil
	}
	if qerrors.AsQueueError(err) != nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return qerrors.Wrap(err, op)
	}
	if errors.Is(err, ErrStoreClosed) {
		return qerrors.WrapWithCode(err, qerrors.ErrCodeUnavailable, op,
			qerrors.WithRetryable(false))
	}
	return qerrors.WrapWithCode(err, qerrors.ErrCodeUnavailable, op)
}
