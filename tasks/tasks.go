package tasks

import (
	"time"

	"github.com/google/uuid"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting for, or held by, a scaler.
	StatusPending Status = "pending"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusCanceled indicates the task was withdrawn before completion.
	StatusCanceled Status = "canceled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Urgency is the closed, totally ordered priority of a task.
// Higher values are more urgent.
type Urgency int

const (
	UrgencyWeek Urgency = iota + 1
	UrgencyDay
	UrgencyImmediate
)

var urgencyNames = map[Urgency]string{
	UrgencyWeek:      "week",
	UrgencyDay:       "day",
	UrgencyImmediate: "immediate",
}

// urgencyConstraint is reported when parsing fails.
const urgencyConstraint = `one of "immediate", "day", "week"`

// ParseUrgency converts the wire name of an urgency into its ordinal. Only
// the exact lowercase names are accepted.
func ParseUrgency(s string) (Urgency, error) {
	switch s {
	case "immediate":
		return UrgencyImmediate, nil
	case "day":
		return UrgencyDay, nil
	case "week":
		return UrgencyWeek, nil
	}
	return 0, qerrors.InvalidArgument("urgency", urgencyConstraint,
		qerrors.WithMetadata("value", s))
}

// String returns the wire name of the urgency.
func (u Urgency) String() string {
	if name, ok := urgencyNames[u]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether u is one of the known urgencies.
func (u Urgency) Valid() bool {
	_, ok := urgencyNames[u]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (u Urgency) MarshalText() ([]byte, error) {
	if !u.Valid() {
		return nil, qerrors.InvalidArgument("urgency", urgencyConstraint)
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Urgency) UnmarshalText(text []byte) error {
	parsed, err := ParseUrgency(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Task represents a unit of work queued for a scaler.
type Task struct {
	// ID is the unique identifier, assigned by the store on insert.
	ID string `json:"id"`

	// Urgency orders assignment. Immutable once created.
	Urgency Urgency `json:"urgency"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Assignee is the scaler currently holding the task, empty when unassigned.
	// Only pending tasks may be assigned.
	Assignee string `json:"assignee,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// AssignedAt is when the current assignee claimed the task.
	AssignedAt *time.Time `json:"assigned_at,omitempty"`

	// CompletedAt is set once, when the task is completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Assigned reports whether a scaler currently holds the task.
func (t *Task) Assigned() bool {
	return t.Assignee != ""
}

// Clone creates a deep copy of the task.
// NewID returns a UUIDv7. Its text sorts in generation order within a
// process, so tasks created in the same clock tick keep their creation order
// on the ID tie-break.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (t *Task) Clone() *Task {
	clone := &Task{
		ID:        t.ID,
		Urgency:   t.Urgency,
		Status:    t.Status,
		Assignee:  t.Assignee,
		CreatedAt: t.CreatedAt,
	}

	if t.AssignedAt != nil {
		assigned := *t.AssignedAt
		clone.AssignedAt = &assigned
	}

	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}

	return clone
}

// Scaler is a worker that claims tasks. Scalers are registered by an external
// collaborator; the queue only checks that they exist.
type Scaler struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}
