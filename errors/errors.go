package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// QueueError is what every queue operation returns on failure.
type QueueError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete QueueError. Build one with New or a constructor
// such as TaskNotFound; the zero value is not useful.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil: decided by category
	timestamp time.Time
	taskID    string
	scalerID  string
}

var (
	_ QueueError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidInput   = FromCode(ErrCodeInvalidInput)
	ErrTaskNotFound   = FromCode(ErrCodeTaskNotFound)
	ErrScalerNotFound = FromCode(ErrCodeScalerNotFound)
	ErrConflict       = FromCode(ErrCodeConflict)
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Message() string         { return e.message }
func (e *Error) Unwrap() error           { return e.cause }
func (e *Error) Timestamp() time.Time    { return e.timestamp }
func (e *Error) TaskID() string          { return e.taskID }
func (e *Error) ScalerID() string        { return e.scalerID }

func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy; callers may modify it.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// wireError is the JSON form clients see in HTTP bodies and JSON-RPC data.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp time.Time         `json:"timestamp,omitzero"`
	TaskID    string            `json:"task_id,omitempty"`
	ScalerID  string            `json:"scaler_id,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Timestamp: e.timestamp,
		TaskID:    e.taskID,
		ScalerID:  e.scalerID,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds an error received from a server. The cause
// survives as text only.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	retryable := w.Retryable
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		metadata:  w.Metadata,
		retryable: &retryable,
		timestamp: w.Timestamp,
		taskID:    w.TaskID,
		scalerID:  w.ScalerID,
	}
	if w.Cause != "" {
		e.cause = textError(w.Cause)
	}
	return nil
}

type textError string

func (t textError) Error() string { return string(t) }

// Option adjusts an Error under construction.
type Option func(*Error)

func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable overrides the category's retry default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 2)
		}
		e.metadata[key] = value
	}
}

// WithTaskID records the task both as a field and as task_id metadata.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
		WithMetadata("task_id", id)(e)
	}
}

// WithScalerID records the scaler both as a field and as scaler_id metadata.
func WithScalerID(id string) Option {
	return func(e *Error) {
		e.scalerID = id
		WithMetadata("scaler_id", id)(e)
	}
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error in the code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error whose message is the code's description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidArgument reports a rejected parameter together with the constraint
// it failed, e.g. InvalidArgument("batch_size", "greater than 0").
func InvalidArgument(param, constraint string, opts ...Option) *Error {
	opts = append([]Option{
		WithMetadata("param", param),
		WithMetadata("constraint", constraint),
	}, opts...)
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: must be %s", param, constraint), opts...)
}

func TaskNotFound(taskID string, opts ...Option) *Error {
	return New(ErrCodeTaskNotFound, "task "+taskID+" not found",
		append([]Option{WithTaskID(taskID)}, opts...)...)
}

func ScalerNotFound(scalerID string, opts ...Option) *Error {
	return New(ErrCodeScalerNotFound, "scaler "+scalerID+" not found",
		append([]Option{WithScalerID(scalerID)}, opts...)...)
}

// RateLimited reports a scaler calling faster than allowed. retryAfter is
// the wait until the next call can succeed.
func RateLimited(scalerID string, retryAfter time.Duration, opts ...Option) *Error {
	opts = append([]Option{
		WithScalerID(scalerID),
		WithMetadata("retry_after_ms", strconv.FormatInt(retryAfter.Milliseconds(), 10)),
	}, opts...)
	return New(ErrCodeRateLimited, "scaler "+scalerID+" exceeded its receive rate", opts...)
}

// Conflict reports a transition the task's current state does not allow.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}
