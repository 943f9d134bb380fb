package errors

// ErrorCategory decides how a caller should react to an error.
type ErrorCategory string

const (
	// CategoryTransient: the same call may succeed later (store timeout,
	// broker down, rate limit).
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent: the request itself is wrong and retrying it will
	// fail the same way.
	CategoryPermanent ErrorCategory = "permanent"
	CategoryInternal  ErrorCategory = "internal"
)

func (c ErrorCategory) String() string { return string(c) }

// IsRetryable holds for transient errors only.
func (c ErrorCategory) IsRetryable() bool { return c == CategoryTransient }

// ErrorCode is the stable, machine-readable name clients switch on.
type ErrorCode string

const (
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeTaskNotFound   ErrorCode = "TASK_NOT_FOUND"
	ErrCodeScalerNotFound ErrorCode = "SCALER_NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT" // transition not allowed from the task's status
	ErrCodeCanceled       ErrorCode = "CANCELED"

	ErrCodeInternal   ErrorCode = "INTERNAL"
	ErrCodeCorruption ErrorCode = "CORRUPTION" // stored record could not be decoded
	ErrCodePanic      ErrorCode = "PANIC"
)

type codeInfo struct {
	category    ErrorCategory
	description string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeTimeout:     {CategoryTransient, "operation timed out"},
	ErrCodeUnavailable: {CategoryTransient, "store temporarily unavailable"},
	ErrCodeRateLimited: {CategoryTransient, "request rate exceeded"},

	ErrCodeInvalidInput:   {CategoryPermanent, "invalid argument"},
	ErrCodeTaskNotFound:   {CategoryPermanent, "task not found"},
	ErrCodeScalerNotFound: {CategoryPermanent, "scaler not found"},
	ErrCodeConflict:       {CategoryPermanent, "conflicting task state"},
	ErrCodeCanceled:       {CategoryPermanent, "operation canceled"},

	ErrCodeInternal:   {CategoryInternal, "internal error"},
	ErrCodeCorruption: {CategoryInternal, "stored record is corrupt"},
	ErrCodePanic:      {CategoryInternal, "recovered from panic"},
}

func (c ErrorCode) String() string { return string(c) }

// DefaultCategory is CategoryInternal for unknown codes.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

func (c ErrorCode) IsNotFound() bool {
	return c == ErrCodeTaskNotFound || c == ErrCodeScalerNotFound
}

func (c ErrorCode) Description() string {
	if info, ok := codes[c]; ok {
		return info.description
	}
	return "unknown error"
}
