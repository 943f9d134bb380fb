package errors

import (
	"context"
	"errors"
	"fmt"
)

// find returns the first *Error in err's chain, or nil.
func find(err error) *Error {
	var qErr *Error
	if errors.As(err, &qErr) {
		return qErr
	}
	return nil
}

// Wrap adds context to err. A queue error keeps its code, category and
// metadata; any other error is classified from the context sentinels and
// otherwise becomes INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if qErr := find(err); qErr != nil {
		wrapped := *qErr
		wrapped.message = message
		wrapped.cause = err
		wrapped.metadata = qErr.Metadata()
		for _, opt := range opts {
			opt(&wrapped)
		}
		return &wrapped
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}
	return New(code, message, append(opts, WithCause(err))...)
}

func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps err under an explicit code, ignoring any code err
// already carries.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// AsQueueError returns the first queue error in err's chain, or nil.
func AsQueueError(err error) QueueError {
	if qErr := find(err); qErr != nil {
		return qErr
	}
	return nil
}

// Is reports whether the first queue error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	qErr := find(err)
	return qErr != nil && qErr.code == code
}

func IsCategory(err error, category ErrorCategory) bool {
	qErr := find(err)
	return qErr != nil && qErr.category == category
}

// IsRetryable is false for errors outside the taxonomy.
func IsRetryable(err error) bool {
	qErr := find(err)
	return qErr != nil && qErr.Retryable()
}

func IsNotFound(err error) bool {
	return Code(err).IsNotFound()
}

// Code is empty for errors outside the taxonomy.
func Code(err error) ErrorCode {
	if qErr := find(err); qErr != nil {
		return qErr.code
	}
	return ""
}

// GetMetadata is nil for errors outside the taxonomy.
func GetMetadata(err error) map[string]string {
	if qErr := find(err); qErr != nil {
		return qErr.Metadata()
	}
	return nil
}

// RecoverPanic converts a value from recover() into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprint(v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
