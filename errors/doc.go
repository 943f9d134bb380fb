// Package errors provides the structured error taxonomy returned by the task
// queue. Every failure surfaced by the queue, its transports and its stores is
// an *Error carrying a code, a category and enough metadata (parameter name,
// expected constraint, task or scaler ID) to build an actionable message.
//
// # Error Categories
//
//   - Transient: the store or broker was unreachable; retry may succeed
//   - Permanent: invalid input, unknown task or scaler, state conflicts
//   - Internal: bugs and corrupted records
//
// # Usage
//
// Reject an argument:
//
//	return errors.InvalidArgument("batch_size", "greater than 0")
//
// Distinguish not-found kinds:
//
//	if errors.Is(err, errors.ErrCodeScalerNotFound) {
//	    // register the scaler first
//	}
//
// The sentinels work with the standard library as well:
//
//	stderrors.Is(err, errors.ErrTaskNotFound)
//
// # JSON Serialization
//
// Errors marshal to JSON so transports can return them verbatim:
//
//	data, _ := json.Marshal(qErr)
package errors
