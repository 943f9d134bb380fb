package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateID indicates an insert reused the ID of an existing task.
var ErrDuplicateID = errors.New("duplicate task ID")

// DefaultOpTimeout bounds a single round trip to a remote backend when the
// caller's context carries no deadline.
const DefaultOpTimeout = 5 * time.Second

// maxCASAttempts bounds optimistic retries of a conditional update whose
// revision moved underneath it while the condition still held.
const maxCASAttempts = 16

// opContext applies the backend timeout unless ctx already has a deadline.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
