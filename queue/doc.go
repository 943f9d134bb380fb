// Package queue is the entry point for creating, finishing, receiving and
// releasing tasks.
//
// Four operations make up the public surface:
//
//	q := queue.New(store, registry)
//
//	task, _ := q.CreateTask(ctx, "immediate")
//	batch, _ := q.ReceiveTasks(ctx, "scaler-1", 10)
//	_, _ = q.CompleteTask(ctx, batch[0].ID)
//	released, _ := q.UnassignTasks(ctx, "scaler-1")
//
// All input is validated before anything is written. Errors are
// *errors.Error values whose code tells the caller what happened:
// INVALID_INPUT, TASK_NOT_FOUND, SCALER_NOT_FOUND, CONFLICT, or a store
// failure such as UNAVAILABLE.
//
// # Events
//
// With WithPublisher, each state change is published on the bus as an
// Event on "taskqueue.events.<kind>". Delivery is best effort, and
// repeating a completion or cancellation publishes the event again, so
// consumers should treat events as idempotent.
//
// # Scaler removal
//
// WatchScalers follows a registry and releases the tasks of each scaler
// that is removed, so they return to the pool without an explicit
// UnassignTasks call.
package queue
