// Package tasks defines the task model, the storage contract and the task
// lifecycle manager.
//
// A task is created pending and unassigned. While pending it may be claimed
// by exactly one scaler (see package assign) and released again any number
// of times. It leaves pending exactly once, to completed or canceled, and
// never returns.
//
//	pending ──claim──▶ pending(assigned) ──release──▶ pending
//	   │                      │
//	   └──────────┬───────────┘
//	              ▼
//	    completed | canceled
//
// # Basic Usage
//
//	store := store.NewMemoryStore()
//	mgr := tasks.NewManager(store)
//
//	task, err := mgr.Create(ctx, tasks.UrgencyDay)
//	// ...
//	task, err = mgr.SetStatus(ctx, task.ID, tasks.StatusCompleted)
//
// # Storage
//
// Backends implement Store. The only atomicity they must provide is
// ConditionalUpdate on a single task: the condition check and the write
// happen as one step, so two callers racing on the same task can never both
// succeed.
//
// # Repeated Transitions
//
// Completing a completed task or canceling a canceled one returns the stored
// task unchanged; CompletedAt keeps its first value. Completing a canceled
// task, or canceling a completed one, fails with a CONFLICT error.
package tasks
