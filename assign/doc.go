// Package assign decides which scaler gets which task.
//
// ClaimBatch scans pending, unassigned tasks in priority order (urgency
// descending, then creation time ascending) and claims them one at a time
// with the store's conditional update:
//
//	candidates := FindMany(eligible, by priority, limit = remaining)
//	for each candidate:
//	    ConditionalUpdate(id, eligible, assignee = scaler)
//	    applied      -> claimed
//	    not applied  -> lost to another caller, skipped
//
// Rounds repeat while the batch is short and the previous round lost at
// least one race, up to a fixed limit. No lock is held across calls, and a
// task is never assigned to two scalers because the claim condition and the
// write are one atomic step in every store.
//
// ReleaseAll hands a scaler's pending tasks back to the pool. Tasks that
// reached a terminal status are not touched.
package assign
