// Package store provides the task storage backends.
//
// Every backend implements tasks.Store:
//
//   - MemoryStore: sharded in-process maps, for tests and single-node use
//   - NATSStore: JetStream KV, one key per task, revisions as the CAS token
//   - PostgresStore: a tasks table, conditional UPDATE ... RETURNING
//   - RedisStore: one key per task plus a set index, WATCH/MULTI as the CAS
//
// # Atomicity
//
// ConditionalUpdate is atomic per task on every backend. Scans
// (FindMany) and bulk updates (UpdateMany) are not isolated from concurrent
// writers; callers that need exclusivity go through ConditionalUpdate.
//
// # Usage
//
//	s := store.NewMemoryStore()
//	defer s.Close()
//
//	id, err := s.Insert(ctx, &tasks.Task{Urgency: tasks.UrgencyDay, Status: tasks.StatusPending})
//
//	task, err := s.ConditionalUpdate(ctx, id, tasks.Eligible(), tasks.AssignPatch("scaler-1", time.Now()))
//	if errors.Is(err, tasks.ErrNotApplied) {
//	    // someone else claimed it
//	}
package store
