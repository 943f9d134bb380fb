// Package registry provides scaler registration and lookup.
//
// # Available Implementations
//
//   - MemoryRegistry: in-memory, for testing and single-node use
//   - NATSRegistry: JetStream KV bucket shared by every node
//   - PostgresRegistry: a scalers table, with LISTEN/NOTIFY for Watch
//
// # Basic Usage
//
//	reg := registry.NewMemoryRegistry()
//	err := reg.Register(ctx, tasks.Scaler{ID: "gpu-pool-1", Name: "GPU pool"})
//
// The queue resolves scaler IDs through FindScaler:
//
//	q := queue.New(store, reg)
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for event := range events {
//	    switch event.Type {
//	    case registry.EventRemoved:
//	        // release whatever the scaler held
//	    }
//	}
//
// Slow watchers miss events rather than block registration.
package registry
