// Package shutdown stops taskqueued's components in order.
//
// Handlers are grouped into phases. Phases run in ascending order and the
// handlers inside a phase run concurrently:
//
//	PhaseIngress     (10)  HTTP server, stdio transport
//	PhaseWorkers     (20)  bus responder, event relay, scaler watcher
//	PhaseBackends    (30)  bus, task store, scaler registry
//	PhaseConnections (35)  shared NATS connection, Postgres pool
//	PhaseTelemetry   (40)  trace exporter
//
// A shutdown runs at most once, whether triggered by SIGTERM/SIGINT via
// HandleSignals or directly by Shutdown. The context passed to handlers is
// cancelled when the timeout expires; phases not yet started are skipped
// and the shutdown reports ErrTimeout.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)
//	coord.RegisterFunc("store", shutdown.PhaseBackends, func(context.Context) error {
//		return st.Close()
//	})
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown
