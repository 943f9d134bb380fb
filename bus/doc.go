// Package bus provides the message bus the queue publishes events on and
// serves request/reply calls over.
//
// # Available Implementations
//
//   - NATSBus: NATS core messaging, for multi-process deployments
//   - MemoryBus: in-process implementation for tests and single binaries
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use "*" for one
// token and a trailing ">" for the rest; publishes may not. The queue uses:
//
//	taskqueue.events.<kind>    task events (created, completed, ...)
//	taskqueue.rpc.<method>     JSON-RPC request/reply, queue group "taskqueue"
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	sub, _ := b.Subscribe("taskqueue.events.>")
//	for msg := range sub.Messages() {
//	    ctx := msg.Context(context.Background())
//	    // Handle message
//	}
//
// Request/Reply:
//
//	// Responder
//	sub, _ := b.QueueSubscribe("taskqueue.rpc.tasks.get", "taskqueue")
//	for msg := range sub.Messages() {
//	    b.Publish(ctx, msg.Reply, response)
//	}
//
//	// Requester
//	reply, err := b.Request(ctx, "taskqueue.rpc.tasks.get", data)
//
// # Tracing
//
// Publish and Request copy the trace context of ctx into the message
// header. Message.Context restores it on the receiving side so handler
// spans join the publisher's trace.
package bus
