// Package transport carries JSON-RPC 2.0 and task event streams to clients.
//
// # Transports
//
//   - StdioTransport: newline-delimited JSON over a reader/writer pair
//   - WebSocketTransport: one JSON-RPC peer per WebSocket connection
//
// Both implement Transport. A Server answers requests from any Transport
// with a Handler:
//
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	go t.Run(ctx)
//	err := transport.NewServer(handler).Serve(ctx, t)
//	t.Close()
//
// ServeWebSocket does the same per HTTP connection. Server.HandleBytes
// answers a single encoded request, for request/reply over a message bus.
//
// # Event streams
//
// SSEBroadcaster serves Server-Sent Events to any number of HTTP clients;
// SSEClient consumes them.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel
// is closed when the peer goes away.
package transport
