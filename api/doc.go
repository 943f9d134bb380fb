// Package api exposes the queue over HTTP, JSON-RPC and the message bus.
//
// NewRouter serves a REST API under /api/v1, JSON-RPC over WebSocket at
// /rpc, Server-Sent task events at /api/v1/events, plus /healthz and
// /metrics. Errors are returned as
//
//	{"error": {"code": "CONFLICT", "message": "...", "metadata": {...}}}
//
// with 400 for INVALID_INPUT, 404 for TASK_NOT_FOUND and SCALER_NOT_FOUND,
// 409 for CONFLICT, 429 for RATE_LIMITED (with Retry-After), 503/504 for
// UNAVAILABLE/TIMEOUT and 500 otherwise.
//
// The Dispatcher maps JSON-RPC methods (tasks.create, tasks.complete,
// tasks.cancel, tasks.get, tasks.list, tasks.receive, tasks.unassign) onto
// the queue. JSON-RPC error codes are -32602 for invalid input, -32004 for
// not found, -32009 for conflicts, -32029 when rate limited and -32603
// otherwise. The typed error is in the error data.
//
// BusResponder serves the same methods on taskqueue.rpc.<method> in queue
// group "taskqueue", so several processes can share the load. BusClient is
// the matching caller.
package api
