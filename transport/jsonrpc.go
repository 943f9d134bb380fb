package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vinayprograms/taskqueue/logging"
)

// Version is the only protocol version accepted or produced.
const Version = "2.0"

// Request is a call that expects a Response. ID is a string or a number.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

func newResult(id, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func newFailure(id interface{}, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Error is the error member of a Response. Data holds the queue error
// when there is one.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Codes reserved by JSON-RPC 2.0.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server-defined codes for queue failures, chosen to echo HTTP statuses.
const (
	NotFound    = -32004
	Conflict    = -32009
	RateLimited = -32029
)

// Notification is a call without an ID; it never gets a response.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Handler handles JSON-RPC requests. Returning an *Error sends it as is;
// any other error becomes InternalError.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Server answers JSON-RPC requests with a Handler over any Transport.
// Requests from one transport are handled in arrival order.
type Server struct {
	handler Handler
	logger  *logging.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for dropped messages and send failures.
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new JSON-RPC server.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{handler: handler, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads messages from t until its receive channel closes (returns nil)
// or ctx is done (returns ctx.Err()). The caller runs and closes t.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}
			s.dispatch(ctx, t, msg)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, t Transport, msg *InboundMessage) {
	switch {
	case msg.Notification != nil:
		s.notify(ctx, msg.Notification)
	case msg.Request != nil:
		if err := t.Send(&OutboundMessage{Response: s.Handle(ctx, msg.Request)}); err != nil {
			s.logger.Warn("send_failed", map[string]interface{}{
				"method": msg.Request.Method,
				"error":  err.Error(),
			})
		}
	}
}

// notify runs a notification. Failures are only logged.
func (s *Server) notify(ctx context.Context, n *Notification) {
	params, _ := json.Marshal(n.Params)
	if _, err := s.handler.Handle(ctx, n.Method, params); err != nil {
		s.logger.Debug("notification_failed", map[string]interface{}{
			"method": n.Method,
			"error":  err.Error(),
		})
	}
}

// Handle runs one request and builds its response.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	result, err := s.handler.Handle(ctx, req.Method, req.Params)
	if err != nil {
		return newFailure(req.ID, AsError(err))
	}
	return newResult(req.ID, result)
}

// HandleBytes answers one encoded message with an encoded response, or nil
// for a notification.
func (s *Server) HandleBytes(ctx context.Context, data []byte) []byte {
	msg, err := ParseInbound(data)
	if err != nil {
		out, _ := MarshalOutbound(parseErrorResponse(data, err))
		return out
	}
	if msg.Notification != nil {
		s.notify(ctx, msg.Notification)
		return nil
	}
	resp := s.Handle(ctx, msg.Request)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(newFailure(resp.ID, internal(err)))
	}
	return out
}

// AsError passes an *Error through and hides anything else behind
// InternalError.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return internal(err)
}

func internal(err error) *Error {
	return &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
}
