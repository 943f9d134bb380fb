package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport moves JSON-RPC messages between taskqueued and one peer.
type Transport interface {
	// Recv yields decoded messages. It is closed when the peer hangs up or
	// the transport is closed.
	Recv() <-chan *InboundMessage

	// Send queues msg for the peer. It fails with ErrClosed after Close.
	Send(msg *OutboundMessage) error

	// Run pumps messages until ctx is done or Close is called.
	Run(ctx context.Context) error

	Close() error
}

// InboundMessage is one decoded message from the peer. Exactly one of
// Request and Notification is set.
type InboundMessage struct {
	Request      *Request
	Notification *Notification
}

// OutboundMessage is one message for the peer: a reply or a pushed
// notification such as a task event.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// envelope is the union of every inbound field, so a message is decoded
// once whatever its kind.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func invalidRequest(detail string) *Error {
	return &Error{Code: InvalidRequest, Message: "Invalid Request", Data: detail}
}

// ParseInbound decodes one message. Failures are returned as *Error ready
// to send back.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case env.JSONRPC != Version:
		return nil, invalidRequest("jsonrpc must be 2.0")
	case env.Method == "":
		return nil, invalidRequest("method is required")
	}

	// An absent or null id marks a notification.
	if len(env.ID) == 0 || string(env.ID) == "null" {
		n := &Notification{JSONRPC: env.JSONRPC, Method: env.Method}
		if len(env.Params) > 0 {
			n.Params = env.Params
		}
		return &InboundMessage{Notification: n}, nil
	}

	var id interface{}
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return nil, invalidRequest("malformed id")
	}
	switch id.(type) {
	case string, float64:
	default:
		return nil, invalidRequest("id must be a string or number")
	}
	return &InboundMessage{Request: &Request{
		JSONRPC: env.JSONRPC,
		ID:      id,
		Method:  env.Method,
		Params:  env.Params,
	}}, nil
}

// MarshalOutbound encodes msg for the wire.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// parseErrorResponse answers a message ParseInbound rejected, echoing its
// id when one can be recovered.
func parseErrorResponse(raw []byte, parseErr error) *OutboundMessage {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)

	var rpcErr *Error
	if !errors.As(parseErr, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	return &OutboundMessage{Response: newFailure(partial.ID, rpcErr)}
}

// Config sizes the per-connection message buffers.
type Config struct {
	RecvBufferSize int // default 100
	SendBufferSize int // default 100
}

func DefaultConfig() Config {
	return Config{RecvBufferSize: 100, SendBufferSize: 100}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	return c
}
