package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskqueue/bus"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/telemetry"
	"github.com/vinayprograms/taskqueue/transport"
)

// Bus subjects and queue group for JSON-RPC over the message bus.
const (
	RPCSubjectPrefix = "taskqueue.rpc."
	RPCQueueGroup    = "taskqueue"
)

// DefaultBusConcurrency bounds requests a responder handles at once.
const DefaultBusConcurrency = 16

// BusResponder serves the Dispatcher's methods over request/reply on a
// message bus. Each request carries a JSON-RPC envelope whose method must
// match the subject it was sent to. Responders sharing the queue group
// split the load.
type BusResponder struct {
	bus         bus.MessageBus
	dispatcher  *Dispatcher
	tracer      *telemetry.Tracer
	logger      *logging.Logger
	concurrency int
}

// BusOption configures a BusResponder.
type BusOption func(*BusResponder)

// WithBusLogger sets the responder's logger.
func WithBusLogger(l *logging.Logger) BusOption {
	return func(r *BusResponder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBusTracer sets the responder's tracer. Default: the global tracer.
func WithBusTracer(t *telemetry.Tracer) BusOption {
	return func(r *BusResponder) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithBusConcurrency bounds requests handled at once.
func WithBusConcurrency(n int) BusOption {
	return func(r *BusResponder) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewBusResponder creates a responder for d on b.
func NewBusResponder(b bus.MessageBus, d *Dispatcher, opts ...BusOption) *BusResponder {
	r := &BusResponder{
		bus:         b,
		dispatcher:  d,
		tracer:      telemetry.GetTracer(),
		logger:      logging.Nop(),
		concurrency: DefaultBusConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run serves requests until ctx is done, then waits for in-flight
// requests and unsubscribes.
func (r *BusResponder) Run(ctx context.Context) error {
	sub, err := r.bus.QueueSubscribe(RPCSubjectPrefix+">", RPCQueueGroup)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			g.Go(func() error {
				r.handle(ctx, msg)
				return nil
			})
		}
	}
}

func (r *BusResponder) handle(ctx context.Context, msg *bus.Message) {
	ctx, span := r.tracer.StartHandleSpan(msg.Context(ctx), msg.Subject)

	method := strings.TrimPrefix(msg.Subject, RPCSubjectPrefix)
	h := transport.HandlerFunc(func(ctx context.Context, m string, params json.RawMessage) (interface{}, error) {
		if m != method {
			return nil, &transport.Error{
				Code:    transport.InvalidRequest,
				Message: "Invalid Request",
				Data:    "method " + m + " sent to subject " + msg.Subject,
			}
		}
		return r.dispatcher.Handle(ctx, m, params)
	})
	out := transport.NewServer(h).HandleBytes(ctx, msg.Data)

	var err error
	if out != nil && msg.Reply != "" {
		err = r.bus.Publish(ctx, msg.Reply, out)
		if err != nil {
			r.logger.Warn("reply_failed", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
		}
	}
	r.tracer.EndSpan(span, err)
}

// BusClient calls queue methods over a message bus.
type BusClient struct {
	bus bus.MessageBus
	seq atomic.Uint64
}

// NewBusClient creates a client on b.
func NewBusClient(b bus.MessageBus) *BusClient {
	return &BusClient{bus: b}
}

// Call invokes method with params and decodes the result into result,
// which may be nil. JSON-RPC failures are returned as *transport.Error.
func (c *BusClient) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(transport.Request{
		JSONRPC: transport.Version,
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return err
	}

	reply, err := c.bus.Request(ctx, RPCSubjectPrefix+method, data)
	if err != nil {
		return err
	}

	var resp struct {
		Result json.RawMessage  `json:"result"`
		Error  *transport.Error `json:"error"`
	}
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// RelayEvents forwards task events from b to the event stream until ctx
// is done.
func RelayEvents(ctx context.Context, b bus.MessageBus, stream *transport.SSEBroadcaster) error {
	sub, err := b.Subscribe(queue.EventSubjectPrefix + ">")
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			stream.Broadcast(transport.SSEEvent{
				Name: strings.TrimPrefix(msg.Subject, queue.EventSubjectPrefix),
				Data: msg.Data,
			})
		}
	}
}
