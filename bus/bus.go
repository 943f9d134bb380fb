package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/taskqueue/telemetry"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// DefaultRequestTimeout applies to Request when ctx has no deadline.
const DefaultRequestTimeout = 5 * time.Second

// Message is one delivery. Reply is set on requests and names the subject
// the answer must be published to.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
	Header  map[string]string // trace context; may be nil
}

// Context returns ctx joined to the trace the publisher was in, if any.
func (m *Message) Context(ctx context.Context) context.Context {
	return telemetry.Extract(ctx, m.Header)
}

// MessageBus carries task events and JSON-RPC calls between taskqueued
// processes and scalers. Subjects are dot-separated; see MatchSubject.
type MessageBus interface {
	// Publish reaches every plain subscriber and one member of each queue
	// group. The trace in ctx travels in the header.
	Publish(ctx context.Context, subject string, data []byte) error

	Subscribe(pattern string) (Subscription, error)

	// QueueSubscribe joins the named group; a message goes to one member.
	QueueSubscribe(pattern, queue string) (Subscription, error)

	// Request publishes with a reply inbox and waits for the first answer.
	// It fails with ErrNoResponders when nobody listens and ErrTimeout when
	// ctx, or DefaultRequestTimeout, runs out first.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	Close() error
}

type Subscription interface {
	// Messages is closed by Unsubscribe and by closing the bus.
	Messages() <-chan *Message
	Unsubscribe() error
}

// Config is shared by every bus implementation.
type Config struct {
	BufferSize int // per subscription, default 256
}

func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// ValidateSubject checks a subject or subscription pattern. Tokens are
// separated by dots and may not be empty or contain whitespace; "*" matches
// one token and ">" matches the rest and must come last.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// validatePublishSubject rejects wildcards, which only make sense when
// subscribing.
func validatePublishSubject(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches a subscription pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// requestContext applies DefaultRequestTimeout when ctx has no deadline.
func requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

// traceHeader captures the trace context in ctx, or nil if there is none.
func traceHeader(ctx context.Context) map[string]string {
	return telemetry.Inject(ctx)
}
