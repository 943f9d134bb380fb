package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskqueue/logging"
)

// NATSConfig is the [nats] config section plus bus tuning.
type NATSConfig struct {
	Config

	URL  string
	Name string // client name shown by the server

	// Token, or User and Password, authenticate the connection.
	Token    string
	User     string
	Password string

	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
	ConnectTimeout time.Duration

	// Logger receives connection state changes and dropped messages.
	Logger *logging.Logger
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

func (c NATSConfig) options() []nats.Option {
	log := c.Logger
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("nats_disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", map[string]interface{}{"url": nc.ConnectedUrlRedacted()})
		}),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.User != "":
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// NATSBus is the MessageBus used when several taskqueued processes and
// remote scalers share one NATS cluster.
type NATSBus struct {
	conn  *nats.Conn
	cfg   NATSConfig
	owned bool // Close closes conn only when the bus dialed it
}

// NewNATSBus dials cfg.URL.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn, cfg: cfg, owned: true}, nil
}

// NewNATSBusFromConn shares a connection the caller keeps owning. Only
// BufferSize and Logger are taken from cfg.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	return &NATSBus{conn: conn, cfg: cfg.withDefaults()}
}

// Conn exposes the connection so the JetStream store and registry can
// share it.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Publish forwards the trace context in ctx as message headers.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := validatePublishSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.PublishMsg(toNATSMsg(ctx, subject, data)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{
		ch:     make(chan *Message, b.cfg.BufferSize),
		logger: b.cfg.Logger,
	}
	var err error
	if queue == "" {
		s.sub, err = b.conn.Subscribe(subject, s.deliver)
	} else {
		s.sub, err = b.conn.QueueSubscribe(subject, queue, s.deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return s, nil
}

// Request maps the NATS failure modes onto ErrNoResponders and ErrTimeout.
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := validatePublishSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := requestContext(ctx)
	defer cancel()

	reply, err := b.conn.RequestMsgWithContext(ctx, toNATSMsg(ctx, subject, data))
	switch {
	case err == nil:
		return fromNATSMsg(reply), nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	}
	return nil, fmt.Errorf("nats request %s: %w", subject, err)
}

// Close drains the connection when the bus owns it. A failed drain falls
// back to a hard close.
func (b *NATSBus) Close() error {
	if !b.owned || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	return nil
}

func toNATSMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range traceHeader(ctx) {
		msg.Header.Set(k, v)
	}
	return msg
}

func fromNATSMsg(m *nats.Msg) *Message {
	msg := &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}
	if len(m.Header) == 0 {
		return msg
	}
	msg.Header = make(map[string]string, len(m.Header))
	for k := range m.Header {
		msg.Header[k] = m.Header.Get(k)
	}
	return msg
}

// natsSubscription feeds NATS callbacks into a buffered channel. A full
// buffer drops the message rather than stall the connection.
type natsSubscription struct {
	sub    *nats.Subscription
	ch     chan *Message
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) deliver(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- fromNATSMsg(m):
	default:
		s.logger.Warn("bus_message_dropped", map[string]interface{}{"subject": m.Subject})
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe closes Messages. Losing the connection first is not an error.
func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)

	err := s.sub.Unsubscribe()
	if err == nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
