package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBus is the in-process MessageBus used by a single taskqueued and
// by tests. Delivery never blocks the publisher: a subscriber with a full
// buffer misses the message.
type MemoryBus struct {
	bufSize int

	mu     sync.RWMutex
	closed bool
	fanout []*memorySub
	groups map[string]*queueGroup // by groupKey

	// Pending Request calls keyed by their inbox subject.
	inboxMu sync.Mutex
	inboxes map[string]chan *Message
}

type queueGroup struct {
	pattern string
	members []*memorySub
	next    atomic.Uint64
}

func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		bufSize: cfg.BufferSize,
		groups:  map[string]*queueGroup{},
		inboxes: map[string]chan *Message{},
	}
}

func (b *MemoryBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish delivers to every matching subscription and to one member of
// each matching queue group. A subject naming a pending Request inbox
// answers that request instead.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := validatePublishSubject(subject); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data, Header: traceHeader(ctx)}
	if inbox, ok := b.takeInbox(subject); ok {
		inbox <- msg
		return nil
	}
	b.route(msg)
	return nil
}

// route returns how many subscriptions accepted msg.
func (b *MemoryBus) route(msg *Message) int {
	var targets []*memorySub
	var groups []*queueGroup

	b.mu.RLock()
	for _, s := range b.fanout {
		if MatchSubject(s.pattern, msg.Subject) {
			targets = append(targets, s)
		}
	}
	for _, g := range b.groups {
		if MatchSubject(g.pattern, msg.Subject) {
			groups = append(groups, g)
		}
	}
	b.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.offer(msg) {
			n++
		}
	}
	for _, g := range groups {
		if b.offerGroup(g, msg) {
			n++
		}
	}
	return n
}

// offerGroup tries members round-robin, skipping full buffers.
func (b *MemoryBus) offerGroup(g *queueGroup, msg *Message) bool {
	b.mu.RLock()
	members := slices.Clone(g.members)
	b.mu.RUnlock()

	n := len(members)
	if n == 0 {
		return false
	}
	start := int(g.next.Add(1) % uint64(n))
	for i := range n {
		if members[(start+i)%n].offer(msg) {
			return true
		}
	}
	return false
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(pattern, queue string) (Subscription, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	s := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.bufSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if queue == "" {
		b.fanout = append(b.fanout, s)
		return s, nil
	}
	g, ok := b.groups[s.groupKey()]
	if !ok {
		g = &queueGroup{pattern: pattern}
		b.groups[s.groupKey()] = g
	}
	g.members = append(g.members, s)
	return s, nil
}

func (b *MemoryBus) detach(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	same := func(m *memorySub) bool { return m == s }
	if s.queue == "" {
		b.fanout = slices.DeleteFunc(b.fanout, same)
		return
	}
	if g, ok := b.groups[s.groupKey()]; ok {
		g.members = slices.DeleteFunc(g.members, same)
		if len(g.members) == 0 {
			delete(b.groups, s.groupKey())
		}
	}
}

// Request fails fast with ErrNoResponders when no subscription takes the
// message, as NATS does.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := validatePublishSubject(subject); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := requestContext(ctx)
	defer cancel()

	inbox := "_INBOX." + uuid.NewString()
	reply := make(chan *Message, 1)
	b.inboxMu.Lock()
	b.inboxes[inbox] = reply
	b.inboxMu.Unlock()

	msg := &Message{Subject: subject, Data: data, Reply: inbox, Header: traceHeader(ctx)}
	if b.route(msg) == 0 {
		b.takeInbox(inbox)
		return nil, ErrNoResponders
	}

	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		b.takeInbox(inbox)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// takeInbox removes and returns the reply channel registered for subject.
func (b *MemoryBus) takeInbox(subject string) (chan *Message, bool) {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()
	ch, ok := b.inboxes[subject]
	delete(b.inboxes, subject)
	return ch, ok
}

// Close ends every subscription. Pending requests time out.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, s := range b.fanout {
		s.close()
	}
	for _, g := range b.groups {
		for _, s := range g.members {
			s.close()
		}
	}
	b.fanout, b.groups = nil, nil
	return nil
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	bus     *MemoryBus

	// mu guards ch against a close racing an offer.
	mu   sync.Mutex
	done bool
}

// offer delivers without blocking.
func (s *memorySub) offer(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe detaches the subscription and closes Messages.
func (s *memorySub) Unsubscribe() error {
	s.bus.detach(s)
	s.close()
	return nil
}

func (s *memorySub) groupKey() string {
	return s.pattern + "|" + s.queue
}
