package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	Name string
	Data []byte
}

// SSEConfig holds event stream configuration.
type SSEConfig struct {
	// ClientBufferSize is the number of events queued per client before
	// further events are dropped for it.
	ClientBufferSize int

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		ClientBufferSize:  100,
		HeartbeatInterval: 30 * time.Second,
	}
}

// SSEBroadcaster fans events out to connected Server-Sent Events clients.
// Clients may pass ?event=a,b to receive only the named events.
type SSEBroadcaster struct {
	config SSEConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*sseClient]struct{}
	done    chan struct{}
	closed  bool
}

type sseClient struct {
	ch     chan SSEEvent
	accept map[string]bool
}

func (c *sseClient) wants(name string) bool {
	return len(c.accept) == 0 || c.accept[name]
}

// NewSSEBroadcaster creates an event stream hub.
func NewSSEBroadcaster(cfg SSEConfig, logger *logging.Logger) *SSEBroadcaster {
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = DefaultSSEConfig().ClientBufferSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SSEBroadcaster{
		config:  cfg,
		logger:  logger,
		clients: make(map[*sseClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Broadcast queues ev for every interested client without blocking.
func (b *SSEBroadcaster) Broadcast(ev SSEEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		if !c.wants(ev.Name) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			b.logger.Debug("sse_event_dropped", map[string]interface{}{"event": ev.Name})
		}
	}
}

// Clients returns the number of connected clients.
func (b *SSEBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects all clients. Later requests are refused.
func (b *SSEBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *SSEBroadcaster) add(c *sseClient) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *SSEBroadcaster) remove(c *sseClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// ServeHTTP streams events to one client until it disconnects or the
// broadcaster closes.
func (b *SSEBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{ch: make(chan SSEEvent, b.config.ClientBufferSize)}
	if names := r.URL.Query().Get("event"); names != "" {
		client.accept = make(map[string]bool)
		for _, n := range strings.Split(names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				client.accept[n] = true
			}
		}
	}
	if !b.add(client) {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer b.remove(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var heartbeat <-chan time.Time
	if b.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(b.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case <-heartbeat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-client.ch:
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, ev SSEEvent) {
	if ev.Name != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Name)
	}
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// --- Client-side SSE support ---

// SSEClient connects to an event stream and receives its events.
type SSEClient struct {
	url    string
	client *http.Client
	events chan SSEEvent
}

// NewSSEClient creates a client for an event stream URL. A nil client uses
// http.DefaultClient.
func NewSSEClient(url string, client *http.Client, bufferSize int) *SSEClient {
	if client == nil {
		client = http.DefaultClient
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &SSEClient{
		url:    url,
		client: client,
		events: make(chan SSEEvent, bufferSize),
	}
}

// Events returns the channel of received events. It is closed when the
// stream ends or ctx passed to Connect is done.
func (c *SSEClient) Events() <-chan SSEEvent {
	return c.events
}

// Connect opens the stream and starts reading it in the background.
func (c *SSEClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("event stream: unexpected status %s", resp.Status)
	}

	go c.readLoop(ctx, resp.Body)
	return nil
}

func (c *SSEClient) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(c.events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		name string
		data bytes.Buffer
		seen bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if seen {
				ev := SSEEvent{Name: name, Data: append([]byte(nil), data.Bytes()...)}
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return
				}
			}
			name, seen = "", false
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if seen {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}
	}
}
