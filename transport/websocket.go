package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskqueue/logging"
)

// controlTimeout bounds ping and close frames.
const controlTimeout = time.Second

// WebSocketConfig tunes one /rpc connection.
type WebSocketConfig struct {
	Config

	WriteTimeout time.Duration

	// ReadTimeout drops a silent peer. Pongs count as traffic. 0 disables.
	ReadTimeout time.Duration

	MaxMessageSize int64

	// PingInterval is how often the server pings. 0 disables.
	PingInterval time.Duration
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		PingInterval:   30 * time.Second,
	}
}

// WebSocketTransport carries JSON-RPC as one text frame per message.
type WebSocketTransport struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *logging.Logger

	recv chan *InboundMessage
	send chan *OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &WebSocketTransport{
		conn:   conn,
		cfg:    cfg,
		logger: logging.Nop(),
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader returns the upgrader for /rpc. A nil checkOrigin
// admits any origin.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// ServeWebSocket upgrades each request and answers JSON-RPC on it with srv
// until the client goes away or the request context ends.
func ServeWebSocket(srv *Server, upgrader *websocket.Upgrader, cfg WebSocketConfig, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has replied already.
			logger.Debug("upgrade_failed", map[string]interface{}{"error": err.Error()})
			return
		}
		t := NewWebSocketTransport(conn, cfg)
		t.logger = logger

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			_ = t.Run(ctx)
		}()
		_ = srv.Serve(ctx, t)
		t.Close()
		<-stopped
	})
}

func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run blocks until ctx is done or Close is called, then flushes queued
// replies and closes the connection.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readFrames(ctx)
	}()
	go func() {
		defer wg.Done()
		t.writeFrames()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		t.Close()
	case <-t.done:
	}
	wg.Wait()
	return err
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *WebSocketTransport) extendRead() {
	if t.cfg.ReadTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
}

func (t *WebSocketTransport) readFrames(ctx context.Context) {
	defer close(t.recv)

	if t.cfg.ReadTimeout > 0 {
		t.extendRead()
		t.conn.SetPongHandler(func(string) error {
			t.extendRead()
			return nil
		})
	}

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("read_failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		t.extendRead()

		msg, perr := ParseInbound(data)
		if perr != nil {
			_ = t.Send(parseErrorResponse(data, perr))
			continue
		}
		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeFrames is the only writer of data frames. Closing the connection on
// the way out unblocks readFrames.
func (t *WebSocketTransport) writeFrames() {
	var ping <-chan time.Time
	if t.cfg.PingInterval > 0 {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-t.send:
			t.write(msg)
		case <-ping:
			_ = t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout))
		case <-t.done:
			t.goodbye()
			return
		}
	}
}

func (t *WebSocketTransport) goodbye() {
	for pending := true; pending; {
		select {
		case msg := <-t.send:
			t.write(msg)
		default:
			pending = false
		}
	}
	bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(controlTimeout))
	_ = t.conn.Close()
}

func (t *WebSocketTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Warn("encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debug("write_failed", map[string]interface{}{"error": err.Error()})
	}
}
