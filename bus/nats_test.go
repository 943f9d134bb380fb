package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// natsURL returns a reachable server from NATS_URL (default localhost) or
// skips the test.
func natsURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a NATS server")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("no NATS server at %s: %v", url, err)
	}
	nc.Close()
	return url
}

func natsTestBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = natsURL(t)
	cfg.Name = "taskqueue-bus-test"
	b, err := NewNATSBus(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSMessageMapping(t *testing.T) {
	ctx, sc := withTraceContext(t)

	out := toNATSMsg(ctx, "taskqueue.events.created", []byte("x"))
	require.NotEmpty(t, out.Header.Get("traceparent"))

	out.Reply = "_INBOX.1"
	in := fromNATSMsg(out)
	assert.Equal(t, "taskqueue.events.created", in.Subject)
	assert.Equal(t, "x", string(in.Data))
	assert.Equal(t, "_INBOX.1", in.Reply)
	assert.Equal(t, sc.TraceID(), trace.SpanContextFromContext(in.Context(context.Background())).TraceID())

	assert.Nil(t, fromNATSMsg(&nats.Msg{Subject: "a"}).Header)
	assert.Empty(t, toNATSMsg(context.Background(), "a", nil).Header)
}

func TestNATSConfig_Options(t *testing.T) {
	cfg := NATSConfig{}.withDefaults()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, DefaultConfig().BufferSize, cfg.BufferSize)
	assert.NotNil(t, cfg.Logger)

	base := len(cfg.options())
	cfg.Name = "taskqueued"
	cfg.Token = "secret"
	assert.Len(t, cfg.options(), base+2)
}

func TestNATSBus_DialFailure(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxReconnects = 0

	_, err := NewNATSBus(cfg)
	assert.Error(t, err)
}

func TestNATSBus_FanOut(t *testing.T) {
	b := natsTestBus(t)

	sub, err := b.Subscribe("test.nats.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, b.Conn().Flush())

	require.NoError(t, b.Publish(context.Background(), "test.nats.events", []byte("created")))
	msg := receive(t, sub)
	assert.Equal(t, "test.nats.events", msg.Subject)
	assert.Equal(t, "created", string(msg.Data))
}

func TestNATSBus_CarriesTrace(t *testing.T) {
	ctx, sc := withTraceContext(t)
	b := natsTestBus(t)

	sub, err := b.Subscribe("test.nats.traced")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, b.Conn().Flush())

	require.NoError(t, b.Publish(ctx, "test.nats.traced", nil))
	got := trace.SpanContextFromContext(receive(t, sub).Context(context.Background()))
	assert.Equal(t, sc.TraceID(), got.TraceID())
}

func TestNATSBus_QueueGroupDeliversOnce(t *testing.T) {
	b := natsTestBus(t)

	a, err := b.QueueSubscribe("test.queue", "responders")
	require.NoError(t, err)
	defer a.Unsubscribe()
	c, err := b.QueueSubscribe("test.queue", "responders")
	require.NoError(t, err)
	defer c.Unsubscribe()
	require.NoError(t, b.Conn().Flush())

	require.NoError(t, b.Publish(context.Background(), "test.queue", []byte("once")))

	got := 0
	deadline := time.After(500 * time.Millisecond)
	for waiting := true; waiting; {
		select {
		case <-a.Messages():
			got++
		case <-c.Messages():
			got++
		case <-deadline:
			waiting = false
		}
	}
	assert.Equal(t, 1, got)
}

func TestNATSBus_Request(t *testing.T) {
	b := natsTestBus(t)

	sub, err := b.QueueSubscribe("test.rpc", "responders")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			b.Publish(context.Background(), msg.Reply, append([]byte("re:"), msg.Data...))
		}
	}()
	require.NoError(t, b.Conn().Flush())

	reply, err := b.Request(context.Background(), "test.rpc", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(reply.Data))
}

func TestNATSBus_RequestFailures(t *testing.T) {
	b := natsTestBus(t)

	_, err := b.Request(context.Background(), "test.nobody.home", nil)
	assert.ErrorIs(t, err, ErrNoResponders)

	silent, err := b.Subscribe("test.silent")
	require.NoError(t, err)
	defer silent.Unsubscribe()
	require.NoError(t, b.Conn().Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, "test.silent", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestNATSBus_BorrowedConnSurvivesClose(t *testing.T) {
	nc, err := nats.Connect(natsURL(t))
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, NewNATSBusFromConn(nc, NATSConfig{}).Close())
	assert.False(t, nc.IsClosed())
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = natsURL(t)
	b, err := NewNATSBus(cfg)
	require.NoError(t, err)
	b.Close()

	// Drain completes in the background.
	require.Eventually(t, b.Conn().IsClosed, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Publish(context.Background(), "test", []byte("x")), ErrClosed)
}
