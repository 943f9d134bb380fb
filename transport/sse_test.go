package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestSSEConfig_Defaults(t *testing.T) {
	cfg := DefaultSSEConfig()
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.ClientBufferSize != 100 {
		t.Errorf("ClientBufferSize = %d, want 100", cfg.ClientBufferSize)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	var buf bytes.Buffer
	writeSSEEvent(&buf, SSEEvent{Name: "created", Data: []byte("line1\nline2")})
	want := "event: created\ndata: line1\ndata: line2\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

// --- Integration Tests ---

func startSSE(t *testing.T, b *SSEBroadcaster, query string) *SSEClient {
	t.Helper()
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := NewSSEClient(server.URL+query, nil, 10)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for b.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return client
}

func nextEvent(t *testing.T, c *SSEClient) SSEEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return SSEEvent{}
	}
}

func TestSSEBroadcaster_Stream(t *testing.T) {
	b := NewSSEBroadcaster(SSEConfig{}, nil)
	defer b.Close()
	client := startSSE(t, b, "")

	b.Broadcast(SSEEvent{Name: "created", Data: []byte(`{"kind":"created"}`)})
	b.Broadcast(SSEEvent{Name: "completed", Data: []byte("a\nb")})

	ev := nextEvent(t, client)
	if ev.Name != "created" || string(ev.Data) != `{"kind":"created"}` {
		t.Errorf("first event = %+v", ev)
	}
	ev = nextEvent(t, client)
	if ev.Name != "completed" || string(ev.Data) != "a\nb" {
		t.Errorf("second event = %q %q", ev.Name, ev.Data)
	}
}

func TestSSEBroadcaster_Filter(t *testing.T) {
	b := NewSSEBroadcaster(SSEConfig{}, nil)
	defer b.Close()
	client := startSSE(t, b, "?event=released,assigned")

	b.Broadcast(SSEEvent{Name: "created", Data: []byte("1")})
	b.Broadcast(SSEEvent{Name: "assigned", Data: []byte("2")})

	if ev := nextEvent(t, client); ev.Name != "assigned" {
		t.Errorf("event = %q, want assigned", ev.Name)
	}
}

func TestSSEBroadcaster_CloseEndsStreams(t *testing.T) {
	b := NewSSEBroadcaster(SSEConfig{}, nil)
	client := startSSE(t, b, "")

	b.Close()

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Error("expected stream to end")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Close")
	}

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", rec.Code)
	}
}

// --- Failure Tests ---

func TestSSEClient_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := NewSSEClient(server.URL, nil, 0)
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected error for 404")
	}
}

func TestSSEBroadcaster_SlowClientDrops(t *testing.T) {
	b := NewSSEBroadcaster(SSEConfig{ClientBufferSize: 1}, nil)
	c := &sseClient{ch: make(chan SSEEvent, 1)}
	b.add(c)

	b.Broadcast(SSEEvent{Name: "a"})
	b.Broadcast(SSEEvent{Name: "b"}) // buffer full, must not block

	if ev := <-c.ch; ev.Name != "a" {
		t.Errorf("kept %q, want a", ev.Name)
	}
}
