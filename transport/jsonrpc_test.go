package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "echo":
			var p map[string]interface{}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &Error{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
			}
			return p, nil
		case "missing":
			return nil, &Error{Code: NotFound, Message: "task not found"}
		case "boom":
			return nil, errors.New("store on fire")
		}
		return nil, &Error{Code: MethodNotFound, Message: "Method not found", Data: method}
	})
}

// serveLines runs a Server over a stdio transport fed with input and
// returns the responses keyed by ID.
func serveLines(t *testing.T, h Handler, input string) map[string]Response {
	t.Helper()
	out := &lockedBuffer{}
	tr := NewStdioTransport(strings.NewReader(input), out, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ran := make(chan struct{})
	go func() {
		defer close(ran)
		tr.Run(ctx)
	}()

	if err := NewServer(h).Serve(ctx, tr); err != nil {
		t.Fatalf("Serve error: %v", err)
	}
	tr.Close()
	<-ran

	responses := make(map[string]Response)
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", scanner.Text(), err)
		}
		id, _ := json.Marshal(resp.ID)
		responses[string(id)] = resp
	}
	return responses
}

func TestServer_Serve(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"a":"b"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"missing"}` + "\n" +
		`{"jsonrpc":"2.0","id":3,"method":"boom"}` + "\n" +
		`{"jsonrpc":"2.0","id":4,"method":"nope"}` + "\n" +
		`{"jsonrpc":"2.0","method":"echo","params":{}}` + "\n" +
		`not json` + "\n"

	responses := serveLines(t, echoHandler(), input)

	if len(responses) != 5 {
		t.Fatalf("got %d responses, want 5 (notification gets none): %v", len(responses), responses)
	}

	if r := responses["1"]; r.Error != nil || r.Result.(map[string]interface{})["a"] != "b" {
		t.Errorf("echo response = %+v", r)
	}
	if r := responses["2"]; r.Error == nil || r.Error.Code != NotFound {
		t.Errorf("missing response = %+v", r)
	}
	if r := responses["3"]; r.Error == nil || r.Error.Code != InternalError || r.Error.Data != "store on fire" {
		t.Errorf("boom response = %+v", r)
	}
	if r := responses["4"]; r.Error == nil || r.Error.Code != MethodNotFound {
		t.Errorf("unknown method response = %+v", r)
	}
	if r := responses["null"]; r.Error == nil || r.Error.Code != ParseError {
		t.Errorf("parse error response = %+v", r)
	}
}

func TestServer_ServeStopsOnContext(t *testing.T) {
	tr := NewStdioTransport(strings.NewReader(""), &lockedBuffer{}, DefaultConfig())
	// Recv is never closed because Run is not started.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewServer(echoHandler()).Serve(ctx, tr); err != context.Canceled {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
}

func TestServer_HandleBytes(t *testing.T) {
	srv := NewServer(echoHandler())
	ctx := context.Background()

	out := srv.HandleBytes(ctx, []byte(`{"jsonrpc":"2.0","id":"r1","method":"echo","params":{"x":1}}`))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != "r1" || resp.Error != nil {
		t.Errorf("unexpected response: %s", out)
	}

	if out := srv.HandleBytes(ctx, []byte(`{"jsonrpc":"2.0","method":"echo","params":{}}`)); out != nil {
		t.Errorf("notification produced a response: %s", out)
	}

	out = srv.HandleBytes(ctx, []byte(`{"jsonrpc":"2.0","id":7}`))
	resp = Response{}
	json.Unmarshal(out, &resp)
	if resp.Error == nil || resp.Error.Code != InvalidRequest || resp.ID != float64(7) {
		t.Errorf("unexpected response: %s", out)
	}
}

func TestAsError(t *testing.T) {
	rpcErr := &Error{Code: Conflict, Message: "conflict"}
	if AsError(rpcErr) != rpcErr {
		t.Error("AsError should pass *Error through")
	}
	if got := AsError(errors.New("x")); got.Code != InternalError || got.Data != "x" {
		t.Errorf("AsError = %+v", got)
	}
	if !strings.Contains(rpcErr.Error(), "-32009") {
		t.Errorf("Error() = %q", rpcErr.Error())
	}
}
