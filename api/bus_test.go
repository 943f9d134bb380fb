package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskqueue/bus"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/transport"
)

func startResponder(t *testing.T) (*BusClient, bus.MessageBus, func(id string)) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	q, reg := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBusResponder(b, NewDispatcher(q)).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := NewBusClient(b)
	// The responder subscribes asynchronously.
	require.Eventually(t, func() bool {
		err := client.Call(context.Background(), MethodGet, TaskParams{TaskID: "probe"}, nil)
		return err != bus.ErrNoResponders
	}, time.Second, 5*time.Millisecond)

	register := func(id string) {
		require.NoError(t, reg.Register(context.Background(), tasks.Scaler{ID: id}))
	}
	return client, b, register
}

func TestBusResponder_RoundTrip(t *testing.T) {
	client, _, register := startResponder(t)
	register("worker1")
	ctx := context.Background()

	var created tasks.Task
	require.NoError(t, client.Call(ctx, MethodCreate, CreateParams{Urgency: "immediate"}, &created))
	assert.Equal(t, tasks.UrgencyImmediate, created.Urgency)

	var got TaskList
	require.NoError(t, client.Call(ctx, MethodReceive, ReceiveParams{ScalerID: "worker1", BatchSize: 2}, &got))
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, created.ID, got.Tasks[0].ID)
	assert.Equal(t, "worker1", got.Tasks[0].Assignee)

	var done tasks.Task
	require.NoError(t, client.Call(ctx, MethodComplete, TaskParams{TaskID: created.ID}, &done))
	assert.Equal(t, tasks.StatusCompleted, done.Status)
	assert.Empty(t, done.Assignee)
}

func TestBusResponder_Errors(t *testing.T) {
	client, b, _ := startResponder(t)
	ctx := context.Background()

	err := client.Call(ctx, MethodReceive, ReceiveParams{ScalerID: "ghost", BatchSize: 1}, nil)
	rpcErr, ok := err.(*transport.Error)
	require.True(t, ok, "got %T: %v", err, err)
	assert.Equal(t, transport.NotFound, rpcErr.Code)
	data, _ := json.Marshal(rpcErr.Data)
	assert.Contains(t, string(data), "SCALER_NOT_FOUND")

	// The envelope's method must match the subject.
	reply, err := b.Request(ctx, RPCSubjectPrefix+MethodGet,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tasks.create","params":{"urgency":"day"}}`))
	require.NoError(t, err)
	var resp transport.Response
	require.NoError(t, json.Unmarshal(reply.Data, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, transport.InvalidRequest, resp.Error.Code)

	reply, err = b.Request(ctx, RPCSubjectPrefix+MethodGet, []byte(`garbage`))
	require.NoError(t, err)
	resp = transport.Response{}
	require.NoError(t, json.Unmarshal(reply.Data, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, transport.ParseError, resp.Error.Code)
}

func TestBusClient_NoResponders(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	err := NewBusClient(b).Call(context.Background(), MethodGet, TaskParams{TaskID: "x"}, nil)
	assert.ErrorIs(t, err, bus.ErrNoResponders)
}
