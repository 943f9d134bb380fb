package api

import (
	"bytes"
	"context"
	"encoding/json"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/transport"
)

// JSON-RPC method names.
const (
	MethodCreate   = "tasks.create"
	MethodComplete = "tasks.complete"
	MethodCancel   = "tasks.cancel"
	MethodGet      = "tasks.get"
	MethodList     = "tasks.list"
	MethodReceive  = "tasks.receive"
	MethodUnassign = "tasks.unassign"
)

// Methods lists every method the Dispatcher serves.
func Methods() []string {
	return []string{
		MethodCreate, MethodComplete, MethodCancel, MethodGet,
		MethodList, MethodReceive, MethodUnassign,
	}
}

// CreateParams are the parameters of tasks.create.
type CreateParams struct {
	Urgency string `json:"urgency"`
}

// TaskParams are the parameters of tasks.complete, tasks.cancel and
// tasks.get.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

// ListParams are the parameters of tasks.list.
type ListParams struct {
	Status   tasks.Status `json:"status,omitempty"`
	Assignee string       `json:"assignee,omitempty"`
	Limit    int          `json:"limit,omitempty"`
}

// ReceiveParams are the parameters of tasks.receive.
type ReceiveParams struct {
	ScalerID  string `json:"scaler_id"`
	BatchSize int    `json:"batch_size"`
}

// ScalerParams are the parameters of tasks.unassign.
type ScalerParams struct {
	ScalerID string `json:"scaler_id"`
}

// TaskList is the result of methods returning several tasks.
type TaskList struct {
	Tasks []*tasks.Task `json:"tasks"`
}

func newTaskList(ts []*tasks.Task) TaskList {
	if ts == nil {
		ts = []*tasks.Task{}
	}
	return TaskList{Tasks: ts}
}

// Dispatcher maps JSON-RPC methods onto queue operations.
type Dispatcher struct {
	q *queue.Queue
}

// NewDispatcher creates a dispatcher for q.
func NewDispatcher(q *queue.Queue) *Dispatcher {
	return &Dispatcher{q: q}
}

// Handle implements transport.Handler.
func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if v := recover(); v != nil {
			result, err = nil, rpcError(qerrors.RecoverPanic(v))
		}
	}()
	result, err = d.call(ctx, method, params)
	if err != nil {
		return nil, rpcError(err)
	}
	return result, nil
}

func (d *Dispatcher) call(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case MethodCreate:
		var p CreateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.q.CreateTask(ctx, p.Urgency)

	case MethodComplete, MethodCancel, MethodGet:
		var p TaskParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		switch method {
		case MethodComplete:
			return d.q.CompleteTask(ctx, p.TaskID)
		case MethodCancel:
			return d.q.CancelTask(ctx, p.TaskID)
		}
		return d.q.GetTask(ctx, p.TaskID)

	case MethodList:
		var p ListParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ts, err := d.q.ListTasks(ctx, tasks.Filter{Status: p.Status, Assignee: p.Assignee}, p.Limit)
		if err != nil {
			return nil, err
		}
		return newTaskList(ts), nil

	case MethodReceive:
		var p ReceiveParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ts, err := d.q.ReceiveTasks(ctx, p.ScalerID, p.BatchSize)
		if err != nil {
			return nil, err
		}
		return newTaskList(ts), nil

	case MethodUnassign:
		var p ScalerParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ts, err := d.q.UnassignTasks(ctx, p.ScalerID)
		if err != nil {
			return nil, err
		}
		return newTaskList(ts), nil
	}

	return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: method}
}

// decodeParams strictly decodes params into v. Absent params decode as
// the zero value.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return qerrors.InvalidArgument("params", "a JSON object with known fields", qerrors.WithCause(err))
	}
	return nil
}

var _ transport.Handler = (*Dispatcher)(nil)
