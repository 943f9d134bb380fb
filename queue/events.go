package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/taskqueue/registry"
	"github.com/vinayprograms/taskqueue/tasks"
)

// EventKind names a task event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventCompleted EventKind = "completed"
	EventCanceled  EventKind = "canceled"
	EventAssigned  EventKind = "assigned"
	EventReleased  EventKind = "released"
)

// EventSubjectPrefix is the bus subject prefix for task events.
const EventSubjectPrefix = "taskqueue.events."

// Subject returns the bus subject the event kind is published on.
func (k EventKind) Subject() string {
	return EventSubjectPrefix + string(k)
}

// Event is the payload published for each state-changing operation.
type Event struct {
	Kind     EventKind     `json:"kind"`
	ScalerID string        `json:"scaler_id,omitempty"`
	Tasks    []*tasks.Task `json:"tasks"`
	At       time.Time     `json:"at"`
}

// publish sends a task event if a publisher is configured. Failures are
// logged and otherwise ignored: the operation has already taken effect.
func (q *Queue) publish(ctx context.Context, kind EventKind, scalerID string, ts []*tasks.Task) {
	if q.publisher == nil || len(ts) == 0 {
		return
	}

	subject := kind.Subject()
	data, err := json.Marshal(Event{
		Kind:     kind,
		ScalerID: scalerID,
		Tasks:    ts,
		At:       time.Now().UTC(),
	})
	if err != nil {
		q.logger.PublishFailed(subject, err)
		return
	}

	ctx, span := q.tracer.StartPublishSpan(ctx, subject)
	err = q.publisher.Publish(ctx, subject, data)
	q.tracer.EndSpan(span, err)
	if err != nil {
		q.logger.PublishFailed(subject, err)
	}
}

// ScalerWatcher streams scaler registry changes.
type ScalerWatcher interface {
	Watch() (<-chan registry.Event, error)
}

// WatchScalers releases the tasks of every scaler removed from the
// registry until ctx is done or the registry closes the stream.
func (q *Queue) WatchScalers(ctx context.Context, w ScalerWatcher) error {
	events, err := w.Watch()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != registry.EventRemoved {
				continue
			}
			// Errors are already logged by the operation wrapper.
			q.EvictScaler(ctx, ev.Scaler.ID)
		}
	}
}
