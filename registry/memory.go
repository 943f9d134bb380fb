package registry

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskqueue/tasks"
)

// MemoryRegistry keeps scalers in a map. Used by tests and single-process
// deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	scalers  map[string]tasks.Scaler
	watchers watchers
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{scalers: map[string]tasks.Scaler{}}
}

// Register stores a copy of scaler. Re-registering keeps the original
// RegisteredAt and is reported as EventUpdated.
func (r *MemoryRegistry) Register(_ context.Context, scaler tasks.Scaler) error {
	if err := ValidateID(scaler.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	ev := Event{Type: EventAdded}
	if prev, ok := r.scalers[scaler.ID]; ok {
		scaler.RegisteredAt = prev.RegisteredAt
		ev.Type = EventUpdated
	} else if scaler.RegisteredAt.IsZero() {
		scaler.RegisteredAt = time.Now().UTC()
	}
	scaler.Metadata = maps.Clone(scaler.Metadata)
	r.scalers[scaler.ID] = scaler

	ev.Scaler = scaler
	r.watchers.notify(ev)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	scaler, ok := r.scalers[id]
	if !ok {
		return tasks.ErrNotFound
	}
	delete(r.scalers, id)
	r.watchers.notify(Event{Type: EventRemoved, Scaler: scaler})
	return nil
}

func (r *MemoryRegistry) FindScaler(_ context.Context, id string) (*tasks.Scaler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	scaler, ok := r.scalers[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	scaler.Metadata = maps.Clone(scaler.Metadata)
	return &scaler, nil
}

// List returns copies ordered by ID.
func (r *MemoryRegistry) List(_ context.Context) ([]tasks.Scaler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	out := make([]tasks.Scaler, 0, len(r.scalers))
	for _, s := range r.scalers {
		s.Metadata = maps.Clone(s.Metadata)
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b tasks.Scaler) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.watchers.add(), nil
}

// Close ends every Watch channel.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.watchers.closeAll()
	}
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
