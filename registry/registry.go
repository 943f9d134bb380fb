package registry

import (
	"context"
	"errors"
	"regexp"

	"github.com/vinayprograms/taskqueue/tasks"
)

// Common errors.
var (
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid scaler ID")
)

// validID limits IDs to characters every backend can use as a key.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.=-]{0,127}$`)

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType `json:"type"`

	// Scaler contains the scaler information.
	// For removal events only the ID is guaranteed.
	Scaler tasks.Scaler `json:"scaler"`
}

// Registry provides scaler registration and lookup.
type Registry interface {
	tasks.ScalerFinder

	// Register adds or updates a scaler.
	Register(ctx context.Context, scaler tasks.Scaler) error

	// Deregister removes a scaler.
	// Returns tasks.ErrNotFound if the scaler doesn't exist.
	Deregister(ctx context.Context, id string) error

	// List returns all scalers sorted by ID.
	List(ctx context.Context) ([]tasks.Scaler, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// ValidateID checks that id can be stored by every backend.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// watchers fans events out to subscribers. Slow subscribers miss events.
type watchers struct {
	chans []chan Event
}

func (w *watchers) add() <-chan Event {
	ch := make(chan Event, 64)
	w.chans = append(w.chans, ch)
	return ch
}

func (w *watchers) notify(event Event) {
	for _, ch := range w.chans {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func (w *watchers) closeAll() {
	for _, ch := range w.chans {
		close(ch)
	}
	w.chans = nil
}
