package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
)

var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more handlers failed")
)

// Phases used by taskqueued. Lower phases stop first; handlers in the same
// phase stop concurrently.
const (
	PhaseIngress     = 10 // HTTP server, stdio, SSE streams
	PhaseWorkers     = 20 // bus responder, event relay, scaler watcher
	PhaseBackends    = 30 // bus, task store, registry, receive limiter
	PhaseConnections = 35 // shared NATS connection, Postgres pool
	PhaseTelemetry   = 40 // last, so shutdown spans still export
)

// Handler stops one component. ctx ends at the shutdown deadline.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records how one handler fared.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown, handlers in the order they
// finished.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers names the handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var names []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			names = append(names, hr.Name)
		}
	}
	return names
}

type Config struct {
	// Timeout bounds signal-triggered shutdowns and ShutdownWithTimeout(0).
	Timeout time.Duration

	// DefaultPhase is given to handlers registered with Register.
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool

	Logger *logging.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	phase   int
	handler Handler
}
