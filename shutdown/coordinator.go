package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
)

// Coordinator runs registered handlers phase by phase when the process
// stops.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *Result
	signals      chan os.Signal
	signaled     chan struct{}
	signalOnce   sync.Once
}

// NewCoordinator fills zero Timeout and DefaultPhase from DefaultConfig.
func NewCoordinator(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	return &Coordinator{
		config:   config,
		logger:   config.Logger,
		done:     make(chan struct{}),
		signals:  make(chan os.Signal, 1),
		signaled: make(chan struct{}),
	}
}

// Register adds handler in Config.DefaultPhase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: handler})
}

// RegisterFunc registers fn in the given phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs all handlers once. Later calls wait for the first to
// finish and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.shutdownOnce.Do(func() {
		first = true
		c.shutdownErr = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.shutdownErr
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on the first SIGTERM or SIGINT. Signaled is
// closed as soon as the signal arrives.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signals:
			signal.Stop(c.signals)
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			c.markSignaled()
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
			signal.Stop(c.signals)
		}
	}()
}

// Trigger behaves like a received SIGTERM. It needs HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

func (c *Coordinator) markSignaled() {
	c.signalOnce.Do(func() { close(c.signaled) })
}

// Signaled returns a channel closed when a shutdown signal arrives.
func (c *Coordinator) Signaled() <-chan struct{} {
	return c.signaled
}

// Done is closed once every phase has run or the deadline passed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed shutdown result once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	regs := slices.Clone(c.handlers)
	c.mu.Unlock()
	slices.SortStableFunc(regs, func(a, b registration) int { return cmp.Compare(a.phase, b.phase) })

	res := &Result{Results: make([]HandlerResult, 0, len(regs))}
	err := c.runPhases(ctx, regs, res)

	res.Err = err
	res.TotalDuration = time.Since(start)
	c.result = res

	fields := map[string]interface{}{"duration": res.TotalDuration.String()}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Error("shutdown_failed", fields)
	} else {
		c.logger.Info("shutdown_complete", fields)
	}
	return err
}

// runPhases stops at the deadline, and at the first failed phase unless
// ContinueOnError is set.
func (c *Coordinator) runPhases(ctx context.Context, regs []registration, res *Result) error {
	var failed error
	for _, phase := range groupByPhase(regs) {
		if ctx.Err() != nil {
			return ErrTimeout
		}
		results := c.runPhase(ctx, phase)
		res.Results = append(res.Results, results...)
		if slices.ContainsFunc(results, func(hr HandlerResult) bool { return hr.Err != nil }) {
			failed = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return failed
			}
		}
	}
	return failed
}

// runPhase stops one phase's handlers concurrently.
func (c *Coordinator) runPhase(ctx context.Context, regs []registration) []HandlerResult {
	results := make([]HandlerResult, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.stop(ctx, reg)
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) stop(ctx context.Context, reg registration) HandlerResult {
	began := time.Now()
	err := reg.handler.OnShutdown(ctx)
	hr := HandlerResult{Name: reg.name, Phase: reg.phase, Duration: time.Since(began), Err: err}

	fields := map[string]interface{}{
		"handler":  hr.Name,
		"phase":    hr.Phase,
		"duration": hr.Duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Warn("shutdown_handler_failed", fields)
	} else {
		c.logger.Debug("shutdown_handler_done", fields)
	}
	return hr
}

// groupByPhase splits regs, sorted by phase, at each phase change.
func groupByPhase(regs []registration) [][]registration {
	var groups [][]registration
	for i, r := range regs {
		if i == 0 || r.phase != regs[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], r)
	}
	return groups
}
