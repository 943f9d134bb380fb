package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskqueue/api"
	"github.com/vinayprograms/taskqueue/bus"
	"github.com/vinayprograms/taskqueue/config"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/metrics"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/ratelimit"
	"github.com/vinayprograms/taskqueue/registry"
	"github.com/vinayprograms/taskqueue/shutdown"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/telemetry"
	"github.com/vinayprograms/taskqueue/transport"
)

// app holds every component of a running daemon.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	coord  *shutdown.Coordinator

	store    tasks.Store
	registry registry.Registry
	bus      bus.MessageBus
	queue    *queue.Queue
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	events   *transport.SSEBroadcaster
	handler  http.Handler
	checks   []func(context.Context) error
}

// newApp builds the components described by cfg and registers their
// closers with coord. On error everything built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, coord *shutdown.Coordinator) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, coord: coord, tracer: telemetry.GetTracer()}
	defer func() {
		if err != nil {
			_ = coord.ShutdownWithTimeout(cfg.Shutdown.Timeout)
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}

	var nc *nats.Conn
	if cfg.UsesNATS() {
		nb, err := bus.NewNATSBus(natsBusConfig(cfg, logger))
		if err != nil {
			return nil, err
		}
		coord.RegisterFunc("nats", shutdown.PhaseConnections, func(context.Context) error {
			return nb.Close()
		})
		nc = nb.Conn()
		a.checks = append(a.checks, natsHealth(nc))
		logger.Info("nats_connected", map[string]interface{}{"url": nc.ConnectedUrlRedacted()})
	}

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		if pool, err = openPostgres(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
		coord.RegisterFunc("postgres", shutdown.PhaseConnections, func(context.Context) error {
			pool.Close()
			return nil
		})
		a.checks = append(a.checks, pool.Ping)
	}

	if a.store, err = openStore(ctx, cfg, nc, pool); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	coord.RegisterFunc("store", shutdown.PhaseBackends, func(context.Context) error {
		return a.store.Close()
	})

	if a.registry, err = openRegistry(ctx, cfg, nc, pool); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	coord.RegisterFunc("registry", shutdown.PhaseBackends, func(context.Context) error {
		return a.registry.Close()
	})

	if a.bus, err = openBus(cfg, nc, logger); err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	if a.bus != nil {
		// The shared NATS connection is closed in its own phase.
		coord.RegisterFunc("bus", shutdown.PhaseBackends, func(context.Context) error {
			return a.bus.Close()
		})
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(promReg)

	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithMetrics(a.metrics),
		queue.WithTracer(a.tracer),
		queue.WithMaxBatchSize(cfg.Queue.MaxBatchSize),
		queue.WithMaxClaimRounds(cfg.Queue.MaxClaimRounds),
	}
	if a.bus != nil && cfg.Bus.PublishEvents {
		opts = append(opts, queue.WithPublisher(a.bus))
	}
	if cfg.Queue.ReceiveLimit > 0 {
		limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{
			Capacity: cfg.Queue.ReceiveLimit,
			Window:   cfg.Queue.ReceiveWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("receive limiter: %w", err)
		}
		coord.RegisterFunc("receive-limiter", shutdown.PhaseBackends, func(context.Context) error {
			return limiter.Close()
		})
		opts = append(opts, queue.WithReceiveLimiter(limiter))
	}
	a.queue = queue.New(a.store, a.registry, opts...)

	routerOpts := []api.Option{
		api.WithRegistry(a.registry),
		api.WithMetrics(a.metrics),
		api.WithLogger(logger.WithComponent("http")),
		api.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		api.WithWebSocket(transport.DefaultWebSocketConfig(), originChecker(cfg.HTTP.WSAllowedOrigins)),
	}
	if len(a.checks) > 0 {
		routerOpts = append(routerOpts, api.WithHealthCheck(a.healthy))
	}
	if cfg.HTTP.Events && a.bus != nil && cfg.Bus.PublishEvents {
		a.events = transport.NewSSEBroadcaster(transport.DefaultSSEConfig(), logger.WithComponent("events"))
		coord.RegisterFunc("events", shutdown.PhaseIngress, func(context.Context) error {
			return a.events.Close()
		})
		routerOpts = append(routerOpts, api.WithEvents(a.events))
	}
	a.handler = api.NewRouter(a.queue, routerOpts...)

	return a, nil
}

func (a *app) healthy(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) initTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if tc.Endpoint == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil
	}

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: version,
		Endpoint:       tc.Endpoint,
		Protocol:       tc.Protocol,
		Insecure:       tc.Insecure,
		Debug:          tc.Debug,
		Headers:        tc.Headers,
		SampleRatio:    tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)

	a.tracer = provider.Tracer()
	telemetry.SetGlobalTracer(a.tracer)
	return nil
}

// start runs the configured servers and background loops. The first
// component to stop, with or without an error, is reported on the
// returned channel. Stopping is left to the coordinator.
func (a *app) start(stdin io.Reader, stdout io.Writer, stdio bool) (<-chan error, error) {
	exited := make(chan error, 1)
	report := func(name string, err error) {
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		select {
		case exited <- err:
		default:
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var g errgroup.Group
	run := func(name string, fn func() error) {
		g.Go(func() error {
			err := fn()
			if workerCtx.Err() == nil {
				report(name, err)
			}
			return err
		})
	}

	if stdio {
		t := transport.NewStdioTransport(stdin, stdout, transport.DefaultConfig())
		t.SetLogger(a.logger.WithComponent("stdio"))
		srv := transport.NewServer(api.NewDispatcher(a.queue), transport.WithServerLogger(a.logger))
		a.coord.RegisterFunc("stdio", shutdown.PhaseIngress, func(context.Context) error {
			return t.Close()
		})
		run("stdio_transport", func() error { return t.Run(workerCtx) })
		run("stdio", func() error { return srv.Serve(workerCtx, t) })
	} else if a.cfg.HTTP.Addr != "" {
		ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
		if err != nil {
			stopWorkers()
			return nil, err
		}
		srv := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		}
		a.coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)
		a.logger.Info("http_listening", map[string]interface{}{"addr": ln.Addr().String()})
		run("http", func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if a.bus != nil && a.cfg.Bus.RPC {
		responder := api.NewBusResponder(a.bus, api.NewDispatcher(a.queue),
			api.WithBusLogger(a.logger.WithComponent("rpc")),
			api.WithBusTracer(a.tracer),
			api.WithBusConcurrency(a.cfg.Bus.RPCConcurrency),
		)
		run("bus_responder", func() error { return responder.Run(workerCtx) })
	}
	if a.events != nil {
		run("event_relay", func() error { return api.RelayEvents(workerCtx, a.bus, a.events) })
	}
	if a.cfg.Queue.ReleaseOnDeregister {
		run("scaler_watcher", func() error { return a.queue.WatchScalers(workerCtx, a.registry) })
	}

	a.coord.RegisterFunc("workers", shutdown.PhaseWorkers, func(ctx context.Context) error {
		stopWorkers()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return exited, nil
}

func natsBusConfig(cfg *config.Config, logger *logging.Logger) bus.NATSConfig {
	nc := bus.DefaultNATSConfig()
	nc.Logger = logger.WithComponent("nats")
	nc.BufferSize = cfg.Bus.BufferSize
	nc.URL = cfg.NATS.URL
	nc.Name = cfg.NATS.Name
	nc.Token = cfg.NATS.Token
	nc.User = cfg.NATS.User
	nc.Password = cfg.NATS.Password
	if cfg.NATS.ConnectTimeout > 0 {
		nc.ConnectTimeout = cfg.NATS.ConnectTimeout
	}
	return nc
}

func natsHealth(nc *nats.Conn) func(context.Context) error {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	}
}

func openPostgres(ctx context.Context, pc config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if pc.MaxConns > 0 {
		poolCfg.MaxConns = pc.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func openStore(ctx context.Context, cfg *config.Config, nc *nats.Conn, pool *pgxpool.Pool) (tasks.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		sc := store.DefaultNATSStoreConfig()
		sc.Conn = nc
		sc.Bucket = cfg.Store.Bucket
		sc.Replicas = cfg.Store.Replicas
		return store.NewNATSStore(ctx, sc)
	case config.BackendPostgres:
		s := store.NewPostgresStoreFromPool(pool)
		if cfg.Postgres.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil
	case config.BackendRedis:
		return store.NewRedisStore(ctx, store.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return store.NewMemoryStore(), nil
	}
}

func openRegistry(ctx context.Context, cfg *config.Config, nc *nats.Conn, pool *pgxpool.Pool) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case config.BackendNATS:
		rc := registry.DefaultNATSRegistryConfig()
		rc.Bucket = cfg.Registry.Bucket
		rc.Replicas = cfg.Registry.Replicas
		return registry.NewNATSRegistry(nc, rc)
	case config.BackendPostgres:
		r := registry.NewPostgresRegistry(pool)
		if cfg.Postgres.AutoMigrate {
			if err := r.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return r, nil
	default:
		return registry.NewMemoryRegistry(), nil
	}
}

func openBus(cfg *config.Config, nc *nats.Conn, logger *logging.Logger) (bus.MessageBus, error) {
	switch cfg.Bus.Backend {
	case config.BackendNATS:
		return bus.NewNATSBusFromConn(nc, natsBusConfig(cfg, logger)), nil
	case config.BackendMemory:
		return bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize}), nil
	default:
		return nil, nil
	}
}

// originChecker accepts any origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}
