// Package config loads taskqueued settings from defaults, an optional TOML
// or YAML file and TASKQUEUE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// ErrInsecurePermissions is returned when a config file holding secrets is
// readable by other users.
var ErrInsecurePermissions = errors.New("config file has insecure permissions")

// Config is the full daemon configuration.
type Config struct {
	Log       LogConfig       `toml:"log" yaml:"log" env-prefix:"TASKQUEUE_LOG_"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http" env-prefix:"TASKQUEUE_HTTP_"`
	Store     StoreConfig     `toml:"store" yaml:"store" env-prefix:"TASKQUEUE_STORE_"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry" env-prefix:"TASKQUEUE_REGISTRY_"`
	Bus       BusConfig       `toml:"bus" yaml:"bus" env-prefix:"TASKQUEUE_BUS_"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats" env-prefix:"TASKQUEUE_NATS_"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres" env-prefix:"TASKQUEUE_POSTGRES_"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis" env-prefix:"TASKQUEUE_REDIS_"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry" env-prefix:"TASKQUEUE_TELEMETRY_"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue" env-prefix:"TASKQUEUE_QUEUE_"`
	Shutdown  ShutdownConfig  `toml:"shutdown" yaml:"shutdown" env-prefix:"TASKQUEUE_SHUTDOWN_"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL" env-description:"debug, info, warn or error"`
	Format string `toml:"format" yaml:"format" env:"FORMAT" env-description:"json or console"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr              string        `toml:"addr" yaml:"addr" env:"ADDR" env-description:"listen address, empty disables HTTP"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	RequestTimeout    time.Duration `toml:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-description:"per-request deadline for task routes"`
	WSAllowedOrigins  []string      `toml:"ws_allowed_origins" yaml:"ws_allowed_origins" env:"WS_ALLOWED_ORIGINS" env-description:"comma separated Origin values accepted on /rpc, empty accepts all"`
	Events            bool          `toml:"events" yaml:"events" env:"EVENTS" env-description:"serve task events on /api/v1/events"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend" env:"BACKEND" env-description:"memory, nats, postgres or redis"`

	// Bucket is the JetStream KV bucket for the nats backend.
	Bucket   string `toml:"bucket" yaml:"bucket" env:"BUCKET"`
	Replicas int    `toml:"replicas" yaml:"replicas" env:"REPLICAS"`
}

// RegistryConfig selects the scaler registry backend.
type RegistryConfig struct {
	Backend  string `toml:"backend" yaml:"backend" env:"BACKEND" env-description:"memory, nats or postgres"`
	Bucket   string `toml:"bucket" yaml:"bucket" env:"BUCKET"`
	Replicas int    `toml:"replicas" yaml:"replicas" env:"REPLICAS"`
}

// BusConfig selects the message bus used for task events and RPC.
type BusConfig struct {
	Backend        string `toml:"backend" yaml:"backend" env:"BACKEND" env-description:"none, memory or nats"`
	BufferSize     int    `toml:"buffer_size" yaml:"buffer_size" env:"BUFFER_SIZE"`
	PublishEvents  bool   `toml:"publish_events" yaml:"publish_events" env:"PUBLISH_EVENTS"`
	RPC            bool   `toml:"rpc" yaml:"rpc" env:"RPC" env-description:"serve JSON-RPC on taskqueue.rpc.<method>"`
	RPCConcurrency int    `toml:"rpc_concurrency" yaml:"rpc_concurrency" env:"RPC_CONCURRENCY"`
}

// NATSConfig is the connection shared by every nats backend.
type NATSConfig struct {
	URL            string        `toml:"url" yaml:"url" env:"URL"`
	Name           string        `toml:"name" yaml:"name" env:"NAME"`
	Token          string        `toml:"token" yaml:"token" env:"TOKEN"`
	User           string        `toml:"user" yaml:"user" env:"USER"`
	Password       string        `toml:"password" yaml:"password" env:"PASSWORD"`
	ConnectTimeout time.Duration `toml:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// PostgresConfig is the pool shared by the postgres store and registry.
type PostgresConfig struct {
	URL         string `toml:"url" yaml:"url" env:"URL"`
	MaxConns    int32  `toml:"max_conns" yaml:"max_conns" env:"MAX_CONNS"`
	AutoMigrate bool   `toml:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig configures the redis store.
type RedisConfig struct {
	Addr      string `toml:"addr" yaml:"addr" env:"ADDR"`
	Password  string `toml:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `toml:"db" yaml:"db" env:"DB"`
	KeyPrefix string `toml:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// TelemetryConfig configures OTLP trace export. An empty endpoint disables
// export unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
type TelemetryConfig struct {
	Endpoint    string            `toml:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Protocol    string            `toml:"protocol" yaml:"protocol" env:"PROTOCOL" env-description:"grpc or http"`
	Insecure    bool              `toml:"insecure" yaml:"insecure" env:"INSECURE"`
	ServiceName string            `toml:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
	Headers     map[string]string `toml:"headers" yaml:"headers" env:"HEADERS"`
	SampleRatio float64           `toml:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	Debug       bool              `toml:"debug" yaml:"debug" env:"DEBUG" env-description:"record task ids on spans"`
}

// QueueConfig tunes the queue facade and assignment engine.
type QueueConfig struct {
	MaxBatchSize        int  `toml:"max_batch_size" yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	MaxClaimRounds      int  `toml:"max_claim_rounds" yaml:"max_claim_rounds" env:"MAX_CLAIM_ROUNDS"`
	ReleaseOnDeregister bool `toml:"release_on_deregister" yaml:"release_on_deregister" env:"RELEASE_ON_DEREGISTER" env-description:"release a scaler's tasks when it leaves the registry"`

	// ReceiveLimit caps receive calls per scaler per ReceiveWindow. 0 disables.
	ReceiveLimit  int           `toml:"receive_limit" yaml:"receive_limit" env:"RECEIVE_LIMIT" env-description:"receive calls allowed per scaler per window (0 = unlimited)"`
	ReceiveWindow time.Duration `toml:"receive_window" yaml:"receive_window" env:"RECEIVE_WINDOW"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `toml:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			RequestTimeout:    30 * time.Second,
			Events:            true,
		},
		Store:    StoreConfig{Backend: BackendMemory, Bucket: "taskqueue-tasks", Replicas: 1},
		Registry: RegistryConfig{Backend: BackendMemory, Bucket: "taskqueue-scalers", Replicas: 1},
		Bus: BusConfig{
			Backend:        BackendMemory,
			BufferSize:     256,
			PublishEvents:  true,
			RPCConcurrency: 16,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "taskqueued",
			ConnectTimeout: 5 * time.Second,
		},
		Redis:     RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "taskqueue:"},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Queue: QueueConfig{
			MaxBatchSize:        100,
			MaxClaimRounds:      8,
			ReleaseOnDeregister: true,
			ReceiveWindow:       time.Second,
		},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
	}
}

// StandardPaths returns the config file locations Load tries when no path
// is given, in order of priority.
func StandardPaths() []string {
	paths := []string{"taskqueue.toml", "taskqueue.yaml", "taskqueue.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, "taskqueue", "config.toml"),
			filepath.Join(dir, "taskqueue", "config.yaml"),
		)
	}
	return paths
}

// Load builds the configuration. With an empty path the first existing
// standard path is used, if any. It returns the file actually read, or ""
// when only defaults and the environment applied.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, path, err
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, path, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%s: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: unsupported config format %q", path, ext)
	}

	if c.hasSecrets() {
		return checkPermissions(path)
	}
	return nil
}

func (c *Config) hasSecrets() bool {
	return c.NATS.Token != "" || c.NATS.Password != "" || c.Redis.Password != "" ||
		strings.Contains(c.Postgres.URL, "@")
}

// checkPermissions rejects files readable or writable by group or others.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o and contains secrets (use 0600 or env vars)",
			ErrInsecurePermissions, path, mode)
	}
	return nil
}

// Validate reports every invalid setting, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Store.Backend, BackendMemory, BackendNATS, BackendPostgres, BackendRedis),
		"store.backend: unknown backend %q", c.Store.Backend)
	check(oneOf(c.Registry.Backend, BackendMemory, BackendNATS, BackendPostgres),
		"registry.backend: unknown backend %q", c.Registry.Backend)
	check(oneOf(c.Bus.Backend, BackendNone, BackendMemory, BackendNATS),
		"bus.backend: unknown backend %q", c.Bus.Backend)
	check(oneOf(strings.ToLower(c.Log.Format), "json", "console"),
		"log.format: must be json or console, got %q", c.Log.Format)
	check(oneOf(c.Telemetry.Protocol, "grpc", "http"),
		"telemetry.protocol: must be grpc or http, got %q", c.Telemetry.Protocol)
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1,
		"telemetry.sample_ratio: must be within [0, 1]")
	check(c.Queue.MaxBatchSize >= 0, "queue.max_batch_size: must not be negative")
	check(c.Queue.MaxClaimRounds >= 0, "queue.max_claim_rounds: must not be negative")
	check(c.Queue.ReceiveLimit >= 0, "queue.receive_limit: must not be negative")
	check(c.Queue.ReceiveLimit == 0 || c.Queue.ReceiveWindow > 0,
		"queue.receive_window: must be positive when receive_limit is set")
	check(c.Bus.RPCConcurrency >= 0, "bus.rpc_concurrency: must not be negative")
	check(c.Shutdown.Timeout >= 0, "shutdown.timeout: must not be negative")

	if c.Store.Backend == BackendPostgres || c.Registry.Backend == BackendPostgres {
		check(c.Postgres.URL != "", "postgres.url: required by the postgres backend")
	}
	if c.Store.Backend == BackendRedis {
		check(c.Redis.Addr != "", "redis.addr: required by the redis store")
	}
	if c.UsesNATS() {
		check(c.NATS.URL != "", "nats.url: required by the nats backend")
	}
	check(!c.Bus.RPC || c.Bus.Backend != BackendNone, "bus.rpc: needs a bus backend")

	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Store.Backend == BackendNATS || c.Registry.Backend == BackendNATS || c.Bus.Backend == BackendNATS
}

// UsesPostgres reports whether any component needs the Postgres pool.
func (c *Config) UsesPostgres() bool {
	return c.Store.Backend == BackendPostgres || c.Registry.Backend == BackendPostgres
}

// EnvHelp describes the environment variables Load reads.
func EnvHelp() string {
	help, err := cleanenv.GetDescription(Default(), nil)
	if err != nil {
		return ""
	}
	return help
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
