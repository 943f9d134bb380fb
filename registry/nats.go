package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/taskqueue/tasks"
)

// NATSRegistry keeps scalers in a JetStream KV bucket, one key per scaler
// ID, so every taskqueued process sharing the cluster sees the same set.
type NATSRegistry struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
	cfg  NATSRegistryConfig

	mu       sync.RWMutex
	watchers watchers
	closed   bool
	cancel   context.CancelFunc
}

type NATSRegistryConfig struct {
	Bucket    string        // default "taskqueue-scalers"
	Replicas  int           // 1-5, default 1
	OpTimeout time.Duration // per KV call, default 5s
}

func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		Bucket:    "taskqueue-scalers",
		Replicas:  1,
		OpTimeout: 5 * time.Second,
	}
}

func (c NATSRegistryConfig) withDefaults() NATSRegistryConfig {
	d := DefaultNATSRegistryConfig()
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.Replicas < 1 {
		c.Replicas = d.Replicas
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	return c
}

// NewNATSRegistry creates or binds the bucket on conn and starts mirroring
// bucket changes to watchers. The caller keeps owning conn.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, errors.New("registry: nil nats connection")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.OpTimeout)
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "taskqueue scalers",
		Replicas:    cfg.Replicas,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("scaler bucket %s: %w", cfg.Bucket, err)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	r := &NATSRegistry{conn: conn, kv: kv, cfg: cfg, cancel: stop}
	go r.mirror(watchCtx)
	return r, nil
}

// begin bounds one KV call, failing once the registry is closed.
func (r *NATSRegistry) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	return ctx, cancel, nil
}

// Register stores scaler. Re-registering keeps the original RegisteredAt.
func (r *NATSRegistry) Register(ctx context.Context, scaler tasks.Scaler) error {
	if err := ValidateID(scaler.ID); err != nil {
		return err
	}
	ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	prev, err := r.get(ctx, scaler.ID)
	switch {
	case err == nil:
		scaler.RegisteredAt = prev.RegisteredAt
	case !errors.Is(err, tasks.ErrNotFound):
		return err
	}
	if scaler.RegisteredAt.IsZero() {
		scaler.RegisteredAt = time.Now().UTC()
	}

	data, err := json.Marshal(scaler)
	if err != nil {
		return fmt.Errorf("encode scaler %s: %w", scaler.ID, err)
	}
	if _, err := r.kv.Put(ctx, scaler.ID, data); err != nil {
		return fmt.Errorf("kv put %s: %w", scaler.ID, err)
	}
	return nil
}

func (r *NATSRegistry) Deregister(ctx context.Context, id string) error {
	if ValidateID(id) != nil {
		return tasks.ErrNotFound
	}
	ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if _, err := r.get(ctx, id); err != nil {
		return err
	}
	if err := r.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	return nil
}

func (r *NATSRegistry) FindScaler(ctx context.Context, id string) (*tasks.Scaler, error) {
	if ValidateID(id) != nil {
		return nil, tasks.ErrNotFound
	}
	ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.get(ctx, id)
}

func (r *NATSRegistry) get(ctx context.Context, id string) (*tasks.Scaler, error) {
	entry, err := r.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", id, err)
	}
	var scaler tasks.Scaler
	if err := json.Unmarshal(entry.Value(), &scaler); err != nil {
		return nil, fmt.Errorf("decode scaler %s: %w", id, err)
	}
	return &scaler, nil
}

// List returns every scaler ordered by ID. Keys deleted between listing
// and reading are skipped.
func (r *NATSRegistry) List(ctx context.Context) ([]tasks.Scaler, error) {
	ctx, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	keys, err := r.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []tasks.Scaler{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}

	out := make([]tasks.Scaler, 0, len(keys))
	for _, key := range keys {
		if s, err := r.get(ctx, key); err == nil {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b tasks.Scaler) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Watch returns a channel of registry events, including changes made by
// other processes.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	return r.watchers.add(), nil
}

// Close stops the mirror and ends every Watch channel. conn stays open.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.cancel()
		r.watchers.closeAll()
	}
	return nil
}

// mirror relays bucket changes to watchers. The initial replay only seeds
// the known IDs, so a later put can be reported as added or updated.
func (r *NATSRegistry) mirror(ctx context.Context) {
	w, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer w.Stop()

	known := map[string]bool{}
	live := false
	for {
		var entry jetstream.KeyValueEntry
		var ok bool
		select {
		case <-ctx.Done():
			return
		case entry, ok = <-w.Updates():
		}
		switch {
		case !ok:
			return
		case entry == nil:
			live = true
			continue
		}
		ev, ok := eventFromEntry(entry, known)
		if !ok || !live {
			continue
		}
		r.mu.RLock()
		if !r.closed {
			r.watchers.notify(ev)
		}
		r.mu.RUnlock()
	}
}

// eventFromEntry maps a KV update onto an Event and tracks known IDs.
func eventFromEntry(entry jetstream.KeyValueEntry, known map[string]bool) (Event, bool) {
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var scaler tasks.Scaler
		if err := json.Unmarshal(entry.Value(), &scaler); err != nil {
			return Event{}, false
		}
		eventType := EventAdded
		if known[entry.Key()] {
			eventType = EventUpdated
		}
		known[entry.Key()] = true
		return Event{Type: eventType, Scaler: scaler}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(known, entry.Key())
		return Event{Type: EventRemoved, Scaler: tasks.Scaler{ID: entry.Key()}}, true
	default:
		return Event{}, false
	}
}

func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}

var _ Registry = (*NATSRegistry)(nil)
