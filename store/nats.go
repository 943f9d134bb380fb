package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/taskqueue/tasks"
)

const natsKeyPrefix = "task."

// NATSStore implements tasks.Store using NATS JetStream KV.
// Each task is one key; the entry revision is the compare-and-set token.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Replicas is the number of bucket replicas.
	// Default: 1
	Replicas int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32

	// OpTimeout bounds each KV call when the caller sets no deadline.
	// Default: DefaultOpTimeout
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskqueue-tasks",
		Replicas:     1,
		MaxValueSize: 64 * 1024,
		OpTimeout:    DefaultOpTimeout,
	}
}

// NewNATSStore creates a NATS JetStream KV task store, creating the bucket
// if it does not exist.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = defaults.Replicas
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "taskqueue tasks",
		History:      1,
		Replicas:     cfg.Replicas,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
	}, nil
}

func natsKey(id string) string {
	return natsKeyPrefix + id
}

// Insert creates the task key. Create fails if the key already exists.
func (s *NATSStore) Insert(ctx context.Context, task *tasks.Task) (string, error) {
	if s.closed.Load() {
		return "", tasks.ErrStoreClosed
	}

	stored := task.Clone()
	if stored.ID == "" {
		stored.ID = tasks.NewID()
	}
	data, err := encodeTask(stored)
	if err != nil {
		return "", err
	}

	ctx, cancel := opContext(ctx, s.config.OpTimeout)
	defer cancel()

	if _, err := s.kv.Create(ctx, natsKey(stored.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return "", ErrDuplicateID
		}
		return "", fmt.Errorf("kv create: %w", err)
	}
	return stored.ID, nil
}

// FindByID retrieves a task by ID.
func (s *NATSStore) FindByID(ctx context.Context, id string) (*tasks.Task, error) {
	if s.closed.Load() {
		return nil, tasks.ErrStoreClosed
	}

	ctx, cancel := opContext(ctx, s.config.OpTimeout)
	defer cancel()

	t, _, err := s.get(ctx, id)
	return t, err
}

// get returns the task together with its revision.
func (s *NATSStore) get(ctx context.Context, id string) (*tasks.Task, uint64, error) {
	entry, err := s.kv.Get(ctx, natsKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, tasks.ErrNotFound
		}
		return nil, 0, fmt.Errorf("kv get: %w", err)
	}
	t, err := decodeTask(entry.Key(), entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return t, entry.Revision(), nil
}

// ids lists the IDs of all stored tasks.
func (s *NATSStore) ids(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx, jetstream.MetaOnly())
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var ids []string
	for key := range lister.Keys() {
		if id, ok := strings.CutPrefix(key, natsKeyPrefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FindMany reads every task and filters client-side.
func (s *NATSStore) FindMany(ctx context.Context, q tasks.Query) ([]*tasks.Task, error) {
	if s.closed.Load() {
		return nil, tasks.ErrStoreClosed
	}

	ctx, cancel := opContext(ctx, s.config.OpTimeout)
	defer cancel()

	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}

	all := make([]*tasks.Task, 0, len(ids))
	for _, id := range ids {
		t, _, err := s.get(ctx, id)
		if errors.Is(err, tasks.ErrNotFound) {
			// Deleted between list and get.
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}

	return q.Select(all), nil
}

// ConditionalUpdate reads the task, checks cond and writes the patched task
// only if the revision is unchanged. When the revision moved but the
// condition still holds, the read is repeated.
func (s *NATSStore) ConditionalUpdate(ctx context.Context, id string, cond tasks.Filter, patch tasks.Patch) (*tasks.Task, error) {
	if s.closed.Load() {
		return nil, tasks.ErrStoreClosed
	}

	ctx, cancel := opContext(ctx, s.config.OpTimeout)
	defer cancel()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		t, rev, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cond.Matches(t) {
			return nil, tasks.ErrNotApplied
		}

		patch.Apply(t)
		data, err := encodeTask(t)
		if err != nil {
			return nil, err
		}

		_, err = s.kv.Update(ctx, natsKey(id), data, rev)
		if err == nil {
			return t, nil
		}
		if !isRevisionMismatch(err) {
			return nil, fmt.Errorf("kv update: %w", err)
		}
	}

	return nil, fmt.Errorf("kv update %s: revision kept changing after %d attempts", id, maxCASAttempts)
}

// UpdateMany applies patch to each matching task with its own
// compare-and-set.
func (s *NATSStore) UpdateMany(ctx context.Context, filter tasks.Filter, patch tasks.Patch) (int, error) {
	if s.closed.Load() {
		return 0, tasks.ErrStoreClosed
	}

	listCtx, cancel := opContext(ctx, s.config.OpTimeout)
	ids, err := s.ids(listCtx)
	cancel()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		_, err := s.ConditionalUpdate(ctx, id, filter, patch)
		switch {
		case err == nil:
			n++
		case errors.Is(err, tasks.ErrNotApplied), errors.Is(err, tasks.ErrNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}

// Close marks the store closed. The connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

// isRevisionMismatch reports whether an update lost to a concurrent write.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ tasks.Store = (*NATSStore)(nil)
