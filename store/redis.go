package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/taskqueue/tasks"
)

// RedisStoreConfig holds Redis store configuration.
type RedisStoreConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	Password string
	DB       int

	// KeyPrefix namespaces every key the store writes.
	// Default: "taskqueue:"
	KeyPrefix string

	// OpTimeout bounds each command when the caller sets no deadline.
	// Default: DefaultOpTimeout
	OpTimeout time.Duration
}

// RedisStore implements tasks.Store on Redis. Each task is a JSON string
// key; a set holds every task ID for scans. Conditional updates use
// WATCH/MULTI/EXEC on the task key.
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	timeout   time.Duration
	ownClient bool
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStoreFromClient(rdb, cfg.KeyPrefix)
	s.ownClient = true
	if cfg.OpTimeout > 0 {
		s.timeout = cfg.OpTimeout
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close leaves it open.
func NewRedisStoreFromClient(rdb *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "taskqueue:"
	}
	return &RedisStore{
		rdb:     rdb,
		prefix:  keyPrefix,
		timeout: DefaultOpTimeout,
	}
}

func (s *RedisStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "tasks"
}

// Insert writes the task key if absent and adds the ID to the index.
func (s *RedisStore) Insert(ctx context.Context, task *tasks.Task) (string, error) {
	stored := task.Clone()
	if stored.ID == "" {
		stored.ID = tasks.NewID()
	}
	data, err := encodeTask(stored)
	if err != nil {
		return "", err
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.taskKey(stored.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), stored.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis insert: %w", err)
	}
	if !created.Val() {
		return "", ErrDuplicateID
	}
	return stored.ID, nil
}

// FindByID retrieves a task by ID.
func (s *RedisStore) FindByID(ctx context.Context, id string) (*tasks.Task, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	key := s.taskKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeTask(key, data)
}

// FindMany loads every indexed task with one MGET and filters client-side.
func (s *RedisStore) FindMany(ctx context.Context, q tasks.Query) ([]*tasks.Task, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	all := make([]*tasks.Task, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Indexed but missing.
			continue
		}
		t, err := decodeTask(keys[i], []byte(str))
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	return q.Select(all), nil
}

// ConditionalUpdate watches the task key, checks cond and writes the patched
// task in a transaction. A transaction aborted by a concurrent write is
// retried from the read.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, cond tasks.Filter, patch tasks.Patch) (*tasks.Task, error) {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	key := s.taskKey(id)
	var updated *tasks.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return tasks.ErrNotFound
		}
		if err != nil {
			return err
		}
		t, err := decodeTask(key, data)
		if err != nil {
			return err
		}
		if !cond.Matches(t) {
			return tasks.ErrNotApplied
		}

		patch.Apply(t)
		next, err := encodeTask(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, tasks.ErrNotFound), errors.Is(err, tasks.ErrNotApplied):
			return nil, err
		default:
			return nil, fmt.Errorf("redis update: %w", err)
		}
	}
	return nil, fmt.Errorf("redis update %s: key kept changing after %d attempts", id, maxCASAttempts)
}

// UpdateMany applies patch to each matching task with its own transaction.
func (s *RedisStore) UpdateMany(ctx context.Context, filter tasks.Filter, patch tasks.Patch) (int, error) {
	matched, err := s.FindMany(ctx, tasks.Query{Filter: filter})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range matched {
		_, err := s.ConditionalUpdate(ctx, t.ID, filter, patch)
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

// Close closes the client if the store opened it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.rdb.Close()
	}
	return nil
}

var _ tasks.Store = (*RedisStore)(nil)
