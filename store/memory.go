package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/vinayprograms/taskqueue/tasks"
)

// DefaultShards is the number of shards a MemoryStore uses unless configured.
const DefaultShards = 32

// MemoryStore implements tasks.Store using in-memory storage.
// Tasks are spread over shards by the hash of their ID, so claims on
// different tasks rarely contend for the same lock.
type MemoryStore struct {
	shards []*shard
	idGen  func() string
	closed atomic.Bool
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*tasks.Task
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithShards sets the number of shards. Values below one are ignored.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) MemoryOption {
	return func(s *MemoryStore) {
		s.idGen = gen
	}
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards: newShards(DefaultShards),
		idGen:  tasks.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{tasks: make(map[string]*tasks.Task)}
	}
	return shards
}

func (s *MemoryStore) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// Insert stores a copy of task, generating an ID when it has none.
func (s *MemoryStore) Insert(ctx context.Context, task *tasks.Task) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	stored := task.Clone()
	if stored.ID == "" {
		stored.ID = s.idGen()
	}

	sh := s.shardFor(stored.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.tasks[stored.ID]; exists {
		return "", ErrDuplicateID
	}
	sh.tasks[stored.ID] = stored

	return stored.ID, nil
}

// FindByID returns a copy of the task.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*tasks.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	t, ok := sh.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	return t.Clone(), nil
}

// FindMany scans every shard and returns copies of the matching tasks.
// Shards are read one at a time, so the result is not a single snapshot.
func (s *MemoryStore) FindMany(ctx context.Context, q tasks.Query) ([]*tasks.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var matched []*tasks.Task
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tasks {
			if q.Filter.Matches(t) {
				matched = append(matched, t.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	return tasks.Query{Sort: q.Sort, Limit: q.Limit}.Select(matched), nil
}

// ConditionalUpdate checks cond and applies patch under the task's shard lock.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, cond tasks.Filter, patch tasks.Patch) (*tasks.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t, ok := sh.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	if !cond.Matches(t) {
		return nil, tasks.ErrNotApplied
	}

	patch.Apply(t)
	return t.Clone(), nil
}

// UpdateMany applies patch shard by shard to every matching task.
func (s *MemoryStore) UpdateMany(ctx context.Context, filter tasks.Filter, patch tasks.Patch) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, t := range sh.tasks {
			if filter.Matches(t) {
				patch.Apply(t)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of stored tasks.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.tasks)
		sh.mu.RUnlock()
	}
	return n
}

// Close marks the store closed. Subsequent calls fail with tasks.ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return tasks.ErrStoreClosed
	}
	return ctx.Err()
}

var _ tasks.Store = (*MemoryStore)(nil)
