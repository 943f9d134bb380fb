package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/registry"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/tasks"
)

type fixture struct {
	engine  *Engine
	store   *store.MemoryStore
	manager *tasks.Manager
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newFixture(t *testing.T, scalers ...string) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, scalers...)
}

// newFixtureWithStore lets a test wrap the memory store. wrap may be nil.
func newFixtureWithStore(t *testing.T, wrap func(tasks.Store) tasks.Store, scalers ...string) *fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	reg := registry.NewMemoryRegistry()
	t.Cleanup(func() { reg.Close() })
	for _, id := range scalers {
		if err := reg.Register(context.Background(), tasks.Scaler{ID: id}); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}

	var s tasks.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}

	clock := stepClock()
	return &fixture{
		engine:  NewEngine(s, reg, WithClock(clock)),
		store:   mem,
		manager: tasks.NewManager(mem, tasks.WithClock(clock)),
	}
}

func (f *fixture) create(t *testing.T, u tasks.Urgency, n int) []*tasks.Task {
	t.Helper()
	created := make([]*tasks.Task, 0, n)
	for i := 0; i < n; i++ {
		task, err := f.manager.Create(context.Background(), u)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		created = append(created, task)
	}
	return created
}

func urgencies(ts []*tasks.Task) []tasks.Urgency {
	out := make([]tasks.Urgency, len(ts))
	for i, task := range ts {
		out[i] = task.Urgency
	}
	return out
}

func equalUrgencies(a, b []tasks.Urgency) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClaimOnePerUrgency(t *testing.T) {
	f := newFixture(t, "worker1", "worker2", "worker3")
	ctx := context.Background()

	f.create(t, tasks.UrgencyImmediate, 1)
	f.create(t, tasks.UrgencyDay, 1)
	f.create(t, tasks.UrgencyWeek, 1)

	want := map[string]tasks.Urgency{
		"worker1": tasks.UrgencyImmediate,
		"worker2": tasks.UrgencyDay,
		"worker3": tasks.UrgencyWeek,
	}
	for _, worker := range []string{"worker1", "worker2", "worker3"} {
		got, err := f.engine.ClaimBatch(ctx, worker, 1)
		if err != nil {
			t.Fatalf("ClaimBatch(%s) failed: %v", worker, err)
		}
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 task, got %d", worker, len(got))
		}
		if got[0].Urgency != want[worker] {
			t.Errorf("%s: got %v, want %v", worker, got[0].Urgency, want[worker])
		}
		if got[0].Assignee != worker {
			t.Errorf("%s: assignee = %q", worker, got[0].Assignee)
		}
	}
}

func TestClaimBatchesSpanUrgencies(t *testing.T) {
	f := newFixture(t, "worker1", "worker2", "worker3")
	ctx := context.Background()

	f.create(t, tasks.UrgencyImmediate, 3)
	days := f.create(t, tasks.UrgencyDay, 4)
	f.create(t, tasks.UrgencyWeek, 5)

	I, D, W := tasks.UrgencyImmediate, tasks.UrgencyDay, tasks.UrgencyWeek
	want := map[string][]tasks.Urgency{
		"worker1": {I, I, I, D},
		"worker2": {D, D, D, W},
		"worker3": {W, W, W, W},
	}

	var first []*tasks.Task
	for _, worker := range []string{"worker1", "worker2", "worker3"} {
		got, err := f.engine.ClaimBatch(ctx, worker, 4)
		if err != nil {
			t.Fatalf("ClaimBatch(%s) failed: %v", worker, err)
		}
		if !equalUrgencies(urgencies(got), want[worker]) {
			t.Errorf("%s: got %v, want %v", worker, urgencies(got), want[worker])
		}
		if worker == "worker1" {
			first = got
		}
	}

	// Within an urgency the oldest task goes first.
	if first[3].ID != days[0].ID {
		t.Errorf("worker1 got day task %s, want oldest %s", first[3].ID, days[0].ID)
	}
}

func TestClaimPoolExhausted(t *testing.T) {
	f := newFixture(t, "worker1", "worker2")
	ctx := context.Background()

	f.create(t, tasks.UrgencyImmediate, 3)

	got, err := f.engine.ClaimBatch(ctx, "worker1", 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("worker1: expected 3 tasks, got %d", len(got))
	}

	got, err = f.engine.ClaimBatch(ctx, "worker2", 1)
	if err != nil {
		t.Fatalf("exhausted pool must not be an error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("worker2: expected no tasks, got %d", len(got))
	}
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t, "worker1")
	ctx := context.Background()
	f.create(t, tasks.UrgencyDay, 1)

	_, err := f.engine.ClaimBatch(ctx, "ghost", 1)
	if !qerrors.Is(err, qerrors.ErrCodeScalerNotFound) {
		t.Errorf("unknown scaler: expected SCALER_NOT_FOUND, got %v", err)
	}
	if got := qerrors.GetMetadata(err)["scaler_id"]; got != "ghost" {
		t.Errorf("scaler_id metadata = %q", got)
	}

	for _, size := range []int{0, -1} {
		_, err := f.engine.ClaimBatch(ctx, "worker1", size)
		if !qerrors.Is(err, qerrors.ErrCodeInvalidInput) {
			t.Errorf("batch %d: expected INVALID_INPUT, got %v", size, err)
		}
	}

	left, _ := f.store.FindMany(ctx, tasks.Query{Filter: tasks.Eligible()})
	if len(left) != 1 {
		t.Error("rejected claims must not assign anything")
	}
}

func TestReleaseThenReclaim(t *testing.T) {
	f := newFixture(t, "worker1", "worker2")
	ctx := context.Background()

	created := f.create(t, tasks.UrgencyDay, 1)

	if _, err := f.engine.ClaimBatch(ctx, "worker1", 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	released, err := f.engine.ReleaseAll(ctx, "worker1")
	if err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	if len(released) != 1 || released[0].ID != created[0].ID {
		t.Fatalf("released = %v, want [%s]", released, created[0].ID)
	}
	if released[0].Assignee != "worker1" {
		t.Errorf("released snapshot should show the previous assignee, got %q", released[0].Assignee)
	}

	got, err := f.engine.ClaimBatch(ctx, "worker2", 1)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != created[0].ID {
		t.Errorf("worker2 should receive the freed task, got %v", got)
	}
}

func TestReleaseSkipsTerminalTasks(t *testing.T) {
	f := newFixture(t, "worker1")
	ctx := context.Background()

	f.create(t, tasks.UrgencyDay, 2)
	claimed, err := f.engine.ClaimBatch(ctx, "worker1", 2)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimBatch: %v, %d tasks", err, len(claimed))
	}
	if _, err := f.manager.SetStatus(ctx, claimed[0].ID, tasks.StatusCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	released, err := f.engine.ReleaseAll(ctx, "worker1")
	if err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	if len(released) != 1 || released[0].ID != claimed[1].ID {
		t.Errorf("released = %v, want only %s", released, claimed[1].ID)
	}

	done, _ := f.manager.Get(ctx, claimed[0].ID)
	if done.Status != tasks.StatusCompleted {
		t.Errorf("completed task changed to %s", done.Status)
	}
}

func TestReleaseNothingHeld(t *testing.T) {
	f := newFixture(t, "worker1")

	released, err := f.engine.ReleaseAll(context.Background(), "worker1")
	if err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	if len(released) != 0 {
		t.Errorf("expected nothing released, got %d", len(released))
	}

	_, err = f.engine.ReleaseAll(context.Background(), "ghost")
	if !qerrors.Is(err, qerrors.ErrCodeScalerNotFound) {
		t.Errorf("expected SCALER_NOT_FOUND, got %v", err)
	}
}

func TestEvictUnknownScaler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.create(t, tasks.UrgencyWeek, 1)[0]
	if _, err := f.store.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("gone", time.Now())); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	released, err := f.engine.Evict(ctx, "gone")
	if err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected 1 evicted task, got %d", len(released))
	}

	got, _ := f.manager.Get(ctx, task.ID)
	if got.Assigned() {
		t.Errorf("task still assigned to %q", got.Assignee)
	}

	if _, err := f.engine.Evict(ctx, ""); !qerrors.Is(err, qerrors.ErrCodeInvalidInput) {
		t.Errorf("empty scaler: expected INVALID_INPUT, got %v", err)
	}
}

// stealingStore hands the first `steal` claim targets to a rival scaler just
// before the engine's own conditional update runs.
type stealingStore struct {
	tasks.Store

	mu    sync.Mutex
	steal int
}

func (s *stealingStore) ConditionalUpdate(ctx context.Context, id string, cond tasks.Filter, patch tasks.Patch) (*tasks.Task, error) {
	s.mu.Lock()
	if s.steal > 0 && patch.Assignee != nil && *patch.Assignee != "" {
		s.steal--
		s.mu.Unlock()
		if _, err := s.Store.ConditionalUpdate(ctx, id, tasks.Eligible(), tasks.AssignPatch("rival", time.Now())); err != nil {
			return nil, err
		}
	} else {
		s.mu.Unlock()
	}
	return s.Store.ConditionalUpdate(ctx, id, cond, patch)
}

func TestClaimRetriesLostRaces(t *testing.T) {
	f := newFixtureWithStore(t, func(s tasks.Store) tasks.Store {
		return &stealingStore{Store: s, steal: 1}
	}, "worker1")
	ctx := context.Background()

	immediate := f.create(t, tasks.UrgencyImmediate, 1)[0]
	f.create(t, tasks.UrgencyDay, 2)

	got, err := f.engine.ClaimBatch(ctx, "worker1", 2)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected a full batch after retry, got %d", len(got))
	}
	for _, task := range got {
		if task.ID == immediate.ID {
			t.Error("worker1 received the task the rival won")
		}
		if task.Urgency != tasks.UrgencyDay {
			t.Errorf("unexpected urgency %v", task.Urgency)
		}
	}

	stolen, _ := f.manager.Get(ctx, immediate.ID)
	if stolen.Assignee != "rival" {
		t.Errorf("rival should hold the immediate task, got %q", stolen.Assignee)
	}
}

func TestClaimRoundLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	reg := registry.NewMemoryRegistry()
	defer reg.Close()
	reg.Register(context.Background(), tasks.Scaler{ID: "worker1"})

	s := &stealingStore{Store: mem, steal: 100}
	engine := NewEngine(s, reg, WithMaxClaimRounds(2))
	mgr := tasks.NewManager(mem)
	for i := 0; i < 5; i++ {
		if _, err := mgr.Create(context.Background(), tasks.UrgencyDay); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := engine.ClaimBatch(context.Background(), "worker1", 2)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected nothing claimed, got %d", len(got))
	}

	// Two rounds of two candidates each went to the rival.
	held, _ := mem.FindMany(context.Background(), tasks.Query{Filter: tasks.HeldBy("rival")})
	if len(held) != 4 {
		t.Errorf("rival holds %d tasks, want 4", len(held))
	}
}

// failingStore fails claim updates after `ok` of them succeed.
type failingStore struct {
	tasks.Store

	mu sync.Mutex
	ok int
}

var errBackend = errors.New("backend down")

func (s *failingStore) ConditionalUpdate(ctx context.Context, id string, cond tasks.Filter, patch tasks.Patch) (*tasks.Task, error) {
	if patch.Assignee != nil && *patch.Assignee != "" {
		s.mu.Lock()
		if s.ok == 0 {
			s.mu.Unlock()
			return nil, errBackend
		}
		s.ok--
		s.mu.Unlock()
	}
	return s.Store.ConditionalUpdate(ctx, id, cond, patch)
}

func TestClaimFailureReturnsPartialClaims(t *testing.T) {
	f := newFixtureWithStore(t, func(s tasks.Store) tasks.Store {
		return &failingStore{Store: s, ok: 1}
	}, "worker1")
	ctx := context.Background()

	f.create(t, tasks.UrgencyDay, 3)

	_, err := f.engine.ClaimBatch(ctx, "worker1", 3)
	if !qerrors.Is(err, qerrors.ErrCodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if !errors.Is(err, errBackend) {
		t.Error("expected the backend error as cause")
	}

	held, _ := f.store.FindMany(ctx, tasks.Query{Filter: tasks.HeldBy("worker1")})
	if len(held) != 0 {
		t.Errorf("failed claim left %d tasks assigned", len(held))
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	const (
		poolSize = 60
		workers  = 8
		batch    = 3
	)

	ids := make([]string, workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("worker%d", i)
	}
	f := newFixture(t, ids...)
	ctx := context.Background()

	f.create(t, tasks.UrgencyImmediate, poolSize/3)
	f.create(t, tasks.UrgencyDay, poolSize/3)
	f.create(t, tasks.UrgencyWeek, poolSize/3)

	var (
		mu    sync.Mutex
		owner = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			for {
				got, err := f.engine.ClaimBatch(gctx, id, batch)
				if err != nil {
					return err
				}
				if len(got) > batch {
					return fmt.Errorf("%s received %d tasks for batch %d", id, len(got), batch)
				}

				mu.Lock()
				for _, task := range got {
					if prev, ok := owner[task.ID]; ok {
						mu.Unlock()
						return fmt.Errorf("task %s given to %s and %s", task.ID, prev, id)
					}
					owner[task.ID] = id
				}
				mu.Unlock()

				if len(got) == 0 {
					left, err := f.store.FindMany(gctx, tasks.Query{Filter: tasks.Eligible(), Limit: 1})
					if err != nil {
						return err
					}
					if len(left) == 0 {
						return nil
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(owner) != poolSize {
		t.Fatalf("claimed %d distinct tasks, want %d", len(owner), poolSize)
	}
	for taskID, worker := range owner {
		stored, err := f.manager.Get(ctx, taskID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.Assignee != worker {
			t.Errorf("task %s stored assignee %q, claimed by %q", taskID, stored.Assignee, worker)
		}
	}
}
