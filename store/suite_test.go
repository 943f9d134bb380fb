package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskqueue/tasks"
)

// runStoreSuite exercises the tasks.Store contract against a backend.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) tasks.Store) {
	t.Run("InsertFind", func(t *testing.T) { testInsertFind(t, newStore(t)) })
	t.Run("FindByIDNotFound", func(t *testing.T) { testFindNotFound(t, newStore(t)) })
	t.Run("FindManyPriorityOrder", func(t *testing.T) { testPriorityOrder(t, newStore(t)) })
	t.Run("FindManySameInstant", func(t *testing.T) { testSameInstantOrder(t, newStore(t)) })
	t.Run("FindManyFilterLimit", func(t *testing.T) { testFilterLimit(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("ConditionalUpdateNotFound", func(t *testing.T) { testConditionalUpdateNotFound(t, newStore(t)) })
	t.Run("ConditionalUpdateRace", func(t *testing.T) { testConditionalUpdateRace(t, newStore(t)) })
	t.Run("UpdateMany", func(t *testing.T) { testUpdateMany(t, newStore(t)) })
	t.Run("TerminalPatch", func(t *testing.T) { testTerminalPatch(t, newStore(t)) })
}

var suiteEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func insertTask(t *testing.T, s tasks.Store, u tasks.Urgency, offset time.Duration) *tasks.Task {
	t.Helper()
	task := &tasks.Task{
		Urgency:   u,
		Status:    tasks.StatusPending,
		CreatedAt: suiteEpoch.Add(offset),
	}
	id, err := s.Insert(context.Background(), task)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	task.ID = id
	return task
}

func testInsertFind(t *testing.T, s tasks.Store) {
	ctx := context.Background()
	in := insertTask(t, s, tasks.UrgencyDay, 0)
	if in.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.FindByID(ctx, in.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Urgency != tasks.UrgencyDay {
		t.Errorf("urgency = %v, want day", got.Urgency)
	}
	if got.Status != tasks.StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
	if got.Assignee != "" {
		t.Errorf("assignee = %q, want empty", got.Assignee)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
	if got.CompletedAt != nil {
		t.Error("completed_at should be nil")
	}
}

func testFindNotFound(t *testing.T, s tasks.Store) {
	_, err := s.FindByID(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testPriorityOrder(t *testing.T, s tasks.Store) {
	week := insertTask(t, s, tasks.UrgencyWeek, 0)
	dayOld := insertTask(t, s, tasks.UrgencyDay, time.Second)
	immediate := insertTask(t, s, tasks.UrgencyImmediate, 2*time.Second)
	dayNew := insertTask(t, s, tasks.UrgencyDay, 3*time.Second)

	got, err := s.FindMany(context.Background(), tasks.Query{
		Filter: tasks.Eligible(),
		Sort:   tasks.SortPriority,
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}

	want := []string{immediate.ID, dayOld.ID, dayNew.ID, week.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: got %s (%v), want %s", i, got[i].ID, got[i].Urgency, want[i])
		}
	}
}

// Tasks created within one clock tick still come back in creation order.
func testSameInstantOrder(t *testing.T, s tasks.Store) {
	var want []string
	for range 50 {
		want = append(want, insertTask(t, s, tasks.UrgencyDay, 0).ID)
	}

	for _, order := range []tasks.SortOrder{tasks.SortPriority, tasks.SortCreated} {
		got, err := s.FindMany(context.Background(), tasks.Query{Filter: tasks.Eligible(), Sort: order})
		if err != nil {
			t.Fatalf("FindMany failed: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d tasks, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("sort %v position %d: got %s, want %s", order, i, got[i].ID, want[i])
			}
		}
	}
}

func testFilterLimit(t *testing.T, s tasks.Store) {
	ctx := context.Background()
	a := insertTask(t, s, tasks.UrgencyDay, 0)
	insertTask(t, s, tasks.UrgencyDay, time.Second)
	insertTask(t, s, tasks.UrgencyWeek, 2*time.Second)

	if _, err := s.ConditionalUpdate(ctx, a.ID, tasks.Eligible(), tasks.AssignPatch("s1", suiteEpoch)); err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}

	held, err := s.FindMany(ctx, tasks.Query{Filter: tasks.HeldBy("s1")})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(held) != 1 || held[0].ID != a.ID {
		t.Errorf("held = %v, want only %s", held, a.ID)
	}

	limited, err := s.FindMany(ctx, tasks.Query{Filter: tasks.Eligible(), Sort: tasks.SortPriority, Limit: 1})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 task, got %d", len(limited))
	}
	if limited[0].Urgency != tasks.UrgencyDay {
		t.Errorf("expected the day task first, got %v", limited[0].Urgency)
	}

	byUrgency, err := s.FindMany(ctx, tasks.Query{Filter: tasks.Filter{Urgency: tasks.UrgencyWeek}})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(byUrgency) != 1 {
		t.Errorf("expected 1 week task, got %d", len(byUrgency))
	}
}

func testConditionalUpdate(t *testing.T, s tasks.Store) {
	ctx := context.Background()
	task := insertTask(t, s, tasks.UrgencyImmediate, 0)
	at := suiteEpoch.Add(time.Minute)

	got, err := s.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("s1", at))
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if got.Assignee != "s1" {
		t.Errorf("assignee = %q, want s1", got.Assignee)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(at) {
		t.Errorf("assigned_at = %v, want %v", got.AssignedAt, at)
	}

	_, err = s.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("s2", at))
	if !errors.Is(err, tasks.ErrNotApplied) {
		t.Fatalf("second claim: expected ErrNotApplied, got %v", err)
	}

	stored, err := s.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.Assignee != "s1" {
		t.Errorf("failed update must not write: assignee = %q", stored.Assignee)
	}

	released, err := s.ConditionalUpdate(ctx, task.ID, tasks.HeldBy("s1"), tasks.ReleasePatch())
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released.Assignee != "" || released.AssignedAt != nil {
		t.Errorf("release should clear assignee and assigned_at: %+v", released)
	}
}

func testConditionalUpdateNotFound(t *testing.T, s tasks.Store) {
	_, err := s.ConditionalUpdate(context.Background(), "00000000-0000-0000-0000-000000000000",
		tasks.Eligible(), tasks.AssignPatch("s1", suiteEpoch))
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testConditionalUpdateRace(t *testing.T, s tasks.Store) {
	task := insertTask(t, s, tasks.UrgencyDay, 0)

	const racers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			scaler := string(rune('a' + n))
			_, err := s.ConditionalUpdate(context.Background(), task.ID,
				tasks.Eligible(), tasks.AssignPatch(scaler, suiteEpoch))
			if err == nil {
				winners.Add(1)
			} else if !errors.Is(err, tasks.ErrNotApplied) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("expected exactly one winner, got %d", got)
	}
}

func testUpdateMany(t *testing.T, s tasks.Store) {
	ctx := context.Background()
	var held []*tasks.Task
	for i := 0; i < 3; i++ {
		task := insertTask(t, s, tasks.UrgencyDay, time.Duration(i)*time.Second)
		if _, err := s.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("s1", suiteEpoch)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		held = append(held, task)
	}
	other := insertTask(t, s, tasks.UrgencyDay, 5*time.Second)
	if _, err := s.ConditionalUpdate(ctx, other.ID, tasks.Eligible(), tasks.AssignPatch("s2", suiteEpoch)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	n, err := s.UpdateMany(ctx, tasks.HeldBy("s1"), tasks.ReleasePatch())
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if n != len(held) {
		t.Errorf("updated %d, want %d", n, len(held))
	}

	for _, h := range held {
		got, err := s.FindByID(ctx, h.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.Assignee != "" {
			t.Errorf("task %s still assigned to %q", h.ID, got.Assignee)
		}
	}

	got, err := s.FindByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Assignee != "s2" {
		t.Errorf("other scaler's task changed: assignee = %q", got.Assignee)
	}
}

func testTerminalPatch(t *testing.T, s tasks.Store) {
	ctx := context.Background()
	task := insertTask(t, s, tasks.UrgencyWeek, 0)
	if _, err := s.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("s1", suiteEpoch)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	done := suiteEpoch.Add(time.Hour)
	got, err := s.ConditionalUpdate(ctx, task.ID,
		tasks.Filter{Status: tasks.StatusPending},
		tasks.TerminalPatch(tasks.StatusCompleted, done))
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
	if got.Assignee != "" {
		t.Errorf("completed task still assigned to %q", got.Assignee)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}

	_, err = s.ConditionalUpdate(ctx, task.ID,
		tasks.Filter{Status: tasks.StatusPending},
		tasks.TerminalPatch(tasks.StatusCanceled, done))
	if !errors.Is(err, tasks.ErrNotApplied) {
		t.Errorf("expected ErrNotApplied on terminal task, got %v", err)
	}
}
