package tasks_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/tasks"
)

// clock returns a time source that advances one second per call.
func clock() func() time.Time {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newManager(t *testing.T) (*tasks.Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return tasks.NewManager(s, tasks.WithClock(clock())), s
}

func TestManagerCreate(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	task, err := mgr.Create(ctx, tasks.UrgencyImmediate)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Expected non-empty task ID")
	}

	got, err := mgr.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != tasks.StatusPending {
		t.Errorf("Expected status pending, got %s", got.Status)
	}
	if got.Assignee != "" {
		t.Errorf("Expected no assignee, got %s", got.Assignee)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected created_at to be set")
	}
}

func TestManagerCreateInvalidUrgency(t *testing.T) {
	mgr, s := newManager(t)

	_, err := mgr.Create(context.Background(), tasks.Urgency(0))
	if !qerrors.Is(err, qerrors.ErrCodeInvalidInput) {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("invalid create must not insert")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	mgr, _ := newManager(t)

	_, err := mgr.Get(context.Background(), "missing")
	if !stderrors.Is(err, qerrors.ErrTaskNotFound) {
		t.Errorf("Expected task not found, got %v", err)
	}
}

func TestManagerComplete(t *testing.T) {
	mgr, s := newManager(t)
	ctx := context.Background()

	task, _ := mgr.Create(ctx, tasks.UrgencyDay)
	if _, err := s.ConditionalUpdate(ctx, task.ID, tasks.Eligible(), tasks.AssignPatch("s1", time.Now())); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	done, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCompleted)
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if done.Status != tasks.StatusCompleted {
		t.Errorf("Expected completed, got %s", done.Status)
	}
	if done.Assignee != "" {
		t.Errorf("Expected assignee cleared, got %s", done.Assignee)
	}
	if done.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
}

func TestManagerCancelUnassigned(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	task, _ := mgr.Create(ctx, tasks.UrgencyWeek)

	got, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCanceled)
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if got.Status != tasks.StatusCanceled {
		t.Errorf("Expected canceled, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("cancel must not set completed_at")
	}
}

func TestManagerRepeatIsNoop(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	task, _ := mgr.Create(ctx, tasks.UrgencyDay)
	first, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCompleted)
	if err != nil {
		t.Fatalf("first complete failed: %v", err)
	}

	second, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCompleted)
	if err != nil {
		t.Fatalf("second complete failed: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("completed_at changed: %v -> %v", first.CompletedAt, second.CompletedAt)
	}

	canceled, _ := mgr.Create(ctx, tasks.UrgencyDay)
	if _, err := mgr.SetStatus(ctx, canceled.ID, tasks.StatusCanceled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := mgr.SetStatus(ctx, canceled.ID, tasks.StatusCanceled); err != nil {
		t.Errorf("repeated cancel should be a no-op, got %v", err)
	}
}

func TestManagerCrossTerminalConflict(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	task, _ := mgr.Create(ctx, tasks.UrgencyDay)
	if _, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCompleted); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, err := mgr.SetStatus(ctx, task.ID, tasks.StatusCanceled)
	if !qerrors.Is(err, qerrors.ErrCodeConflict) {
		t.Fatalf("Expected CONFLICT, got %v", err)
	}
	md := qerrors.GetMetadata(err)
	if md["status"] != "completed" || md["target"] != "canceled" {
		t.Errorf("unexpected metadata: %v", md)
	}

	got, _ := mgr.Get(ctx, task.ID)
	if got.Status != tasks.StatusCompleted {
		t.Errorf("conflict must not change status, got %s", got.Status)
	}
}

func TestManagerSetStatusNotFound(t *testing.T) {
	mgr, _ := newManager(t)

	_, err := mgr.SetStatus(context.Background(), "missing", tasks.StatusCompleted)
	if !qerrors.Is(err, qerrors.ErrCodeTaskNotFound) {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestManagerSetStatusRejectsPending(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	task, _ := mgr.Create(ctx, tasks.UrgencyDay)
	_, err := mgr.SetStatus(ctx, task.ID, tasks.StatusPending)
	if !qerrors.Is(err, qerrors.ErrCodeInvalidInput) {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
}

func TestManagerStoreClosed(t *testing.T) {
	mgr, s := newManager(t)
	s.Close()

	_, err := mgr.Create(context.Background(), tasks.UrgencyDay)
	if !qerrors.Is(err, qerrors.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE, got %v", err)
	}
	if !stderrors.Is(err, tasks.ErrStoreClosed) {
		t.Error("Expected cause to be ErrStoreClosed")
	}
}
