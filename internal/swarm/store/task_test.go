package store

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/swarmd/internal/swarm/types"
)

func TestCreateTask_DefaultsToMediumPriorityAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")

	task, err := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "do thing"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Priority != types.PriorityMedium {
		t.Errorf("priority = %q, want medium", task.Priority)
	}
}

func TestUpdateTask_PreservesUnspecifiedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	task, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "orig", Description: "orig-desc", Tags: []string{"x"}})

	newTitle := "renamed"
	updated, err := s.UpdateTask(ctx, task.ID, UpdateTaskInput{Title: &newTitle})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Title != "renamed" || updated.Description != "orig-desc" || len(updated.Tags) != 1 || updated.Tags[0] != "x" {
		t.Errorf("got %+v", updated)
	}
}

func TestStartTask_OnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	task, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "t"})

	if err := s.StartTask(ctx, task.ID, "sandbox-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.StartTask(ctx, task.ID, "sandbox-2"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict starting a non-pending task, got %v", err)
	}

	got, err := s.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if got.SandboxID != "sandbox-1" {
		t.Errorf("sandbox_id = %q, want sandbox-1 (unaffected by the rejected second start)", got.SandboxID)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestCompleteTask_OnlyFromRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	task, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "t"})

	if err := s.CompleteTask(ctx, task.ID, "result"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict completing a pending task, got %v", err)
	}

	if err := s.StartTask(ctx, task.ID, "sb"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.FindTaskByID(ctx, task.ID)
	if got.Status != types.TaskCompleted || got.Result != "done" || got.CompletedAt == nil {
		t.Errorf("got %+v", got)
	}
}

func TestFailTask_OnlyFromRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	task, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "t"})
	if err := s.StartTask(ctx, task.ID, "sb"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.FailTask(ctx, task.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := s.FindTaskByID(ctx, task.ID)
	if got.Status != types.TaskFailed || got.Error != "boom" {
		t.Errorf("got %+v", got)
	}
}

func TestRetryTask_ClearsAllTransientFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	task, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "t"})
	if err := s.StartTask(ctx, task.ID, "sb"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.FailTask(ctx, task.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := s.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := s.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.SandboxID != "" || got.Error != "" || got.Result != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("expected all transient fields cleared, got %+v", got)
	}
}

func TestFindPendingBySwarm_OrdersPriorityThenCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")

	low, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "low", Priority: types.PriorityLow})
	urgent, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "urgent", Priority: types.PriorityUrgent})
	mediumFirst, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "medium-first", Priority: types.PriorityMedium})
	mediumSecond, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "medium-second", Priority: types.PriorityMedium})

	got, err := s.FindPendingBySwarm(ctx, sw.ID)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	wantOrder := []string{urgent.ID, mediumFirst.ID, mediumSecond.ID, low.ID}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d tasks, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("position %d: got %q (%s), want %q", i, got[i].ID, got[i].Title, want)
		}
	}
}

func TestAreDependenciesComplete_EmptyIsTriviallyComplete(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.AreDependenciesComplete(context.Background(), types.Task{})
	if err != nil || !ok {
		t.Errorf("empty depends_on should be trivially complete, got ok=%v err=%v", ok, err)
	}
}

func TestAreDependenciesComplete_MissingDependencyFailsClosed(t *testing.T) {
	s := newTestStore(t)
	task := types.Task{DependsOn: []string{"nonexistent"}}
	ok, err := s.AreDependenciesComplete(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false when a dependency no longer exists")
	}
}

func TestAreDependenciesComplete_TrueOnlyWhenAllCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "sw", "", "")
	dep, _ := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "dep"})
	task := types.Task{DependsOn: []string{dep.ID}}

	ok, err := s.AreDependenciesComplete(ctx, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("dependency still pending, should not be complete")
	}

	if err := s.StartTask(ctx, dep.ID, "sb"); err != nil {
		t.Fatalf("start dep: %v", err)
	}
	if err := s.CompleteTask(ctx, dep.ID, "done"); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	ok, err = s.AreDependenciesComplete(ctx, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected true once dependency is completed")
	}
}

func TestDeleteTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
