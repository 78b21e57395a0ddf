package store

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/swarmd/internal/swarm/types"
)

func TestCreateSwarm_DefaultsToActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sw, err := s.CreateSwarm(ctx, "team-a", "desc", "proj-1")
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	if sw.Status != types.SwarmActive {
		t.Errorf("status = %q, want active", sw.Status)
	}
	if sw.Name != "team-a" || sw.ProjectID != "proj-1" {
		t.Errorf("got %+v", sw)
	}
}

func TestFindSwarmByID_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindSwarmByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSwarm_PreservesUnspecifiedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "orig", "orig-desc", "proj-1")

	newName := "renamed"
	updated, err := s.UpdateSwarm(ctx, sw.ID, &newName, nil, nil)
	if err != nil {
		t.Fatalf("update swarm: %v", err)
	}
	if updated.Name != "renamed" || updated.Description != "orig-desc" || updated.ProjectID != "proj-1" {
		t.Errorf("got %+v", updated)
	}
}

func TestUpdateSwarmStatus_RepeatTransitionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "t", "d", "")

	if err := s.UpdateSwarmStatus(ctx, sw.ID, types.SwarmPaused); err != nil {
		t.Fatalf("first pause: %v", err)
	}
	if err := s.UpdateSwarmStatus(ctx, sw.ID, types.SwarmPaused); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict pausing an already-paused swarm, got %v", err)
	}
}

func TestFindActiveSwarms_ExcludesPaused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateSwarm(ctx, "active-one", "", "")
	b, _ := s.CreateSwarm(ctx, "paused-one", "", "")
	if err := s.UpdateSwarmStatus(ctx, b.ID, types.SwarmPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	active, err := s.FindActiveSwarms(ctx)
	if err != nil {
		t.Fatalf("find active swarms: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("got %+v, want only %q", active, a.ID)
	}
}

func TestDeleteSwarmCascade_RemovesTasksAndChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sw, _ := s.CreateSwarm(ctx, "doomed", "", "")
	if _, err := s.CreateTask(ctx, sw.ID, CreateTaskInput{Title: "t1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.CreateChatMessage(ctx, sw.ID, types.SenderUser, "", "hi", ""); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if err := s.DeleteSwarmCascade(ctx, sw.ID); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}

	tasks, err := s.FindTasksBySwarm(ctx, sw.ID)
	if err != nil {
		t.Fatalf("find tasks by swarm: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected zero surviving tasks, got %d", len(tasks))
	}
	chat, err := s.FindChatBySwarm(ctx, sw.ID, 0)
	if err != nil {
		t.Fatalf("find chat by swarm: %v", err)
	}
	if len(chat) != 0 {
		t.Errorf("expected zero surviving chat rows, got %d", len(chat))
	}
	if _, err := s.FindSwarmByID(ctx, sw.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected swarm itself gone, got %v", err)
	}
}

func TestDeleteSwarmCascade_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteSwarmCascade(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
