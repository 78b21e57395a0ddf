package edge

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/swarmd/internal/swarm/types"
)

func TestValidateSwarmInput(t *testing.T) {
	if err := ValidateSwarmInput("ok", "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateSwarmInput(strings.Repeat("a", MaxSwarmName+1), ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for long name, got %v", err)
	}
	if err := ValidateSwarmInput("", strings.Repeat("a", MaxSwarmDescription+1)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for long description, got %v", err)
	}
}

func TestValidateTaskInput(t *testing.T) {
	if err := ValidateTaskInput("t", "d", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tooManyDeps := make([]string, MaxDependsOn+1)
	if err := ValidateTaskInput("t", "d", tooManyDeps, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for too many deps, got %v", err)
	}
	tooManyTags := make([]string, MaxTagCount+1)
	if err := ValidateTaskInput("t", "d", nil, tooManyTags); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for too many tags, got %v", err)
	}
	if err := ValidateTaskInput("t", "d", nil, []string{strings.Repeat("x", MaxTagLength+1)}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for long tag, got %v", err)
	}
}

func TestValidateChatInput(t *testing.T) {
	if err := ValidateChatInput("hi", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateChatInput(strings.Repeat("a", MaxChatMessage+1), ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for long message, got %v", err)
	}
}

func TestTaskInSwarm_FoldsMismatchIntoNotFound(t *testing.T) {
	task := types.Task{ID: "t1", SwarmID: "s1"}

	got, err := TaskInSwarm(task, "s1")
	if err != nil {
		t.Fatalf("unexpected error for matching swarm: %v", err)
	}
	if got.ID != "t1" {
		t.Errorf("expected task returned unchanged, got %+v", got)
	}

	_, err = TaskInSwarm(task, "s2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for mismatched swarm, got %v", err)
	}
}

func TestCanonicalizeSkillPath_RejectsTraversal(t *testing.T) {
	root := "/data/.claude/skills"
	cases := []string{"../etc/passwd", "foo/bar", `foo\bar`, "..", ""}
	for _, name := range cases {
		if _, err := CanonicalizeSkillPath(root, name); !errors.Is(err, ErrValidation) {
			t.Errorf("CanonicalizeSkillPath(%q) = nil error, want ErrValidation", name)
		}
	}
}

func TestCanonicalizeSkillPath_AllowsPlainLeaf(t *testing.T) {
	root := "/data/.claude/skills"
	got, err := CanonicalizeSkillPath(root, "writer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := root + "/writer"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
