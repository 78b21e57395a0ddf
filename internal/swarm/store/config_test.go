package store

import (
	"context"
	"testing"
)

func TestGetConfig_SeedsDefaultsOnFirstAccess(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.PoolMax != 5 || cfg.PollIntervalSeconds != 5 || !cfg.TriggerEnabled {
		t.Errorf("got %+v, want seeded defaults", cfg)
	}
}

func TestUpdateConfig_PartialMergePreservesOtherFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetConfig(ctx); err != nil {
		t.Fatalf("get config: %v", err)
	}

	newPoolMax := 9
	updated, err := s.UpdateConfig(ctx, UpdateConfigInput{PoolMax: &newPoolMax})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated.PoolMax != 9 {
		t.Errorf("PoolMax = %d, want 9", updated.PoolMax)
	}
	if updated.PollIntervalSeconds != 5 {
		t.Errorf("PollIntervalSeconds changed unexpectedly: %d", updated.PollIntervalSeconds)
	}

	newSkillsPath := "/custom/skills"
	updated, err = s.UpdateConfig(ctx, UpdateConfigInput{SkillsPath: &newSkillsPath})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated.SkillsPath != "/custom/skills" {
		t.Errorf("SkillsPath = %q, want /custom/skills", updated.SkillsPath)
	}
	if updated.PoolMax != 9 {
		t.Errorf("expected earlier PoolMax update to survive, got %d", updated.PoolMax)
	}
}

func TestUpdateConfig_TriggerEnabledToggle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetConfig(ctx); err != nil {
		t.Fatalf("get config: %v", err)
	}

	disabled := false
	updated, err := s.UpdateConfig(ctx, UpdateConfigInput{TriggerEnabled: &disabled})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated.TriggerEnabled {
		t.Error("expected TriggerEnabled = false")
	}
}
