// Package sweep wraps github.com/robfig/cron/v3 around the Pool Manager's
// idle-sandbox cleanup, running it on a cron expression independent of the
// Trigger Loop's fixed-interval poll. It is deliberately a thin
// adapter: all cleanup policy (idle timeout, what "destroyed" means) lives in
// pool.Manager.CleanupIdle; this package only owns the schedule.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/store"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Sweeper runs pool.Manager.CleanupIdle on a cron schedule.
type Sweeper struct {
	cron   *cronlib.Cron
	pool   *pool.Manager
	store  *store.Store
	logger *slog.Logger
}

// New constructs a Sweeper. schedule is a standard 5-field cron expression;
// an empty string uses DefaultSchedule.
func New(pm *pool.Manager, st *store.Store, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s := &Sweeper{
		cron:   cronlib.New(),
		pool:   pm,
		store:  st,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("sweep: invalid cron schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron scheduler in the background. It does not block.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop signals the scheduler to stop and waits for any in-flight sweep to
// finish, mirroring cron.Cron.Stop's context-returning contract.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		s.logger.Error("sweep: load config", "error", err)
		return
	}
	idleTimeout := time.Duration(cfg.PoolIdleTimeoutMinutes) * time.Minute
	if idleTimeout <= 0 {
		return
	}
	destroyed, err := s.pool.CleanupIdle(ctx, idleTimeout)
	if err != nil {
		s.logger.Error("sweep: cleanup idle", "error", err)
		return
	}
	if len(destroyed) > 0 {
		s.logger.Info("sweep: destroyed idle sandboxes", "count", len(destroyed), "provider_ids", destroyed)
	}
}
