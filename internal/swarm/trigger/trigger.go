// Package trigger is the Trigger Loop: a periodic scheduler, one
// instance per process, that dispatches pending tasks onto sandboxes and
// spawns the Executor for each — following the Start/Stop/loop/tick shape of
// a cron scheduler, generalized from a fixed job list to a
// database-driven dispatch cycle.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/compute"
	"github.com/basket/swarmd/internal/swarm/executor"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/types"
)

// Stats is the trigger loop's externally observable counters.
type Stats struct {
	Pending         int
	Running         int
	Completed       int
	Failed          int
	IsRunning       bool
	ProcessingCount int
}

// Loop is the Trigger Loop.
type Loop struct {
	store    *store.Store
	pool     *pool.Manager
	compute  *compute.Client
	hub      *bus.Hub
	counters telemetry.Counters
	logger   *slog.Logger

	mu         sync.Mutex
	processing map[string]struct{}

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Loop wiring the Store, Pool Manager, Compute Client and
// Broadcast Hub together. A zero Counters value disables metrics recording.
func New(st *store.Store, pm *pool.Manager, cc *compute.Client, hub *bus.Hub, counters telemetry.Counters, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:      st,
		pool:       pm,
		compute:    cc,
		hub:        hub,
		counters:   counters,
		logger:     logger,
		processing: make(map[string]struct{}),
	}
}

// Start runs the poll cycle until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.loop(ctx)
}

// Stop signals the loop to exit after its current cycle and blocks until it does.
func (l *Loop) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) loop(ctx context.Context) {
	defer close(l.doneCh)
	for {
		cfg, err := l.store.GetConfig(ctx)
		interval := 5 * time.Second
		if err == nil && cfg.PollIntervalSeconds > 0 {
			interval = time.Duration(cfg.PollIntervalSeconds) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		if err == nil && cfg.TriggerEnabled {
			if err := l.tick(ctx, cfg); err != nil {
				l.logger.Error("trigger cycle failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single dispatch cycle regardless of trigger_enabled and
// returns once every ready task in every active swarm has been considered.
// Dispatched tasks still finalize asynchronously on their own goroutines;
// RunOnce does not wait for them to complete. Used by the dispatch-once CLI
// subcommand and by tests that want deterministic single-cycle behavior
// without running the background loop.
func (l *Loop) RunOnce(ctx context.Context) error {
	cfg, err := l.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load config: %w", err)
	}
	return l.tick(ctx, cfg)
}

// tick runs one dispatch cycle across every active swarm.
func (l *Loop) tick(ctx context.Context, cfg types.Config) error {
	swarms, err := l.store.FindActiveSwarms(ctx)
	if err != nil {
		return fmt.Errorf("trigger: list active swarms: %w", err)
	}
	for _, sw := range swarms {
		tasks, err := l.store.FindPendingBySwarm(ctx, sw.ID)
		if err != nil {
			l.logger.Error("trigger: list pending tasks", "swarm_id", sw.ID, "error", err)
			continue
		}
		for _, task := range tasks {
			l.dispatchOne(ctx, sw, task, cfg)
		}
	}
	return nil
}

func (l *Loop) tryInsertProcessing(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processing[taskID]; ok {
		return false
	}
	l.processing[taskID] = struct{}{}
	return true
}

func (l *Loop) removeProcessing(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.processing, taskID)
}

// dispatchOne carries a single pending task through admission, dispatch, and
// spawns its executor.
func (l *Loop) dispatchOne(ctx context.Context, sw types.Swarm, task types.Task, cfg types.Config) {
	if !l.tryInsertProcessing(task.ID) {
		return
	}

	ok, err := l.store.AreDependenciesComplete(ctx, task)
	if err != nil {
		l.logger.Error("trigger: check dependencies", "task_id", task.ID, "error", err)
		l.removeProcessing(task.ID)
		return
	}
	if !ok {
		l.removeProcessing(task.ID)
		return
	}

	sandboxID, providerID, err := l.acquireSandbox(ctx, sw, cfg)
	if err != nil {
		l.logger.Error("trigger: acquire sandbox", "task_id", task.ID, "swarm_id", sw.ID, "error", err)
		l.removeProcessing(task.ID)
		return
	}
	if sandboxID == "" {
		// No sandbox available this cycle; reconsidered next cycle.
		l.removeProcessing(task.ID)
		return
	}

	if err := l.store.StartTask(ctx, task.ID, providerID); err != nil {
		l.logger.Error("trigger: start task", "task_id", task.ID, "error", err)
		l.removeProcessing(task.ID)
		return
	}
	if l.counters.TasksDispatched != nil {
		l.counters.TasksDispatched.Add(ctx, 1)
	}
	if err := l.pool.Assign(ctx, sandboxID, task.ID, sw.ID); err != nil {
		l.logger.Error("trigger: assign sandbox, rolling back", "task_id", task.ID, "sandbox_id", sandboxID, "error", err)
		if rbErr := l.store.RetryTask(ctx, task.ID); rbErr != nil {
			l.logger.Error("trigger: rollback retry_task failed", "task_id", task.ID, "error", rbErr)
		}
		l.removeProcessing(task.ID)
		return
	}

	go l.runAndFinalize(sw, task, sandboxID, providerID, cfg)
}

// acquireSandbox reuses an idle sandbox bound to the swarm (or one not yet
// bound to any swarm), else creates one if the pool has headroom, else defers.
func (l *Loop) acquireSandbox(ctx context.Context, sw types.Swarm, cfg types.Config) (sandboxID, providerID string, err error) {
	if sb, ok, err := l.pool.FindIdleForSwarm(ctx, sw.ID); err != nil {
		return "", "", err
	} else if ok {
		return sb.ID, sb.ProviderID, nil
	}

	atCapacity, err := l.pool.IsAtCapacity(ctx, cfg.PoolMax)
	if err != nil {
		return "", "", err
	}
	if atCapacity {
		return "", "", nil
	}

	info, err := l.compute.CreateSandbox(ctx, compute.CreateSandboxInput{Snapshot: cfg.PoolDefaultSnapshot})
	if err != nil {
		return "", "", fmt.Errorf("create sandbox: %w", err)
	}
	sb, err := l.pool.Register(ctx, info.ID, sw.ID)
	if err != nil {
		return "", "", err
	}
	return sb.ID, sb.ProviderID, nil
}

// runAndFinalize spawns the executor and then executes the mandatory
// finalization block regardless of outcome.
func (l *Loop) runAndFinalize(sw types.Swarm, task types.Task, sandboxID, providerID string, cfg types.Config) {
	ctx := context.Background()
	timeout := time.Duration(cfg.ExecutionTimeoutMin) * time.Minute
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec := executor.New(l.compute, cfg.SkillsPath,
		executor.RetryConfig{MaxRetries: cfg.MaxRetries, BaseDelayMS: cfg.BaseDelayMS, BackoffMultiplier: cfg.BackoffMultiplier},
		l.logger)

	result, execErr := exec.Execute(execCtx, executor.Input{
		SwarmID:           sw.ID,
		Task:              task,
		SandboxProviderID: providerID,
		InitialAttempt:    1,
		MaxRetries:        cfg.MaxRetries,
		TimeoutMinutes:    cfg.ExecutionTimeoutMin,
		AnthropicAPIKey:   cfg.AnthropicAPIKey,
	})

	exitCode := 0
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		exitCode = 1
		if err := l.store.FailTask(ctx, task.ID, fmt.Sprintf("Task timed out after %d minutes", cfg.ExecutionTimeoutMin)); err != nil {
			l.logger.Error("trigger: fail_task (timeout)", "task_id", task.ID, "error", err)
		} else if l.counters.TasksFailed != nil {
			l.counters.TasksFailed.Add(ctx, 1)
		}
	case execErr != nil || !result.Success:
		exitCode = 1
		msg := result.Error
		if execErr != nil {
			msg = execErr.Error()
		}
		if err := l.store.FailTask(ctx, task.ID, msg); err != nil {
			l.logger.Error("trigger: fail_task", "task_id", task.ID, "error", err)
		} else if l.counters.TasksFailed != nil {
			l.counters.TasksFailed.Add(ctx, 1)
		}
	default:
		if err := l.store.CompleteTask(ctx, task.ID, result.Output); err != nil {
			l.logger.Error("trigger: complete_task", "task_id", task.ID, "error", err)
		} else if l.counters.TasksCompleted != nil {
			l.counters.TasksCompleted.Add(ctx, 1)
		}
	}

	if err := l.store.ReleaseSandbox(ctx, task.ID); err != nil {
		l.logger.Error("trigger: release_sandbox (task)", "task_id", task.ID, "error", err)
	}
	if err := l.pool.Release(ctx, sandboxID); err != nil {
		l.logger.Error("trigger: release_sandbox (row)", "sandbox_id", sandboxID, "error", err)
	}
	l.removeProcessing(task.ID)

	l.hub.PublishLogEnd(task.ID, exitCode, result.Output)
	l.hub.CleanupTaskLogs(task.ID)
}

// Stats aggregates pending/running/completed/failed counts across active
// swarms, plus the loop's own running state.
func (l *Loop) Stats(ctx context.Context) (Stats, error) {
	swarms, err := l.store.FindActiveSwarms(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("trigger: stats: %w", err)
	}
	var s Stats
	for _, sw := range swarms {
		c, err := l.store.CountByStatusForSwarm(ctx, sw.ID)
		if err != nil {
			return Stats{}, fmt.Errorf("trigger: stats: %w", err)
		}
		s.Pending += c.Pending
		s.Running += c.Running
		s.Completed += c.Completed
		s.Failed += c.Failed
	}
	s.IsRunning = atomic.LoadInt32(&l.running) == 1
	l.mu.Lock()
	s.ProcessingCount = len(l.processing)
	l.mu.Unlock()
	return s, nil
}
