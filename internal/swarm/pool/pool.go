// Package pool is the Pool Manager: admission and reuse policy layered
// on top of the Store and Compute Client, tracking in-flight sandbox
// creation with an in-memory dedup set guarded by a write-biased lock —
// the same atomic check-and-insert discipline a single-flight tick guard
// uses to avoid overlapping runs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/types"
)

// ErrAlreadyCreating is returned by StartCreating when a sandbox is already
// being provisioned for this task identity (dedup guard).
var ErrAlreadyCreating = errors.New("pool: sandbox creation already in flight")

// ErrSandboxBusy is returned by Delete when the sandbox is currently assigned
// to a task.
var ErrSandboxBusy = errors.New("pool: sandbox is busy")

// Manager is the Pool Manager.
type Manager struct {
	store    *store.Store
	hub      *bus.Hub
	counters telemetry.Counters

	mu       sync.Mutex
	creating map[string]struct{}
}

// New constructs a Manager over st, publishing pool updates to hub and
// incrementing counters (a zero Counters value disables metrics recording).
func New(st *store.Store, hub *bus.Hub, counters telemetry.Counters) *Manager {
	return &Manager{store: st, hub: hub, counters: counters, creating: make(map[string]struct{})}
}

// FindIdleForSwarm returns the least recently used idle sandbox bound to
// swarmID or, when there is none, an idle sandbox not yet bound to any swarm.
func (m *Manager) FindIdleForSwarm(ctx context.Context, swarmID string) (types.Sandbox, bool, error) {
	idle, err := m.store.FindIdleForSwarm(ctx, swarmID)
	if err != nil {
		return types.Sandbox{}, false, fmt.Errorf("pool: find idle for swarm: %w", err)
	}
	if len(idle) == 0 {
		return types.Sandbox{}, false, nil
	}
	return idle[0], true, nil
}

// StartCreating atomically reserves taskID in the in-flight set. The check
// and insert happen under one critical section — never a read then a
// separate write — so two concurrent callers can never both proceed.
func (m *Manager) StartCreating(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creating[taskID]; ok {
		return ErrAlreadyCreating
	}
	m.creating[taskID] = struct{}{}
	return nil
}

// FinishCreating releases taskID's in-flight reservation.
func (m *Manager) FinishCreating(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creating, taskID)
}

// Register records a freshly created sandbox as idle and publishes a pool update.
func (m *Manager) Register(ctx context.Context, providerID, swarmID string) (types.Sandbox, error) {
	sb, err := m.store.RegisterSandbox(ctx, providerID, swarmID)
	if err != nil {
		return types.Sandbox{}, fmt.Errorf("pool: register: %w", err)
	}
	if m.counters.SandboxesCreated != nil {
		m.counters.SandboxesCreated.Add(ctx, 1)
	}
	m.publish(sb.ID, string(types.SandboxIdle), "")
	return sb, nil
}

// Assign atomically claims an idle sandbox for a task.
func (m *Manager) Assign(ctx context.Context, sandboxID, taskID, swarmID string) error {
	if err := m.store.AssignTask(ctx, sandboxID, taskID, swarmID); err != nil {
		return fmt.Errorf("pool: assign: %w", err)
	}
	m.publish(sandboxID, string(types.SandboxBusy), taskID)
	return nil
}

// Release returns a sandbox to idle.
func (m *Manager) Release(ctx context.Context, sandboxID string) error {
	if err := m.store.ReleaseTask(ctx, sandboxID); err != nil {
		return fmt.Errorf("pool: release: %w", err)
	}
	m.publish(sandboxID, string(types.SandboxIdle), "")
	return nil
}

// MarkDestroyed transitions a sandbox to destroyed.
func (m *Manager) MarkDestroyed(ctx context.Context, sandboxID string) error {
	if err := m.store.MarkDestroyed(ctx, sandboxID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrSandboxBusy
		}
		return fmt.Errorf("pool: mark destroyed: %w", err)
	}
	if m.counters.SandboxesDestroyed != nil {
		m.counters.SandboxesDestroyed.Add(ctx, 1)
	}
	m.publish(sandboxID, string(types.SandboxDestroyed), "")
	return nil
}

// Delete marks the sandbox destroyed (if it is not already) and then removes
// the rows of every destroyed sandbox, this one included; it refuses a busy
// sandbox.
func (m *Manager) Delete(ctx context.Context, sandboxID string) error {
	sb, err := m.store.FindSandboxByID(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("pool: delete: %w", err)
	}
	if sb.Status == types.SandboxBusy {
		return ErrSandboxBusy
	}
	if err := m.store.MarkDestroyed(ctx, sandboxID); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("pool: delete: %w", err)
	}
	if _, err := m.store.DeleteDestroyed(ctx); err != nil {
		return fmt.Errorf("pool: delete: %w", err)
	}
	return nil
}

// CleanupIdle destroys idle sandboxes whose last-used (or created) timestamp
// is older than idleTimeout, then purges every destroyed row. Returns the
// provider IDs of destroyed sandboxes.
func (m *Manager) CleanupIdle(ctx context.Context, idleTimeout time.Duration) ([]string, error) {
	var destroyed []string
	idle, err := m.store.FindAllIdle(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: cleanup idle: %w", err)
	}
	now := time.Now()
	for _, sb := range idle {
		last := sb.CreatedAt
		if sb.LastUsedAt != nil {
			last = *sb.LastUsedAt
		}
		if now.Sub(last) < idleTimeout {
			continue
		}
		if err := m.store.MarkDestroyed(ctx, sb.ID); err != nil {
			continue
		}
		if m.counters.SandboxesDestroyed != nil {
			m.counters.SandboxesDestroyed.Add(ctx, 1)
		}
		m.publish(sb.ID, string(types.SandboxDestroyed), "")
		destroyed = append(destroyed, sb.ProviderID)
	}
	if _, err := m.store.DeleteDestroyed(ctx); err != nil {
		return destroyed, fmt.Errorf("pool: purge destroyed: %w", err)
	}
	return destroyed, nil
}

// IsAtCapacity reports whether active sandbox count has reached poolMax.
func (m *Manager) IsAtCapacity(ctx context.Context, poolMax int) (bool, error) {
	n, err := m.store.CountActive(ctx)
	if err != nil {
		return false, fmt.Errorf("pool: is at capacity: %w", err)
	}
	return n >= poolMax, nil
}

func (m *Manager) publish(sandboxID, status, taskID string) {
	if m.hub == nil {
		return
	}
	m.hub.PublishPoolUpdate(sandboxID, status, taskID)
}

// Stats is the aggregate sandbox count projection.
type Stats struct {
	Total     int
	Busy      int
	Idle      int
	Destroyed int
}

// SandboxInfo augments a stored sandbox with its idle duration, for the pool
// status projection.
type SandboxInfo struct {
	types.Sandbox
	IdleTimeSeconds int64
}

// Status reports the full pool status projection backing GET /pool.
type Status struct {
	Config    types.Config
	Sandboxes []SandboxInfo
	Stats     Stats
}

// Status computes the pool's current status projection.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pool: status: %w", err)
	}
	idle, err := m.store.FindAllIdle(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pool: status: %w", err)
	}
	busy, err := m.store.FindBusy(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pool: status: %w", err)
	}
	now := time.Now()
	var infos []SandboxInfo
	var stats Stats
	for _, sb := range idle {
		last := sb.CreatedAt
		if sb.LastUsedAt != nil {
			last = *sb.LastUsedAt
		}
		infos = append(infos, SandboxInfo{Sandbox: sb, IdleTimeSeconds: int64(now.Sub(last).Seconds())})
		stats.Idle++
		stats.Total++
	}
	for _, sb := range busy {
		infos = append(infos, SandboxInfo{Sandbox: sb})
		stats.Busy++
		stats.Total++
	}
	return Status{Config: cfg, Sandboxes: infos, Stats: stats}, nil
}
