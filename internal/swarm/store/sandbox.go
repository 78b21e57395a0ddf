package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/swarmd/internal/swarm/types"
)

const sandboxCols = `id, provider_id, COALESCE(swarm_id,''), status, COALESCE(current_task_id,''), created_at, last_used_at`

func scanSandbox(scan func(dest ...any) error) (types.Sandbox, error) {
	var sb types.Sandbox
	var lastUsed sql.NullTime
	if err := scan(&sb.ID, &sb.ProviderID, &sb.SwarmID, &sb.Status, &sb.CurrentTaskID, &sb.CreatedAt, &lastUsed); err != nil {
		return types.Sandbox{}, err
	}
	if lastUsed.Valid {
		sb.LastUsedAt = &lastUsed.Time
	}
	return sb, nil
}

// FindSandboxByID returns a single sandbox, or ErrNotFound.
func (s *Store) FindSandboxByID(ctx context.Context, id string) (types.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sandboxCols+` FROM sandboxes WHERE id = ?;`, id)
	sb, err := scanSandbox(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Sandbox{}, ErrNotFound
	}
	if err != nil {
		return types.Sandbox{}, fmt.Errorf("find sandbox by id: %w", err)
	}
	return sb, nil
}

// FindIdleForSwarm returns idle sandboxes already bound to swarmID, oldest
// last-used first (LRU reuse preference), followed by idle sandboxes
// with no swarm binding yet.
func (s *Store) FindIdleForSwarm(ctx context.Context, swarmID string) ([]types.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxCols+` FROM sandboxes
		WHERE status = ? AND (swarm_id = ? OR swarm_id IS NULL OR swarm_id = '')
		ORDER BY (swarm_id = ?) DESC, last_used_at ASC NULLS FIRST;
	`, types.SandboxIdle, swarmID, swarmID)
	if err != nil {
		return nil, fmt.Errorf("find idle sandboxes for swarm: %w", err)
	}
	defer rows.Close()
	var out []types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// FindAllIdle returns every idle sandbox regardless of swarm binding, oldest
// last-used first — the set the Pool Manager's cleanup sweep and status
// projection operate over.
func (s *Store) FindAllIdle(ctx context.Context) ([]types.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxCols+` FROM sandboxes
		WHERE status = ?
		ORDER BY last_used_at ASC NULLS FIRST;
	`, types.SandboxIdle)
	if err != nil {
		return nil, fmt.Errorf("find all idle sandboxes: %w", err)
	}
	defer rows.Close()
	var out []types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// FindBusy returns every sandbox currently assigned to a task.
func (s *Store) FindBusy(ctx context.Context) ([]types.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sandboxCols+` FROM sandboxes WHERE status = ?;`, types.SandboxBusy)
	if err != nil {
		return nil, fmt.Errorf("find busy sandboxes: %w", err)
	}
	defer rows.Close()
	var out []types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// CountActive reports the number of non-destroyed sandboxes — the figure the
// Pool Manager compares against pool_max.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandboxes WHERE status != ?;`, types.SandboxDestroyed)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sandboxes: %w", err)
	}
	return n, nil
}

// RegisterSandbox records a freshly created sandbox as idle.
func (s *Store) RegisterSandbox(ctx context.Context, providerID, swarmID string) (types.Sandbox, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sandboxes (id, provider_id, swarm_id, status)
			VALUES (?, ?, ?, ?);
		`, id, providerID, swarmID, types.SandboxIdle)
		return err
	})
	if err != nil {
		return types.Sandbox{}, fmt.Errorf("register sandbox: %w", err)
	}
	return s.FindSandboxByID(ctx, id)
}

// AssignTask atomically claims an idle sandbox for a task; a sandbox
// already busy or destroyed yields ErrConflict.
func (s *Store) AssignTask(ctx context.Context, sandboxID, taskID, swarmID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sandboxes
			SET status=?, current_task_id=?, swarm_id=?, last_used_at=CURRENT_TIMESTAMP
			WHERE id=? AND status=?;
		`, types.SandboxBusy, taskID, swarmID, sandboxID, types.SandboxIdle)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// ReleaseTask returns a sandbox to idle, clearing its current task binding.
// It does not depend on the prior idle/busy status: a stuck or already-idle
// sandbox can always be released (the finalization block must never itself
// fail to release). A destroyed sandbox is left destroyed, and the call
// still returns nil for it.
func (s *Store) ReleaseTask(ctx context.Context, sandboxID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sandboxes
			SET status=?, current_task_id=NULL, last_used_at=CURRENT_TIMESTAMP
			WHERE id=? AND status != ?;
		`, types.SandboxIdle, sandboxID, types.SandboxDestroyed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.FindSandboxByID(ctx, sandboxID); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkDestroyed transitions a sandbox to destroyed; it refuses a sandbox
// still busy, matching the PoolError::SandboxBusy contract.
func (s *Store) MarkDestroyed(ctx context.Context, sandboxID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sandboxes SET status=? WHERE id=? AND status != ?;
		`, types.SandboxDestroyed, sandboxID, types.SandboxBusy)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			sb, ferr := s.FindSandboxByID(ctx, sandboxID)
			if ferr != nil {
				return ferr
			}
			if sb.Status == types.SandboxBusy {
				return fmt.Errorf("%w: sandbox %s is busy", ErrConflict, sandboxID)
			}
		}
		return nil
	})
}

// DeleteDestroyed purges every sandbox row already marked destroyed.
func (s *Store) DeleteDestroyed(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE status = ?;`, types.SandboxDestroyed)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete destroyed sandboxes: %w", err)
	}
	return n, nil
}
