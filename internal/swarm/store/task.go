package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/swarmd/internal/swarm/types"
)

const taskCols = `id, swarm_id, title, description, status, priority, COALESCE(sandbox_id,''),
	depends_on, triggers_after, COALESCE(result,''), COALESCE(error,''), tags,
	started_at, completed_at, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (types.Task, error) {
	var t types.Task
	var dependsOnJSON, triggersAfterJSON, tagsJSON string
	var startedAt, completedAt sql.NullTime
	if err := scan(&t.ID, &t.SwarmID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.SandboxID,
		&dependsOnJSON, &triggersAfterJSON, &t.Result, &t.Error, &tagsJSON,
		&startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return types.Task{}, err
	}
	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(triggersAfterJSON), &t.TriggersAfter)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func jsonOrEmptyArray(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// FindTaskByID returns a single task, or ErrNotFound.
func (s *Store) FindTaskByID(ctx context.Context, id string) (types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("find task by id: %w", err)
	}
	return t, nil
}

// FindTasksByIDs returns all matching tasks in a single statement, avoiding N+1.
func (s *Store) FindTasksByIDs(ctx context.Context, ids []string) ([]types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE id IN (` + strings.Join(placeholders, ",") + `);`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find tasks by ids: %w", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTasksBySwarm returns every task in a swarm, newest-created first.
func (s *Store) FindTasksBySwarm(ctx context.Context, swarmID string) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE swarm_id = ? ORDER BY created_at DESC;`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("find tasks by swarm: %w", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindPendingBySwarm returns pending tasks ordered urgent>high>medium>low,
// then created_at ascending — the Trigger Loop's dispatch order.
func (s *Store) FindPendingBySwarm(ctx context.Context, swarmID string) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE swarm_id = ? AND status = ?
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 1
				WHEN 'high' THEN 2
				WHEN 'medium' THEN 3
				WHEN 'low' THEN 4
				ELSE 3
			END,
			created_at ASC;
	`, swarmID, types.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("find pending by swarm: %w", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StatusCounts aggregates task counts for one swarm.
type StatusCounts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// CountByStatusForSwarm aggregates task status counts for one swarm.
func (s *Store) CountByStatusForSwarm(ctx context.Context, swarmID string) (StatusCounts, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status='pending' THEN 1 END),
			COUNT(CASE WHEN status='running' THEN 1 END),
			COUNT(CASE WHEN status='completed' THEN 1 END),
			COUNT(CASE WHEN status='failed' THEN 1 END),
			COUNT(CASE WHEN status='cancelled' THEN 1 END)
		FROM tasks WHERE swarm_id = ?;
	`, swarmID)
	var c StatusCounts
	if err := row.Scan(&c.Pending, &c.Running, &c.Completed, &c.Failed, &c.Cancelled); err != nil {
		return StatusCounts{}, fmt.Errorf("count by status for swarm: %w", err)
	}
	return c, nil
}

// CreateTaskInput are the caller-specified fields for a new task.
type CreateTaskInput struct {
	Title       string
	Description string
	Priority    types.TaskPriority
	DependsOn   []string
	Tags        []string
}

// CreateTask inserts a new pending task under swarmID.
func (s *Store) CreateTask(ctx context.Context, swarmID string, in CreateTaskInput) (types.Task, error) {
	if in.Priority == "" {
		in.Priority = types.PriorityMedium
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, swarm_id, title, description, priority, depends_on, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, swarmID, in.Title, in.Description, in.Priority, jsonOrEmptyArray(in.DependsOn), jsonOrEmptyArray(in.Tags))
		return err
	})
	if err != nil {
		return types.Task{}, fmt.Errorf("create task: %w", err)
	}
	return s.FindTaskByID(ctx, id)
}

// UpdateTaskInput is a partial-merge update: nil fields retain their prior value.
type UpdateTaskInput struct {
	Title       *string
	Description *string
	Priority    *types.TaskPriority
	DependsOn   *[]string
	Tags        *[]string
}

// UpdateTask applies a partial merge over the existing row: unspecified
// fields are preserved from the existing row, not zeroed.
func (s *Store) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (types.Task, error) {
	existing, err := s.FindTaskByID(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	if in.Title != nil {
		existing.Title = *in.Title
	}
	if in.Description != nil {
		existing.Description = *in.Description
	}
	if in.Priority != nil {
		existing.Priority = *in.Priority
	}
	if in.DependsOn != nil {
		existing.DependsOn = *in.DependsOn
	}
	if in.Tags != nil {
		existing.Tags = *in.Tags
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET title=?, description=?, priority=?, depends_on=?, tags=?, updated_at=CURRENT_TIMESTAMP
			WHERE id=?;
		`, existing.Title, existing.Description, existing.Priority,
			jsonOrEmptyArray(existing.DependsOn), jsonOrEmptyArray(existing.Tags), id)
		return err
	})
	if err != nil {
		return types.Task{}, fmt.Errorf("update task: %w", err)
	}
	return s.FindTaskByID(ctx, id)
}

// UpdateStatusWithTimestamps sets status and, where applicable, started_at or
// completed_at — mirroring the generic status setter the more specific
// Start/Complete/Fail/Retry operations below specialize.
func (s *Store) UpdateStatusWithTimestamps(ctx context.Context, id string, to types.TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		var query string
		switch to {
		case types.TaskRunning:
			query = `UPDATE tasks SET status=?, started_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP WHERE id=?;`
		case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
			query = `UPDATE tasks SET status=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP WHERE id=?;`
		default:
			query = `UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`
		}
		res, err := s.db.ExecContext(ctx, query, to, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StartTask atomically transitions a pending task to running, setting
// started_at and sandbox_id in the same statement (invariant 1).
func (s *Store) StartTask(ctx context.Context, id, sandboxProviderID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status=?, sandbox_id=?, started_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
			WHERE id=? AND status=?;
		`, types.TaskRunning, sandboxProviderID, id, types.TaskPending)
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

// CompleteTask atomically transitions a running task to completed with a
// result and completed_at (invariant 2).
func (s *Store) CompleteTask(ctx context.Context, id, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status=?, result=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
			WHERE id=? AND status=?;
		`, types.TaskCompleted, result, id, types.TaskRunning)
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

// FailTask atomically transitions a running task to failed with an error and
// completed_at (invariant 2).
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status=?, error=?, completed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
			WHERE id=? AND status=?;
		`, types.TaskFailed, errMsg, id, types.TaskRunning)
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

// RetryTask resets a task to pending, clearing sandbox_id, error, result and
// both timestamps.
func (s *Store) RetryTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status=?, sandbox_id=NULL, error=NULL, result=NULL,
				started_at=NULL, completed_at=NULL, updated_at=CURRENT_TIMESTAMP
			WHERE id=?;
		`, types.TaskPending, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ReleaseSandbox clears a task's sandbox_id without altering its status.
func (s *Store) ReleaseSandbox(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET sandbox_id=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?;
		`, taskID)
		return err
	})
}

// DeleteTask removes a single task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?;`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteTasksBySwarm removes every task belonging to a swarm.
func (s *Store) DeleteTasksBySwarm(ctx context.Context, swarmID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE swarm_id=?;`, swarmID)
		return err
	})
}

// AreDependenciesComplete implements the dependency tie-break rule: an absent or
// empty depends_on list is trivially complete; a reference to a
// no-longer-existing task fails closed (not complete).
func (s *Store) AreDependenciesComplete(ctx context.Context, task types.Task) (bool, error) {
	if len(task.DependsOn) == 0 {
		return true, nil
	}
	deps, err := s.FindTasksByIDs(ctx, task.DependsOn)
	if err != nil {
		return false, fmt.Errorf("are dependencies complete: %w", err)
	}
	if len(deps) != len(task.DependsOn) {
		return false, nil
	}
	for _, d := range deps {
		if d.Status != types.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
