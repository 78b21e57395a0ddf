package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/swarmd/internal/swarm/types"
)

func scanSwarm(scan func(dest ...any) error) (types.Swarm, error) {
	var sw types.Swarm
	if err := scan(&sw.ID, &sw.Name, &sw.Description, &sw.Status, &sw.ProjectID, &sw.CreatedAt, &sw.UpdatedAt); err != nil {
		return types.Swarm{}, err
	}
	return sw, nil
}

const swarmCols = `id, name, description, status, project_id, created_at, updated_at`

// FindAllSwarms returns every swarm.
func (s *Store) FindAllSwarms(ctx context.Context) ([]types.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+swarmCols+` FROM swarms ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("find all swarms: %w", err)
	}
	defer rows.Close()
	var out []types.Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// FindSwarmByID returns a single swarm, or ErrNotFound.
func (s *Store) FindSwarmByID(ctx context.Context, id string) (types.Swarm, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+swarmCols+` FROM swarms WHERE id = ?;`, id)
	sw, err := scanSwarm(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Swarm{}, ErrNotFound
	}
	if err != nil {
		return types.Swarm{}, fmt.Errorf("find swarm by id: %w", err)
	}
	return sw, nil
}

// FindSwarmsByProject returns swarms scoped to a project reference.
func (s *Store) FindSwarmsByProject(ctx context.Context, projectID string) ([]types.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+swarmCols+` FROM swarms WHERE project_id = ? ORDER BY created_at DESC;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("find swarms by project: %w", err)
	}
	defer rows.Close()
	var out []types.Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// FindActiveSwarms returns swarms whose status is "active" — the set the
// Trigger Loop considers each cycle.
func (s *Store) FindActiveSwarms(ctx context.Context) ([]types.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+swarmCols+` FROM swarms WHERE status = ? ORDER BY created_at ASC;`, types.SwarmActive)
	if err != nil {
		return nil, fmt.Errorf("find active swarms: %w", err)
	}
	defer rows.Close()
	var out []types.Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// CreateSwarm inserts a new swarm with status active.
func (s *Store) CreateSwarm(ctx context.Context, name, description, projectID string) (types.Swarm, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO swarms (id, name, description, status, project_id)
			VALUES (?, ?, ?, ?, ?);
		`, id, name, description, types.SwarmActive, projectID)
		return err
	})
	if err != nil {
		return types.Swarm{}, fmt.Errorf("create swarm: %w", err)
	}
	return s.FindSwarmByID(ctx, id)
}

// UpdateSwarm partially merges name/description/projectID (empty string means
// "no change" is NOT assumed here — callers pass the full desired value,
// matching the Edge Façade's explicit-field PATCH contract).
func (s *Store) UpdateSwarm(ctx context.Context, id string, name, description, projectID *string) (types.Swarm, error) {
	existing, err := s.FindSwarmByID(ctx, id)
	if err != nil {
		return types.Swarm{}, err
	}
	if name != nil {
		existing.Name = *name
	}
	if description != nil {
		existing.Description = *description
	}
	if projectID != nil {
		existing.ProjectID = *projectID
	}
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE swarms SET name=?, description=?, project_id=?, updated_at=CURRENT_TIMESTAMP
			WHERE id=?;
		`, existing.Name, existing.Description, existing.ProjectID, id)
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
	if err != nil {
		return types.Swarm{}, fmt.Errorf("update swarm: %w", err)
	}
	return s.FindSwarmByID(ctx, id)
}

// UpdateSwarmStatus transitions a swarm between active/paused/stopped.
// Pausing an already-paused (or resuming an already-active) swarm is a
// Conflict.
func (s *Store) UpdateSwarmStatus(ctx context.Context, id string, to types.SwarmStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE swarms SET status=?, updated_at=CURRENT_TIMESTAMP
			WHERE id=? AND status != ?;
		`, to, id, to)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.FindSwarmByID(ctx, id); err != nil {
				return err
			}
			return ErrConflict
		}
		return nil
	})
}

// DeleteSwarmCascade deletes a swarm's chat messages and tasks, then the
// swarm itself, in one transaction, per invariant 5.
func (s *Store) DeleteSwarmCascade(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete swarm tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE swarm_id = ?;`, id); err != nil {
			return fmt.Errorf("delete chat for swarm: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE swarm_id = ?;`, id); err != nil {
			return fmt.Errorf("delete tasks for swarm: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete swarm: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}
