package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/swarmd/internal/swarm/types"
)

const chatCols = `id, swarm_id, sender_kind, sender_id, message, COALESCE(metadata,''), created_at`

func scanChatMessage(scan func(dest ...any) error) (types.ChatMessage, error) {
	var m types.ChatMessage
	if err := scan(&m.ID, &m.SwarmID, &m.Sender, &m.SenderID, &m.Message, &m.Metadata, &m.CreatedAt); err != nil {
		return types.ChatMessage{}, err
	}
	return m, nil
}

// FindChatBySwarm returns up to limit messages, newest first, for
// chat-history replay. A limit <= 0 means unbounded.
func (s *Store) FindChatBySwarm(ctx context.Context, swarmID string, limit int) ([]types.ChatMessage, error) {
	query := `SELECT ` + chatCols + ` FROM chat_messages WHERE swarm_id = ? ORDER BY created_at DESC`
	args := []any{swarmID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("find chat by swarm: %w", err)
	}
	defer rows.Close()
	var out []types.ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateChatMessage appends a message to a swarm's chat stream.
func (s *Store) CreateChatMessage(ctx context.Context, swarmID string, sender types.ChatSenderKind, senderID, message, metadata string) (types.ChatMessage, error) {
	id := uuid.NewString()
	var metaArg any
	if metadata == "" {
		metaArg = nil
	} else {
		metaArg = metadata
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, swarm_id, sender_kind, sender_id, message, metadata)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, swarmID, sender, senderID, message, metaArg)
		return err
	})
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("create chat message: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+chatCols+` FROM chat_messages WHERE id = ?;`, id)
	m, err := scanChatMessage(row.Scan)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("reload chat message: %w", err)
	}
	return m, nil
}

// DeleteChatBySwarm removes every chat message belonging to a swarm on its
// own, separately from the cascade performed by DeleteSwarmCascade.
func (s *Store) DeleteChatBySwarm(ctx context.Context, swarmID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE swarm_id = ?;`, swarmID)
		return err
	})
}
