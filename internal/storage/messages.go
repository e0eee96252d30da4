package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
)

// AppendMessage adds a user, agent or debug line to a run's message log.
func (db *DB) AppendMessage(ctx context.Context, m model.MessageLog) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO message_logs (id, run_id, node_id, segment, message, image_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.RunID, m.NodeID, string(m.Segment), m.Message, m.ImageURL, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append message: %w", err)
	}
	return nil
}

// RecentMessages returns the run's last limit messages, oldest first.
func (db *DB) RecentMessages(ctx context.Context, runID uuid.UUID, limit int) ([]model.MessageLog, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, node_id, segment, message, image_url, created_at
		 FROM message_logs WHERE run_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.MessageLog, error) {
		var m model.MessageLog
		err := row.Scan(&m.ID, &m.RunID, &m.NodeID, &m.Segment, &m.Message, &m.ImageURL, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
