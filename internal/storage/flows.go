package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
)

// CreateFlow inserts a flow. A zero ID is replaced with a fresh UUID.
func (db *DB) CreateFlow(ctx context.Context, f model.Flow) (model.Flow, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = model.FlowStatusActive
	}
	if f.Triggers == nil {
		f.Triggers = []model.Trigger{}
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO flows (id, account_id, user_id, name, task, status, triggers, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		f.ID, f.AccountID, f.UserID, f.Name, f.Task, string(f.Status), f.Triggers, now,
	)
	if err != nil {
		return model.Flow{}, fmt.Errorf("storage: create flow: %w", err)
	}
	return f, nil
}

// GetFlow retrieves a flow by ID.
func (db *DB) GetFlow(ctx context.Context, id uuid.UUID) (model.Flow, error) {
	var f model.Flow
	err := db.pool.QueryRow(ctx,
		`SELECT id, account_id, user_id, name, task, status, triggers, created_at, updated_at
		 FROM flows WHERE id = $1`, id,
	).Scan(&f.ID, &f.AccountID, &f.UserID, &f.Name, &f.Task, &f.Status, &f.Triggers, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return model.Flow{}, notFound(err, "flow", id)
	}
	return f, nil
}

// SetFlowStatus activates or deactivates a flow.
func (db *DB) SetFlowStatus(ctx context.Context, id uuid.UUID, status model.FlowStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE flows SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: set flow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: flow %s", ErrNotFound, id)
	}
	return nil
}

// ListActiveRunsForFlow returns the flow's runs that are not yet terminal.
func (db *DB) ListActiveRunsForFlow(ctx context.Context, flowID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE flow_id = $1 AND status NOT IN ('completed', 'error')
		 ORDER BY created_at ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("storage: scan runs: %w", err)
	}
	return runs, nil
}
