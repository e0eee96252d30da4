package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
)

const runColumns = `id, account_id, user_id, flow_id, input, trigger_input, status, output,
	structured_output, reasoning, wait, current_node_id, created_at, updated_at, ended_at`

func scanRun(row pgx.CollectableRow) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.AccountID, &r.UserID, &r.FlowID, &r.Input, &r.TriggerInput, &r.Status, &r.Output,
		&r.StructuredOutput, &r.Reasoning, &r.Wait, &r.CurrentNodeID, &r.CreatedAt, &r.UpdatedAt, &r.EndedAt,
	)
	return r, err
}

// CreateRun inserts a run together with its root thread and first node in
// one transaction, so a run is never visible without a pickable node.
func (db *DB) CreateRun(ctx context.Context, run model.Run, root model.Thread, first model.Node) error {
	now := time.Now().UTC()
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, account_id, user_id, flow_id, input, trigger_input, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			run.ID, run.AccountID, run.UserID, run.FlowID, run.Input, run.TriggerInput, string(run.Status), now,
		); err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}
		if err := insertThread(ctx, tx, root); err != nil {
			return err
		}
		return insertNode(ctx, tx, first)
	})
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		return model.Run{}, notFound(err, "run", id)
	}
	return r, nil
}

// SetRunStatus moves a non-terminal run to a non-terminal status. It reports
// false when the run was already terminal.
func (db *DB) SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, wait *model.WaitDescriptor) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, wait = $2, updated_at = now()
		 WHERE id = $3 AND status NOT IN ('completed', 'error')`,
		string(status), wait, id)
	if err != nil {
		return false, fmt.Errorf("storage: set run status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResumeRun flips a run waiting for user input back to running, but only when
// waitID matches the stored wait descriptor.
func (db *DB) ResumeRun(ctx context.Context, id uuid.UUID, waitID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', wait = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'ask_user_for_input' AND wait->>'wait_id' = $2`,
		id, waitID)
	if err != nil {
		return false, fmt.Errorf("storage: resume run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun latches a run into a terminal status. Only the first call wins.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output, reasoning string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, output = $2, reasoning = $3, wait = NULL, ended_at = now(), updated_at = now()
		 WHERE id = $4 AND status NOT IN ('completed', 'error')`,
		string(status), output, reasoning, id)
	if err != nil {
		return false, fmt.Errorf("storage: finish run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetRunCurrentNode points the run at the node that is currently executing.
func (db *DB) SetRunCurrentNode(ctx context.Context, runID, nodeID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET current_node_id = $1, updated_at = now() WHERE id = $2`, nodeID, runID)
	if err != nil {
		return fmt.Errorf("storage: set current node: %w", err)
	}
	return nil
}
