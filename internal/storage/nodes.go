package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

const nodeColumns = `id, run_id, thread_id, thread_level, agent_code, input, status, output, reasoning,
	private_data, wait, session_id, created_at, updated_at`

func scanNode(row pgx.CollectableRow) (model.Node, error) {
	var (
		n   model.Node
		key string
	)
	if err := row.Scan(
		&n.ID, &n.RunID, &n.ThreadID, &key, &n.AgentCode, &n.Input, &n.Status, &n.Output, &n.Reasoning,
		&n.PrivateData, &n.Wait, &n.SessionID, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return model.Node{}, err
	}
	lvl, err := threadlevel.FromKey(key)
	if err != nil {
		return model.Node{}, fmt.Errorf("node %s: %w", n.ID, err)
	}
	n.Level = lvl
	return n, nil
}

func insertNode(ctx context.Context, tx pgx.Tx, n model.Node) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO nodes (id, run_id, thread_id, thread_level, agent_code, input, status, private_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		n.ID, n.RunID, n.ThreadID, n.Level.Key(), n.AgentCode, n.Input, string(n.Status), n.PrivateData, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert node: %w", err)
	}
	return nil
}

// CreateNode inserts a single node.
func (db *DB) CreateNode(ctx context.Context, n model.Node) error {
	return db.inTx(ctx, func(tx pgx.Tx) error { return insertNode(ctx, tx, n) })
}

// GetNode retrieves a node by ID.
func (db *DB) GetNode(ctx context.Context, id uuid.UUID) (model.Node, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: get node: %w", err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNode)
	if err != nil {
		return model.Node{}, notFound(err, "node", id)
	}
	return n, nil
}

// NextReadyNode returns the ready node that should be picked first: lowest
// thread level, then oldest. Returns ErrNotFound when no node is ready.
func (db *DB) NextReadyNode(ctx context.Context, runID uuid.UUID) (model.Node, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE run_id = $1 AND status = 'ready'
		 ORDER BY thread_level ASC, created_at ASC
		 LIMIT 1`, runID)
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: next ready node: %w", err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNode)
	if err != nil {
		return model.Node{}, notFound(err, "ready node in run", runID)
	}
	return n, nil
}

// CountOpenNodes returns how many nodes of the run are ready and how many are
// otherwise non-terminal (running, waiting or in an agent substatus).
func (db *DB) CountOpenNodes(ctx context.Context, runID uuid.UUID) (ready, busy int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'ready'),
		        COUNT(*) FILTER (WHERE status NOT IN ('ready', 'completed', 'error'))
		 FROM nodes WHERE run_id = $1`, runID,
	).Scan(&ready, &busy)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: count open nodes: %w", err)
	}
	return ready, busy, nil
}

// SetNodeStatus moves a non-terminal node to a non-terminal status. It
// reports false when the node was already terminal.
func (db *DB) SetNodeStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, wait *model.WaitDescriptor) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes SET status = $1, wait = $2, updated_at = now()
		 WHERE id = $3 AND status NOT IN ('completed', 'error')`,
		string(status), wait, id)
	if err != nil {
		return false, fmt.Errorf("storage: set node status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResumeNode flips a suspended node back to running when it is still in
// status from and waitID matches the stored wait descriptor.
func (db *DB) ResumeNode(ctx context.Context, id uuid.UUID, from model.NodeStatus, waitID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes SET status = 'running', wait = NULL, updated_at = now()
		 WHERE id = $1 AND status = $2 AND wait->>'wait_id' = $3`,
		id, string(from), waitID)
	if err != nil {
		return false, fmt.Errorf("storage: resume node: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetNodeKeyVal stores one entry of the node's key/value bag.
func (db *DB) SetNodeKeyVal(ctx context.Context, id uuid.UUID, key string, value json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes
		 SET private_data = jsonb_set(
		         private_data || jsonb_build_object('key_val', COALESCE(private_data->'key_val', '{}'::jsonb)),
		         ARRAY['key_val', $1::text], $2::jsonb, true),
		     updated_at = now()
		 WHERE id = $3`,
		key, value, id)
	if err != nil {
		return fmt.Errorf("storage: set node key/val: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	return nil
}

// FinishNode latches a node into a terminal status with its output. Only the
// first call wins.
func (db *DB) FinishNode(ctx context.Context, id uuid.UUID, status model.NodeStatus, output, reasoning string, structured json.RawMessage) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes
		 SET status = $1, output = $2, reasoning = $3, wait = NULL,
		     private_data = CASE WHEN $4::jsonb IS NULL THEN private_data
		                         ELSE jsonb_set(private_data, '{structured_output}', $4::jsonb, true) END,
		     updated_at = now()
		 WHERE id = $5 AND status NOT IN ('completed', 'error')`,
		string(status), output, reasoning, structured, id)
	if err != nil {
		return false, fmt.Errorf("storage: finish node: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailOpenNodesInThread flips every non-terminal node of the thread to error.
func (db *DB) FailOpenNodesInThread(ctx context.Context, threadID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes SET status = 'error', wait = NULL, updated_at = now()
		 WHERE thread_id = $1 AND status NOT IN ('completed', 'error')`, threadID)
	if err != nil {
		return 0, fmt.Errorf("storage: fail open nodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailOpenNodesInRun flips every non-terminal node of the run to error.
func (db *DB) FailOpenNodesInRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes SET status = 'error', wait = NULL, updated_at = now()
		 WHERE run_id = $1 AND status NOT IN ('completed', 'error')`, runID)
	if err != nil {
		return 0, fmt.Errorf("storage: fail open nodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CompleteOpenNodesInRun flips every non-terminal node of the run to completed.
func (db *DB) CompleteOpenNodesInRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE nodes SET status = 'completed', wait = NULL, updated_at = now()
		 WHERE run_id = $1 AND status NOT IN ('completed', 'error')`, runID)
	if err != nil {
		return 0, fmt.Errorf("storage: complete open nodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSessionNodes returns the run's nodes that hold a browser session.
func (db *DB) ListSessionNodes(ctx context.Context, runID uuid.UUID) ([]model.Node, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE run_id = $1 AND session_id <> '' ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list session nodes: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, scanNode)
	if err != nil {
		return nil, fmt.Errorf("storage: scan nodes: %w", err)
	}
	return nodes, nil
}

// SetNodeSession records (or, with an empty sessionID, clears) the browser
// session a node holds.
func (db *DB) SetNodeSession(ctx context.Context, nodeID uuid.UUID, sessionID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE nodes SET session_id = $1, updated_at = now() WHERE id = $2`, sessionID, nodeID)
	if err != nil {
		return fmt.Errorf("storage: set node session: %w", err)
	}
	return nil
}
