package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

func insertThread(ctx context.Context, tx pgx.Tx, t model.Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO threads (id, run_id, input, thread_level, shortlisted_document_ids, allowed_agent_codes, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.RunID, t.Input, t.Level.Key(), nonNil(t.ShortlistedDocumentIDs), nonNil(t.AllowedAgentCodes),
		string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert thread: %w", err)
	}
	return nil
}

// CreateThreads inserts forked threads and their first nodes atomically.
func (db *DB) CreateThreads(ctx context.Context, threads []model.Thread, nodes []model.Node) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		for _, t := range threads {
			if err := insertThread(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, n := range nodes {
			if err := insertNode(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var (
		t   model.Thread
		key string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, input, thread_level, shortlisted_document_ids, allowed_agent_codes, status, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.RunID, &t.Input, &key, &t.ShortlistedDocumentIDs, &t.AllowedAgentCodes, &t.Status, &t.CreatedAt)
	if err != nil {
		return model.Thread{}, notFound(err, "thread", id)
	}
	if t.Level, err = threadlevel.FromKey(key); err != nil {
		return model.Thread{}, fmt.Errorf("storage: thread %s: %w", id, err)
	}
	return t, nil
}

// SetThreadShortlist binds result rows to a thread.
func (db *DB) SetThreadShortlist(ctx context.Context, id uuid.UUID, rowIDs []string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE threads SET shortlisted_document_ids = $1 WHERE id = $2`, nonNil(rowIDs), id)
	if err != nil {
		return fmt.Errorf("storage: set thread shortlist: %w", err)
	}
	return nil
}

// FinishThread latches a thread into a terminal status. Only the first call wins.
func (db *DB) FinishThread(ctx context.Context, id uuid.UUID, status model.ThreadStatus) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET status = $1 WHERE id = $2 AND status NOT IN ('completed', 'error')`,
		string(status), id)
	if err != nil {
		return false, fmt.Errorf("storage: finish thread: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
