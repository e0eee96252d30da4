package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
)

func scanResultRow(row pgx.CollectableRow) (model.ResultRow, error) {
	var r model.ResultRow
	err := row.Scan(&r.FlowID, &r.ID, &r.Data, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetTableSchema returns the flow's result table layout. A flow without a
// schema has no columns.
func (db *DB) GetTableSchema(ctx context.Context, flowID uuid.UUID) (model.TableSchema, error) {
	s := model.TableSchema{FlowID: flowID}
	err := db.pool.QueryRow(ctx, `SELECT columns FROM result_schemas WHERE flow_id = $1`, flowID).Scan(&s.Columns)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.TableSchema{}, fmt.Errorf("storage: get table schema: %w", err)
	}
	return s, nil
}

// SetTableSchema replaces the flow's result table layout.
func (db *DB) SetTableSchema(ctx context.Context, s model.TableSchema) error {
	cols := s.Columns
	if cols == nil {
		cols = []model.Column{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO result_schemas (flow_id, columns) VALUES ($1, $2)
		 ON CONFLICT (flow_id) DO UPDATE SET columns = EXCLUDED.columns`, s.FlowID, cols)
	if err != nil {
		return fmt.Errorf("storage: set table schema: %w", err)
	}
	return nil
}

// GetRows returns the named rows of a flow's result table in creation order.
// Unknown IDs are skipped.
func (db *DB) GetRows(ctx context.Context, flowID uuid.UUID, ids []string) ([]model.ResultRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT flow_id, id, data, created_at, updated_at FROM result_rows
		 WHERE flow_id = $1 AND id = ANY($2) ORDER BY created_at`, flowID, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanResultRow)
	if err != nil {
		return nil, fmt.Errorf("storage: scan rows: %w", err)
	}
	return out, nil
}

// ListRows returns up to limit of the flow's most recent rows, oldest first.
func (db *DB) ListRows(ctx context.Context, flowID uuid.UUID, limit int) ([]model.ResultRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT * FROM (
		     SELECT flow_id, id, data, created_at, updated_at FROM result_rows
		     WHERE flow_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanResultRow)
	if err != nil {
		return nil, fmt.Errorf("storage: scan rows: %w", err)
	}
	return out, nil
}

// AddRow appends a row to the flow's result table.
func (db *DB) AddRow(ctx context.Context, flowID uuid.UUID, data json.RawMessage) (model.ResultRow, error) {
	now := time.Now().UTC()
	r := model.ResultRow{ID: uuid.NewString(), FlowID: flowID, Data: data, CreatedAt: now, UpdatedAt: now}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO result_rows (flow_id, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		flowID, r.ID, data, now)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("storage: add row: %w", err)
	}
	return r, nil
}

// UpdateRow merges data into an existing row's fields.
func (db *DB) UpdateRow(ctx context.Context, flowID uuid.UUID, id string, data json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE result_rows SET data = data || $1::jsonb, updated_at = now() WHERE flow_id = $2 AND id = $3`,
		data, flowID, id)
	if err != nil {
		return fmt.Errorf("storage: update row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: row %s", ErrNotFound, id)
	}
	return nil
}
