package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jarvis/internal/model"
)

const sessionRequestColumns = `id, account_id, event_id, status, session_id, metadata, started_at, created_at, updated_at`

func scanSessionRequest(row pgx.CollectableRow) (model.BrowserSessionRequest, error) {
	var r model.BrowserSessionRequest
	err := row.Scan(&r.ID, &r.AccountID, &r.EventID, &r.Status, &r.SessionID, &r.Metadata,
		&r.StartedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetSessionRequest returns the request with the given event ID.
func (db *DB) GetSessionRequest(ctx context.Context, eventID string) (model.BrowserSessionRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionRequestColumns+` FROM browser_session_requests WHERE event_id = $1`, eventID)
	if err != nil {
		return model.BrowserSessionRequest{}, fmt.Errorf("storage: get session request: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanSessionRequest)
	if err != nil {
		return model.BrowserSessionRequest{}, notFound(err, "session request", eventID)
	}
	return r, nil
}

// GetSessionRequestBySession returns the running request holding sessionID.
func (db *DB) GetSessionRequestBySession(ctx context.Context, sessionID string) (model.BrowserSessionRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionRequestColumns+` FROM browser_session_requests
		 WHERE session_id = $1 AND status = 'running'
		 ORDER BY updated_at DESC LIMIT 1`, sessionID)
	if err != nil {
		return model.BrowserSessionRequest{}, fmt.Errorf("storage: get session request: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanSessionRequest)
	if err != nil {
		return model.BrowserSessionRequest{}, notFound(err, "session request for session", sessionID)
	}
	return r, nil
}

// UpsertSessionRequest records a waiting request keyed by event ID. An
// existing request with the same event ID is returned unchanged.
func (db *DB) UpsertSessionRequest(ctx context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now().UTC()
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO browser_session_requests (id, account_id, event_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, 'waiting', $4, $5, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		req.ID, req.AccountID, req.EventID, req.Metadata, now,
	); err != nil {
		return model.BrowserSessionRequest{}, fmt.Errorf("storage: upsert session request: %w", err)
	}
	return db.GetSessionRequest(ctx, req.EventID)
}

// MarkSessionRunning flips a waiting request to running with its allocated
// session. It reports false when the request was no longer waiting.
func (db *DB) MarkSessionRunning(ctx context.Context, eventID, sessionID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE browser_session_requests
		 SET status = 'running', session_id = $1, started_at = now(), updated_at = now()
		 WHERE event_id = $2 AND status = 'waiting'`, sessionID, eventID)
	if err != nil {
		return false, fmt.Errorf("storage: mark session running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteSessionRequest marks a request complete. It reports false when the
// request was already complete.
func (db *DB) CompleteSessionRequest(ctx context.Context, eventID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE browser_session_requests SET status = 'complete', updated_at = now()
		 WHERE event_id = $1 AND status <> 'complete'`, eventID)
	if err != nil {
		return false, fmt.Errorf("storage: complete session request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountRunningSessions returns the number of requests currently holding a session.
func (db *DB) CountRunningSessions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM browser_session_requests WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count running sessions: %w", err)
	}
	return n, nil
}

// ListSessionRequests returns requests in the given status, oldest first.
func (db *DB) ListSessionRequests(ctx context.Context, status model.SessionRequestStatus, limit int) ([]model.BrowserSessionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionRequestColumns+` FROM browser_session_requests
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list session requests: %w", err)
	}
	reqs, err := pgx.CollectRows(rows, scanSessionRequest)
	if err != nil {
		return nil, fmt.Errorf("storage: scan session requests: %w", err)
	}
	return reqs, nil
}

// GetBrowserProfile returns the persisted browsing context of an account at a provider.
func (db *DB) GetBrowserProfile(ctx context.Context, accountID, provider string) (model.BrowserProfile, error) {
	p := model.BrowserProfile{AccountID: accountID, Provider: provider}
	err := db.pool.QueryRow(ctx,
		`SELECT context, updated_at FROM browser_profiles WHERE account_id = $1 AND provider = $2`,
		accountID, provider,
	).Scan(&p.Context, &p.UpdatedAt)
	if err != nil {
		return model.BrowserProfile{}, notFound(err, "browser profile", accountID+"/"+provider)
	}
	return p, nil
}

// SaveBrowserProfile upserts the browsing context of an account at a provider.
func (db *DB) SaveBrowserProfile(ctx context.Context, p model.BrowserProfile) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO browser_profiles (account_id, provider, context, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (account_id, provider) DO UPDATE SET context = EXCLUDED.context, updated_at = now()`,
		p.AccountID, p.Provider, p.Context)
	if err != nil {
		return fmt.Errorf("storage: save browser profile: %w", err)
	}
	return nil
}
