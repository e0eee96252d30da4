package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionRequestStatus is the state of a browser session request.
type SessionRequestStatus string

const (
	SessionWaiting  SessionRequestStatus = "waiting"
	SessionRunning  SessionRequestStatus = "running"
	SessionComplete SessionRequestStatus = "complete"
)

// SessionRequestMetadata ties a session request back to the node that asked.
type SessionRequestMetadata struct {
	RunID          uuid.UUID `json:"run_id"`
	FlowID         uuid.UUID `json:"flow_id"`
	ThreadID       uuid.UUID `json:"thread_id"`
	NodeID         uuid.UUID `json:"node_id"`
	NotifyFunction string    `json:"notify_function,omitempty"`
}

// BrowserSessionRequest is a request for a pooled browser session. EventID is
// the caller-chosen idempotency key.
type BrowserSessionRequest struct {
	ID        uuid.UUID              `json:"id"`
	AccountID string                 `json:"account_id"`
	EventID   string                 `json:"event_id"`
	Status    SessionRequestStatus   `json:"status"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  SessionRequestMetadata `json:"metadata"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BrowserProfile is the persisted browsing context (cookies, storage) of an
// account at a provider, restored into the next session.
type BrowserProfile struct {
	AccountID string          `json:"account_id"`
	Provider  string          `json:"provider"`
	Context   json.RawMessage `json:"context"`
	UpdatedAt time.Time       `json:"updated_at"`
}
