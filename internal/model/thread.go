package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusRunning   ThreadStatus = "running"
	ThreadStatusCompleted ThreadStatus = "completed"
	ThreadStatusError     ThreadStatus = "error"
)

// IsTerminal reports whether the status is write-once.
func (s ThreadStatus) IsTerminal() bool {
	return s == ThreadStatusCompleted || s == ThreadStatusError
}

// Thread is a sequential chain of nodes within a run. Forking creates
// sibling threads whose Level sorts between the parent and its next sibling.
type Thread struct {
	ID                     uuid.UUID         `json:"id"`
	RunID                  uuid.UUID         `json:"run_id"`
	Input                  string            `json:"input"`
	Level                  threadlevel.Level `json:"level"`
	ShortlistedDocumentIDs []string          `json:"shortlisted_document_ids,omitempty"`
	AllowedAgentCodes      []string          `json:"allowed_agent_codes,omitempty"`
	Status                 ThreadStatus      `json:"status"`
	CreatedAt              time.Time         `json:"created_at"`
}

// HasShortlist reports whether the thread is bound to result rows.
func (t Thread) HasShortlist() bool { return len(t.ShortlistedDocumentIDs) > 0 }
