// Package model defines the core domain types for jarvis.
//
// All types correspond directly to database tables. Types use strong typing
// (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusAskUser   RunStatus = "ask_user_for_input"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// IsTerminal reports whether the status is write-once.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// IsActive reports whether work may still be scheduled for the run.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusAskUser
}

// WaitKind says what a suspended entity is waiting for.
type WaitKind string

const (
	WaitUserInput WaitKind = "user_input"
	WaitTrigger   WaitKind = "trigger"
)

// WaitDescriptor is stored on a run or node while it is suspended. Resumption
// is accepted only when the caller presents the same WaitID.
type WaitDescriptor struct {
	WaitID    string     `json:"wait_id"`
	Kind      WaitKind   `json:"kind"`
	Question  string     `json:"question,omitempty"`
	NodeID    *uuid.UUID `json:"node_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Run is one execution of a flow's task.
type Run struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        string          `json:"account_id"`
	UserID           string          `json:"user_id"`
	FlowID           uuid.UUID       `json:"flow_id"`
	Input            string          `json:"input"`
	TriggerInput     json.RawMessage `json:"trigger_input,omitempty"`
	Status           RunStatus       `json:"status"`
	Output           string          `json:"output,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	Wait             *WaitDescriptor `json:"wait,omitempty"`
	CurrentNodeID    *uuid.UUID      `json:"current_node_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
}
