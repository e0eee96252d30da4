// Package decision is the LLM-backed control-flow oracle.
//
// Each decision kind has a closed set of variants expressed as a sum type.
// Model output is parsed strictly (unknown fields and unknown decision
// codes are errors) and validated before it leaves this package, so callers
// only ever switch over well-formed values.
package decision

import (
	"encoding/json"
	"errors"
)

// ErrUnknownDecision is returned when the model answers with a decision code
// outside the closed set for the requested kind.
var ErrUnknownDecision = errors.New("decision: unknown decision")

// ErrInvalidDecision is returned when the model's answer is not valid JSON
// or is missing a field its variant requires.
var ErrInvalidDecision = errors.New("decision: invalid decision")

// AgentDecision is the answer to "what should this thread do next".
type AgentDecision interface{ isAgentDecision() }

// End finishes the thread successfully.
type End struct {
	Output    string
	Reasoning string
}

// Error finishes the thread with an error.
type Error struct {
	Message string
}

// AskUser suspends the run until the user answers Question.
type AskUser struct {
	Question string
}

// CommunicateInfo tells the user something and keeps going.
type CommunicateInfo struct {
	Message string
}

// RunAgent dispatches a concrete agent on Task.
type RunAgent struct {
	AgentCode string
	Task      string
	Reasoning string
}

func (End) isAgentDecision()             {}
func (Error) isAgentDecision()           {}
func (AskUser) isAgentDecision()         {}
func (CommunicateInfo) isAgentDecision() {}
func (RunAgent) isAgentDecision()        {}

// TableOpsDecision is the answer to "how does this task map onto result rows".
type TableOpsDecision interface{ isTableOpsDecision() }

// RowOp adds a row (RowID empty) or updates an existing one. Task is the
// work the thread attached to this row should do.
type RowOp struct {
	RowID string
	Data  json.RawMessage
	Task  string
}

// AddOrUpdateRows writes Rows and fans the thread out over them.
type AddOrUpdateRows struct {
	Rows []RowOp
}

// NeedMoreInfo asks to see the given rows before deciding.
type NeedMoreInfo struct {
	RowIDs []string
}

// WorkOnSubtask defers the table decision until Task is done.
type WorkOnSubtask struct {
	Task string
}

func (AddOrUpdateRows) isTableOpsDecision() {}
func (NeedMoreInfo) isTableOpsDecision()    {}
func (WorkOnSubtask) isTableOpsDecision()   {}

// ActionDecision is an agent action chosen by the model.
type ActionDecision struct {
	ActionCode string
	Args       json.RawMessage
	Reasoning  string
}

// AgentOption describes an agent the model may pick.
type AgentOption struct {
	Code        string
	Description string
}

// ActionOption describes an agent action the model may pick. Args is an
// optional JSON schema for the action's arguments.
type ActionOption struct {
	Code        string
	Description string
	Args        json.RawMessage
}
