package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

// DecisionNodeCode is the sentinel agent code of a node whose only job is to
// ask the decision engine what happens next in its thread.
const DecisionNodeCode = "DECISION_NODE"

// NodeStatus is the lifecycle state of a node. Agents may set their own
// substatus strings while running; the named constants are the ones the
// orchestrator interprets.
type NodeStatus string

const (
	NodeStatusReady       NodeStatus = "ready"
	NodeStatusRunning     NodeStatus = "running"
	NodeStatusAskUser     NodeStatus = "ask_user_for_input"
	NodeStatusTriggerWait NodeStatus = "trigger_wait"
	NodeStatusCompleted   NodeStatus = "completed"
	NodeStatusError       NodeStatus = "error"
)

// IsTerminal reports whether the status is write-once.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusError
}

// NodePrivateData is orchestrator- and agent-owned state that is not shown
// to users.
type NodePrivateData struct {
	ParentNodeID     *uuid.UUID                 `json:"parent_node_id,omitempty"`
	StructuredOutput json.RawMessage            `json:"structured_output,omitempty"`
	AIArgs           json.RawMessage            `json:"ai_args,omitempty"`
	KeyVal           map[string]json.RawMessage `json:"key_val,omitempty"`
}

// Node is one unit of work assigned to an agent.
type Node struct {
	ID          uuid.UUID         `json:"id"`
	RunID       uuid.UUID         `json:"run_id"`
	ThreadID    uuid.UUID         `json:"thread_id"`
	Level       threadlevel.Level `json:"thread_level"` // Copy of the thread's level, used for pick order.
	AgentCode   string            `json:"agent_code"`
	Input       string            `json:"input"`
	Status      NodeStatus        `json:"status"`
	Output      string            `json:"output,omitempty"`
	Reasoning   string            `json:"reasoning,omitempty"`
	PrivateData NodePrivateData   `json:"private_data"`
	Wait        *WaitDescriptor   `json:"wait,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsDecisionNode reports whether the node is a DECISION_NODE.
func (n Node) IsDecisionNode() bool { return n.AgentCode == DecisionNodeCode }
