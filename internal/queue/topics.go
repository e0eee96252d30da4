package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queues.
const (
	QueueAgent = "agent"
	QueueFlow  = "flow"
)

// Job names on the agent queue.
const (
	JobPickNode         = "pick-node"
	JobSchedulePickNode = "schedule-pick-node"
	JobAgentInit        = "agent-init"
	JobNodeLooper       = "node-looper"
	JobRunAction        = "run-action"
	JobEndNode          = "end-node"
	JobQueueJob         = "jarvis-queue-job"
	JobProcessTrigger   = "process-trigger"
)

// Job names on the flow queue.
const (
	JobCreateRun   = "create-run"
	JobTaskCreator = "task-creator-job"
)

// DefaultAttempts is the attempt budget of a job that does not set one. It
// only absorbs worker crashes; handlers report their own failures.
const DefaultAttempts = 2

// DefaultConcurrency returns the worker pool size for a job name.
func DefaultConcurrency(name string) int {
	switch name {
	case JobQueueJob, JobNodeLooper, JobRunAction:
		return 4
	default:
		return 2
	}
}

// NodeJobID is the dedup key that keeps at most one job of a kind in flight
// per node.
func NodeJobID(runID, nodeID uuid.UUID, name string) string {
	return fmt.Sprintf("%s-%s-%s", runID, nodeID, name)
}

// PickNodeJobID coalesces pick-node bursts for a run into one job.
func PickNodeJobID(runID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", runID, JobPickNode)
}

// Scope is the subset of every payload that names the entities a job works
// on. Fields are nil when the job kind does not carry them.
type Scope struct {
	RunID    *uuid.UUID `json:"runId,omitempty"`
	ThreadID *uuid.UUID `json:"threadId,omitempty"`
	NodeID   *uuid.UUID `json:"nodeId,omitempty"`
	FlowID   *uuid.UUID `json:"flowId,omitempty"`
}

// ParseScope extracts the scope of a job payload. Unknown fields are ignored.
func ParseScope(payload json.RawMessage) (Scope, error) {
	var s Scope
	if len(payload) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return Scope{}, fmt.Errorf("queue: parse payload scope: %w", err)
	}
	return s, nil
}

// StepJobID is the dedup key of a node job scheduled from within another
// job of the same node. Seq comes from the scheduling job, so a follow-up
// never collides with the row of the job that is still running.
func StepJobID(runID, nodeID uuid.UUID, name string, seq int) string {
	if seq <= 0 {
		return NodeJobID(runID, nodeID, name)
	}
	return fmt.Sprintf("%s-%d", NodeJobID(runID, nodeID, name), seq)
}

// NodeRef identifies the node a job works on. Seq counts the agent steps
// that led to this job.
type NodeRef struct {
	RunID    uuid.UUID `json:"runId"`
	ThreadID uuid.UUID `json:"threadId"`
	NodeID   uuid.UUID `json:"nodeId"`
	Seq      int       `json:"seq,omitempty"`
}

// PickNodePayload is the payload of pick-node and schedule-pick-node.
type PickNodePayload struct {
	RunID           uuid.UUID  `json:"runId"`
	PreferredNodeID *uuid.UUID `json:"preferredNodeId,omitempty"`
}

// RunActionPayload is the payload of run-action.
type RunActionPayload struct {
	NodeRef
	ActionCode string          `json:"actionCode"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// QueueJobPayload is the payload of jarvis-queue-job.
type QueueJobPayload struct {
	NodeRef
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// EndNodePayload is the payload of end-node.
type EndNodePayload struct {
	NodeRef
	Status           string          `json:"status"`
	Output           string          `json:"output"`
	Reasoning        string          `json:"reasoning,omitempty"`
	StructuredOutput json.RawMessage `json:"structuredOutput,omitempty"`
}

// ProcessTriggerPayload is the payload of process-trigger.
type ProcessTriggerPayload struct {
	NodeRef
	WaitID string          `json:"waitId"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// CreateRunPayload is the payload of create-run.
type CreateRunPayload struct {
	FlowID       uuid.UUID       `json:"flowId"`
	Input        string          `json:"input"`
	TriggerInput json.RawMessage `json:"triggerInput,omitempty"`
}

// SessionReadyArgs are the args of the queue function invoked on an agent
// when its browser session has been allocated.
type SessionReadyArgs struct {
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId"`
}

// TaskCreatorPayload is the payload of task-creator-job.
type TaskCreatorPayload struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Task      string `json:"task"`
}
