// Package agent defines the contract between the orchestrator and the
// pluggable workers that execute nodes.
//
// An Agent never touches storage or the queue directly. Every side effect
// goes through the NodeContext it is handed, which the orchestrator
// implements. Agents advance by scheduling their own next step
// (ScheduleNodeLooper, ScheduleAction) rather than looping in process.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
)

// FuncBrowserSessionReady is the queue function the session pool invokes on
// an agent when a requested browser session has been allocated.
const FuncBrowserSessionReady = "onBrowserSessionReady"

// KeyUserInput is the node key/val entry holding the user's answer to a
// question the node asked, at node or run level. The node's looper runs
// once the answer is stored.
const KeyUserInput = "userInput"

// Details describes an agent to the decision engine.
type Details struct {
	Name        string
	Description string
}

// ActionSpec is one entry of an agent's closed action set. Args is an
// optional JSON schema shown to the model by DecideAction.
type ActionSpec struct {
	Code        string
	Description string
	Args        json.RawMessage
}

// ActionCall is a dispatched action.
type ActionCall struct {
	Code string
	Args json.RawMessage
}

// EventDetails describes the external events an EventAgent waits for.
type EventDetails struct {
	Description string
	Types       []string
}

// Event is an external trigger delivered to a node in trigger_wait.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Agent is the minimal contract every agent implements.
type Agent interface {
	Code() string
	Details() Details
	Actions() []ActionSpec
	Init(ctx context.Context, nc NodeContext) error
	Loop(ctx context.Context, nc NodeContext) error
	RunAction(ctx context.Context, nc NodeContext, call ActionCall) error
}

// EventAgent is an agent that can suspend until an external event arrives.
type EventAgent interface {
	Agent
	EventDetails() EventDetails
	OnEvent(ctx context.Context, nc NodeContext, ev Event) error
}

// QueueJobAgent is an agent with named background functions.
type QueueJobAgent interface {
	Agent
	QueueFunctions() []string
	RunQueueJob(ctx context.Context, nc NodeContext, fn string, args json.RawMessage) error
}

// NodeContext is the orchestrator façade handed to an agent for one node.
// Methods that change state are no-ops once the node or its run is
// terminal.
type NodeContext interface {
	Node() model.Node
	Run() model.Run

	UpdateNodeStatus(ctx context.Context, status model.NodeStatus) error
	UpdateNodeKeyVal(ctx context.Context, key string, value any) error
	// NodeKeyVal decodes the stored value into dst and reports whether key
	// was set.
	NodeKeyVal(ctx context.Context, key string, dst any) (bool, error)

	ScheduleNodeLooper(ctx context.Context, delay time.Duration) error
	ScheduleAction(ctx context.Context, code string, args any, delay time.Duration) error
	ScheduleQueueJob(ctx context.Context, fn string, args any, delay time.Duration) error

	// EndNode finishes the node successfully with free-text output.
	EndNode(ctx context.Context, output string) error
	// EndNodeStructured finishes the node with a row already shaped like
	// the result table, skipping the structuring pass.
	EndNodeStructured(ctx context.Context, output string, row json.RawMessage) error
	ErrorAtNode(ctx context.Context, msg string) error

	DecideAction(ctx context.Context, prompt string) (ActionCall, error)
	IsRunActive(ctx context.Context) (bool, error)

	UserLog(ctx context.Context, msg string)
	AgentLog(ctx context.Context, msg string)
	DebugLog(ctx context.Context, msg string)
	UserLogAtRun(ctx context.Context, msg string)
	AgentLogAtRun(ctx context.Context, msg string)
	DebugLogAtRun(ctx context.Context, msg string)
	// ImageLog records an agent log line with a screenshot attached.
	ImageLog(ctx context.Context, msg, imageURL string)

	// AskUserForInputAtNode suspends the node until the user answers.
	AskUserForInputAtNode(ctx context.Context, question string) error
	// AskUserForInputAtRun suspends the whole run. The asking node keeps
	// running; the answer is stored under KeyUserInput and its looper is
	// scheduled when the run resumes.
	AskUserForInputAtRun(ctx context.Context, question string) error
	// WaitForTrigger suspends the node in trigger_wait and returns the wait
	// id an external event must present.
	WaitForTrigger(ctx context.Context) (string, error)

	DataTableSchema(ctx context.Context) (model.TableSchema, error)
	NewUUID() uuid.UUID

	// CallLLM is admission-checked against the LLM call limits.
	CallLLM(ctx context.Context, req llm.Request) (llm.Response, error)

	// NeedBrowserSession asks the pool for a session. When ready is false
	// the agent is notified later through FuncBrowserSessionReady.
	NeedBrowserSession(ctx context.Context, eventID string) (sessionID string, ready bool, err error)
	DoneWithBrowserSession(ctx context.Context, eventID string) error
}
