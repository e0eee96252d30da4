// Package orchestrator drives the Run → Thread → Node state machine.
//
// Every state change is a latched write: terminal statuses are never
// overwritten, so a handler that loses a race (a cascade abort, a duplicate
// job after a crash) degrades to a no-op. Work is advanced only through the
// job queue; handlers never recurse in process.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/alert"
	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
)

// ErrFlowInactive is returned when a run is requested for an inactive flow.
var ErrFlowInactive = errors.New("orchestrator: flow is inactive")

// ErrNoSessionPool is returned to agents that ask for a browser session when
// no pool is configured.
var ErrNoSessionPool = errors.New("orchestrator: no browser session pool")

// Store is the run-state persistence the orchestrator needs.
type Store interface {
	CreateFlow(ctx context.Context, f model.Flow) (model.Flow, error)
	GetFlow(ctx context.Context, id uuid.UUID) (model.Flow, error)
	SetFlowStatus(ctx context.Context, id uuid.UUID, status model.FlowStatus) error
	ListActiveRunsForFlow(ctx context.Context, flowID uuid.UUID) ([]model.Run, error)

	CreateRun(ctx context.Context, run model.Run, root model.Thread, first model.Node) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, wait *model.WaitDescriptor) (bool, error)
	ResumeRun(ctx context.Context, id uuid.UUID, waitID string) (bool, error)
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output, reasoning string) (bool, error)
	SetRunCurrentNode(ctx context.Context, runID, nodeID uuid.UUID) error

	CreateThreads(ctx context.Context, threads []model.Thread, nodes []model.Node) error
	GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	SetThreadShortlist(ctx context.Context, id uuid.UUID, rowIDs []string) error
	FinishThread(ctx context.Context, id uuid.UUID, status model.ThreadStatus) (bool, error)

	CreateNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, id uuid.UUID) (model.Node, error)
	NextReadyNode(ctx context.Context, runID uuid.UUID) (model.Node, error)
	CountOpenNodes(ctx context.Context, runID uuid.UUID) (ready, busy int, err error)
	SetNodeStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, wait *model.WaitDescriptor) (bool, error)
	ResumeNode(ctx context.Context, id uuid.UUID, from model.NodeStatus, waitID string) (bool, error)
	SetNodeKeyVal(ctx context.Context, id uuid.UUID, key string, value json.RawMessage) error
	FinishNode(ctx context.Context, id uuid.UUID, status model.NodeStatus, output, reasoning string, structured json.RawMessage) (bool, error)
	FailOpenNodesInThread(ctx context.Context, threadID uuid.UUID) (int64, error)
	FailOpenNodesInRun(ctx context.Context, runID uuid.UUID) (int64, error)
	CompleteOpenNodesInRun(ctx context.Context, runID uuid.UUID) (int64, error)
	ListSessionNodes(ctx context.Context, runID uuid.UUID) ([]model.Node, error)
	SetNodeSession(ctx context.Context, nodeID uuid.UUID, sessionID string) error

	AppendMessage(ctx context.Context, m model.MessageLog) error
	RecentMessages(ctx context.Context, runID uuid.UUID, limit int) ([]model.MessageLog, error)
}

// ResultStore is the per-flow result table.
type ResultStore interface {
	GetTableSchema(ctx context.Context, flowID uuid.UUID) (model.TableSchema, error)
	GetRows(ctx context.Context, flowID uuid.UUID, ids []string) ([]model.ResultRow, error)
	ListRows(ctx context.Context, flowID uuid.UUID, limit int) ([]model.ResultRow, error)
	AddRow(ctx context.Context, flowID uuid.UUID, data json.RawMessage) (model.ResultRow, error)
	UpdateRow(ctx context.Context, flowID uuid.UUID, id string, data json.RawMessage) error
}

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.Spec) (bool, error)
}

// Registrar installs job handlers.
type Registrar interface {
	Register(queueName, name string, h queue.Handler)
}

// Decider is the decision engine.
type Decider interface {
	DecideAgent(ctx context.Context, c decision.Context, agents []decision.AgentOption) (decision.AgentDecision, error)
	DecideTableOps(ctx context.Context, c decision.Context) (decision.TableOpsDecision, error)
	DecideAction(ctx context.Context, c decision.Context, prompt string, actions []decision.ActionOption) (decision.ActionDecision, error)
	StructureOutput(ctx context.Context, schema model.TableSchema, output string) (json.RawMessage, error)
}

// Limiter is LLM admission control.
type Limiter interface {
	CheckLLMCallLimits(ctx context.Context, s ratelimit.Scope) error
}

// SessionPool is the browser session pool.
type SessionPool interface {
	NeedNewSession(ctx context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error)
	DoneWithSession(ctx context.Context, eventID string) error
	StopSession(ctx context.Context, sessionID string) error
}

// Deps are the orchestrator's collaborators. Sessions may be nil.
type Deps struct {
	Store    Store
	Results  ResultStore
	Queue    Enqueuer
	Agents   *agent.Registry
	Decider  Decider
	LLM      llm.Completer
	Limiter  Limiter
	Sessions SessionPool
	Alerter  alert.Alerter
}

// Config tunes scheduling.
type Config struct {
	// PickSettleDelay coalesces bursts of pick requests for one run.
	PickSettleDelay time.Duration
}

// Orchestrator owns run lifecycle.
type Orchestrator struct {
	store    Store
	results  ResultStore
	queue    Enqueuer
	agents   *agent.Registry
	decider  Decider
	llm      llm.Completer
	limiter  Limiter
	sessions SessionPool
	alerter  alert.Alerter
	cfg      Config
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.PickSettleDelay <= 0 {
		cfg.PickSettleDelay = 2 * time.Second
	}
	if deps.Alerter == nil {
		deps.Alerter = alert.NewLogAlerter(logger)
	}
	return &Orchestrator{
		store:    deps.Store,
		results:  deps.Results,
		queue:    deps.Queue,
		agents:   deps.Agents,
		decider:  deps.Decider,
		llm:      deps.LLM,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		alerter:  deps.Alerter,
		cfg:      cfg,
		logger:   logger,
	}
}

// internalError marks an orchestration bug: a missing row or an unknown
// code. The thread is terminated with a fixed diagnostic instead of a panic.
type internalError struct {
	detail string
}

func (e *internalError) Error() string {
	return fmt.Sprintf("orchestrator: internal error (%s)", e.detail)
}

func internalf(format string, args ...any) error {
	return &internalError{detail: fmt.Sprintf(format, args...)}
}

// newWait returns a fresh wait descriptor.
func newWait(kind model.WaitKind, question string) *model.WaitDescriptor {
	return &model.WaitDescriptor{
		WaitID:    uuid.NewString(),
		Kind:      kind,
		Question:  question,
		CreatedAt: time.Now().UTC(),
	}
}

// log appends a product message log. Failures are logged, never returned.
func (o *Orchestrator) log(ctx context.Context, runID uuid.UUID, nodeID *uuid.UUID, seg model.LogSegment, msg, imageURL string) {
	err := o.store.AppendMessage(ctx, model.MessageLog{
		ID:        uuid.New(),
		RunID:     runID,
		NodeID:    nodeID,
		Segment:   seg,
		Message:   msg,
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("orchestrator: append message", "run_id", runID, "segment", seg, "error", err)
	}
}

func (o *Orchestrator) alert(ctx context.Context, subject, msg string, runID, threadID, nodeID *uuid.UUID) {
	o.alerter.Alert(ctx, alert.Alert{
		Subject:  subject,
		Message:  msg,
		RunID:    runID,
		ThreadID: threadID,
		NodeID:   nodeID,
	})
}

// admit charges one LLM call to the run's counters and returns a context
// that charges every retry and fallback the LLM client makes under it.
func (o *Orchestrator) admit(ctx context.Context, run model.Run, threadID, nodeID *uuid.UUID) (context.Context, error) {
	if err := o.checkLimits(ctx, run, threadID, nodeID); err != nil {
		return ctx, err
	}
	return llm.WithRetryAdmission(ctx, func(ctx context.Context) error {
		return o.checkLimits(ctx, run, threadID, nodeID)
	}), nil
}

// checkLimits charges one LLM call to the run's counters.
func (o *Orchestrator) checkLimits(ctx context.Context, run model.Run, threadID, nodeID *uuid.UUID) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.CheckLLMCallLimits(ctx, ratelimit.Scope{
		AccountID: run.AccountID,
		FlowID:    run.FlowID,
		RunID:     run.ID,
		ThreadID:  threadID,
		NodeID:    nodeID,
	})
}
