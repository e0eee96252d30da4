package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
)

// KeyAIArgs is the node key/val entry holding the args of the last action
// chosen by DecideAction.
const KeyAIArgs = "aiArgs"

// nodeContext implements agent.NodeContext for one job on one node. seq is
// the step counter of the job, carried into every follow-up it schedules.
type nodeContext struct {
	o     *Orchestrator
	run   model.Run
	node  model.Node
	agent agent.Agent
	seq   int

	// limited is set once a limit rejection has ended the node's thread.
	limited bool
}

var _ agent.NodeContext = (*nodeContext)(nil)

func (o *Orchestrator) nodeContext(ctx context.Context, runID, nodeID uuid.UUID, seq int) (*nodeContext, agent.Agent, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("load run: %w", err)
	}
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load node: %w", err)
	}
	if node.RunID != runID {
		return nil, nil, internalf("node %s does not belong to run %s", nodeID, runID)
	}
	a, err := o.agents.Get(node.AgentCode)
	if err != nil {
		return nil, nil, internalf("node %s has unknown agent %s", node.ID, node.AgentCode)
	}
	return &nodeContext{o: o, run: run, node: node, agent: a, seq: seq}, a, nil
}

func (c *nodeContext) Node() model.Node { return c.node }
func (c *nodeContext) Run() model.Run   { return c.run }

func (c *nodeContext) ref(seq int) queue.NodeRef {
	return queue.NodeRef{RunID: c.run.ID, ThreadID: c.node.ThreadID, NodeID: c.node.ID, Seq: seq}
}

func (c *nodeContext) UpdateNodeStatus(ctx context.Context, status model.NodeStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("orchestrator: status %s must be set with EndNode or ErrorAtNode", status)
	}
	if _, err := c.o.store.SetNodeStatus(ctx, c.node.ID, status, nil); err != nil {
		return err
	}
	c.node.Status = status
	return nil
}

func (c *nodeContext) UpdateNodeKeyVal(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("orchestrator: encode key/val %s: %w", key, err)
	}
	return c.o.store.SetNodeKeyVal(ctx, c.node.ID, key, raw)
}

func (c *nodeContext) NodeKeyVal(ctx context.Context, key string, dst any) (bool, error) {
	n, err := c.o.store.GetNode(ctx, c.node.ID)
	if err != nil {
		return false, err
	}
	raw, ok := n.PrivateData.KeyVal[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("orchestrator: decode key/val %s: %w", key, err)
	}
	return true, nil
}

func (c *nodeContext) ScheduleNodeLooper(ctx context.Context, delay time.Duration) error {
	next := c.seq + 1
	_, err := c.o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobNodeLooper,
		Payload: c.ref(next),
		Delay:   delay,
		JobID:   queue.StepJobID(c.run.ID, c.node.ID, queue.JobNodeLooper, next),
	})
	return err
}

func (c *nodeContext) ScheduleAction(ctx context.Context, code string, args any, delay time.Duration) error {
	if err := agent.ValidateAction(c.agent, code); err != nil {
		return err
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	next := c.seq + 1
	_, err = c.o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobRunAction,
		Payload: queue.RunActionPayload{NodeRef: c.ref(next), ActionCode: code, Args: raw},
		Delay:   delay,
		JobID:   queue.StepJobID(c.run.ID, c.node.ID, queue.JobRunAction, next),
	})
	return err
}

func (c *nodeContext) ScheduleQueueJob(ctx context.Context, fn string, args any, delay time.Duration) error {
	if _, err := agent.QueueJobTarget(c.agent, fn); err != nil {
		return err
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	next := c.seq + 1
	_, err = c.o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobQueueJob,
		Payload: queue.QueueJobPayload{NodeRef: c.ref(next), Function: fn, Args: raw},
		Delay:   delay,
		JobID:   queue.StepJobID(c.run.ID, c.node.ID, queue.JobQueueJob+"-"+fn, next),
	})
	return err
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode args: %w", err)
	}
	return raw, nil
}

func (c *nodeContext) EndNode(ctx context.Context, output string) error {
	return c.EndNodeStructured(ctx, output, nil)
}

func (c *nodeContext) EndNodeStructured(ctx context.Context, output string, row json.RawMessage) error {
	_, err := c.o.queue.Enqueue(ctx, queue.Spec{
		Queue: queue.QueueAgent,
		Name:  queue.JobEndNode,
		Payload: queue.EndNodePayload{
			NodeRef:          c.ref(c.seq),
			Status:           string(model.NodeStatusCompleted),
			Output:           output,
			StructuredOutput: row,
		},
		JobID: queue.NodeJobID(c.run.ID, c.node.ID, queue.JobEndNode),
	})
	return err
}

func (c *nodeContext) ErrorAtNode(ctx context.Context, msg string) error {
	return c.o.errorNode(ctx, c.run.ID, c.node, msg, "")
}

func (c *nodeContext) DecideAction(ctx context.Context, prompt string) (agent.ActionCall, error) {
	thread, err := c.o.store.GetThread(ctx, c.node.ThreadID)
	if err != nil {
		return agent.ActionCall{}, err
	}
	dc, err := c.o.decisionContext(ctx, c.run, thread, c.node, nil)
	if err != nil {
		return agent.ActionCall{}, err
	}
	specs := c.agent.Actions()
	options := make([]decision.ActionOption, len(specs))
	for i, s := range specs {
		options[i] = decision.ActionOption{Code: s.Code, Description: s.Description, Args: s.Args}
	}
	llmCtx, err := c.admit(ctx)
	if err != nil {
		return agent.ActionCall{}, err
	}
	d, err := c.o.decider.DecideAction(llmCtx, dc, prompt, options)
	if err != nil {
		return agent.ActionCall{}, err
	}
	if len(d.Args) > 0 {
		if err := c.o.store.SetNodeKeyVal(ctx, c.node.ID, KeyAIArgs, d.Args); err != nil {
			return agent.ActionCall{}, err
		}
	}
	if d.Reasoning != "" {
		c.DebugLog(ctx, d.ActionCode+": "+d.Reasoning)
	}
	return agent.ActionCall{Code: d.ActionCode, Args: d.Args}, nil
}

func (c *nodeContext) IsRunActive(ctx context.Context) (bool, error) {
	run, err := c.o.store.GetRun(ctx, c.run.ID)
	if err != nil {
		return false, err
	}
	return run.Status.IsActive(), nil
}

func (c *nodeContext) UserLog(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, &c.node.ID, model.SegmentUser, msg, "")
}

func (c *nodeContext) AgentLog(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, &c.node.ID, model.SegmentAgent, msg, "")
}

func (c *nodeContext) DebugLog(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, &c.node.ID, model.SegmentDebug, msg, "")
}

func (c *nodeContext) UserLogAtRun(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, nil, model.SegmentUser, msg, "")
}

func (c *nodeContext) AgentLogAtRun(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, nil, model.SegmentAgent, msg, "")
}

func (c *nodeContext) DebugLogAtRun(ctx context.Context, msg string) {
	c.o.log(ctx, c.run.ID, nil, model.SegmentDebug, msg, "")
}

func (c *nodeContext) ImageLog(ctx context.Context, msg, imageURL string) {
	c.o.log(ctx, c.run.ID, &c.node.ID, model.SegmentAgent, msg, imageURL)
}

func (c *nodeContext) AskUserForInputAtNode(ctx context.Context, question string) error {
	ok, err := c.o.store.SetNodeStatus(ctx, c.node.ID, model.NodeStatusAskUser, newWait(model.WaitUserInput, question))
	if err != nil || !ok {
		return err
	}
	c.node.Status = model.NodeStatusAskUser
	c.UserLog(ctx, question)
	return nil
}

// AskUserForInputAtRun suspends the whole run. The node keeps its status;
// the wait names it so the answer is delivered to it on resume.
func (c *nodeContext) AskUserForInputAtRun(ctx context.Context, question string) error {
	wait := newWait(model.WaitUserInput, question)
	wait.NodeID = &c.node.ID
	ok, err := c.o.store.SetRunStatus(ctx, c.run.ID, model.RunStatusAskUser, wait)
	if err != nil || !ok {
		return err
	}
	c.UserLogAtRun(ctx, question)
	return nil
}

func (c *nodeContext) WaitForTrigger(ctx context.Context) (string, error) {
	wait := newWait(model.WaitTrigger, "")
	ok, err := c.o.store.SetNodeStatus(ctx, c.node.ID, model.NodeStatusTriggerWait, wait)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	c.node.Status = model.NodeStatusTriggerWait
	return wait.WaitID, nil
}

func (c *nodeContext) DataTableSchema(ctx context.Context) (model.TableSchema, error) {
	return c.o.results.GetTableSchema(ctx, c.run.FlowID)
}

func (c *nodeContext) NewUUID() uuid.UUID { return uuid.New() }

func (c *nodeContext) CallLLM(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.o.llm == nil {
		return llm.Response{}, llm.ErrNoModels
	}
	llmCtx, err := c.admit(ctx)
	if err != nil {
		return llm.Response{}, err
	}
	return c.o.llm.Complete(llmCtx, req)
}

// admit charges one LLM call to the node and returns a context that charges
// the client's retries and fallbacks the same way.
func (c *nodeContext) admit(ctx context.Context) (context.Context, error) {
	if err := c.checkLimits(ctx); err != nil {
		return ctx, err
	}
	return llm.WithRetryAdmission(ctx, c.checkLimits), nil
}

// checkLimits charges one LLM call to the node. A limit rejection alerts
// and ends the node's thread in error before the agent sees it, so an
// agent that swallows the error cannot keep the thread alive.
func (c *nodeContext) checkLimits(ctx context.Context) error {
	err := c.o.checkLimits(ctx, c.run, &c.node.ThreadID, &c.node.ID)
	var limit *ratelimit.LimitExceededError
	if !errors.As(err, &limit) {
		return err
	}
	if !c.limited {
		c.limited = true
		if ferr := c.o.failThread(ctx, c.run.ID, c.node.ThreadID, &c.node.ID, err); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
	return err
}

func (c *nodeContext) NeedBrowserSession(ctx context.Context, eventID string) (string, bool, error) {
	if c.o.sessions == nil {
		return "", false, ErrNoSessionPool
	}
	if eventID == "" {
		return "", false, errors.New("orchestrator: browser session event id is required")
	}
	got, err := c.o.sessions.NeedNewSession(ctx, model.BrowserSessionRequest{
		AccountID: c.run.AccountID,
		EventID:   eventID,
		Metadata: model.SessionRequestMetadata{
			RunID:          c.run.ID,
			FlowID:         c.run.FlowID,
			ThreadID:       c.node.ThreadID,
			NodeID:         c.node.ID,
			NotifyFunction: agent.FuncBrowserSessionReady,
		},
	})
	if err != nil {
		return "", false, err
	}
	if got.Status != model.SessionRunning || got.SessionID == "" {
		return "", false, nil
	}
	if err := c.o.store.SetNodeSession(ctx, c.node.ID, got.SessionID); err != nil {
		return "", false, err
	}
	c.node.SessionID = got.SessionID
	return got.SessionID, true, nil
}

func (c *nodeContext) DoneWithBrowserSession(ctx context.Context, eventID string) error {
	if c.o.sessions == nil {
		return ErrNoSessionPool
	}
	if err := c.o.sessions.DoneWithSession(ctx, eventID); err != nil {
		return err
	}
	c.node.SessionID = ""
	return c.o.store.SetNodeSession(ctx, c.node.ID, "")
}
