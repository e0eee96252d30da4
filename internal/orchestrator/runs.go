package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
	"github.com/ashita-ai/jarvis/internal/storage"
	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

// CreateRun starts a run of flow: the run, its root thread and a ready
// DECISION_NODE are written together, then the first pick is enqueued. An
// empty input falls back to the flow's task.
func (o *Orchestrator) CreateRun(ctx context.Context, flowID uuid.UUID, input string, triggerInput json.RawMessage) (model.Run, error) {
	flow, err := o.store.GetFlow(ctx, flowID)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: create run: %w", err)
	}
	if flow.Status != model.FlowStatusActive {
		return model.Run{}, fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}
	if input == "" {
		input = flow.Task
	}

	now := time.Now().UTC()
	run := model.Run{
		ID:           uuid.New(),
		AccountID:    flow.AccountID,
		UserID:       flow.UserID,
		FlowID:       flow.ID,
		Input:        input,
		TriggerInput: triggerInput,
		Status:       model.RunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	root := model.Thread{
		ID:        uuid.New(),
		RunID:     run.ID,
		Input:     input,
		Level:     threadlevel.Root(),
		Status:    model.ThreadStatusRunning,
		CreatedAt: now,
	}
	first := newDecisionNode(root, input, nil)

	if err := o.store.CreateRun(ctx, run, root, first); err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: create run: %w", err)
	}
	o.logger.Info("orchestrator: run created", "run_id", run.ID, "flow_id", flow.ID)
	o.log(ctx, run.ID, nil, model.SegmentDebug, "Run started", "")

	if err := o.enqueuePick(ctx, run.ID); err != nil {
		return run, err
	}
	return run, nil
}

func newDecisionNode(t model.Thread, input string, parent *uuid.UUID) model.Node {
	now := time.Now().UTC()
	return model.Node{
		ID:          uuid.New(),
		RunID:       t.RunID,
		ThreadID:    t.ID,
		Level:       t.Level,
		AgentCode:   model.DecisionNodeCode,
		Input:       input,
		Status:      model.NodeStatusReady,
		PrivateData: model.NodePrivateData{ParentNodeID: parent},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// enqueuePick enqueues pick-node for the run, coalesced by job id.
func (o *Orchestrator) enqueuePick(ctx context.Context, runID uuid.UUID) error {
	_, err := o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobPickNode,
		Payload: queue.PickNodePayload{RunID: runID},
		JobID:   queue.PickNodeJobID(runID),
	})
	if err != nil {
		return fmt.Errorf("orchestrator: enqueue pick: %w", err)
	}
	return nil
}

// schedulePick enqueues schedule-pick-node after the settle delay.
func (o *Orchestrator) schedulePick(ctx context.Context, runID uuid.UUID) error {
	_, err := o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobSchedulePickNode,
		Payload: queue.PickNodePayload{RunID: runID},
		Delay:   o.cfg.PickSettleDelay,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: schedule pick: %w", err)
	}
	return nil
}

// kick schedules a pick when the run is still running and has a ready node.
func (o *Orchestrator) kick(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: kick: %w", err)
	}
	if run.Status != model.RunStatusRunning {
		return nil
	}
	ready, _, err := o.store.CountOpenNodes(ctx, runID)
	if err != nil {
		return err
	}
	if ready > 0 {
		return o.schedulePick(ctx, runID)
	}
	return nil
}

// defaultThreadError is the user-facing cause when a failure carries no
// message of its own.
const defaultThreadError = "agent error"

// EndThread finishes a thread. An empty errMsg ends it successfully;
// otherwise the message is logged for the user, every open node of the
// thread is flipped to error and the thread is marked error. Either way the
// run then continues with its next ready node, waits for busy nodes, or
// ends.
func (o *Orchestrator) EndThread(ctx context.Context, runID, threadID uuid.UUID, errMsg string) error {
	if errMsg == "" {
		return o.completeThread(ctx, runID, threadID, "", "")
	}
	return o.errorThread(ctx, runID, threadID, errMsg)
}

// completeThread ends a thread successfully with output as the run's
// candidate output.
func (o *Orchestrator) completeThread(ctx context.Context, runID, threadID uuid.UUID, output, reasoning string) error {
	return o.finishThread(ctx, runID, threadID, model.ThreadStatusCompleted, output, reasoning)
}

// errorThread ends a thread in error. An empty msg is replaced with
// defaultThreadError.
func (o *Orchestrator) errorThread(ctx context.Context, runID, threadID uuid.UUID, msg string) error {
	if msg == "" {
		msg = defaultThreadError
	}
	o.log(ctx, runID, nil, model.SegmentUser, msg, "")
	o.log(ctx, runID, nil, model.SegmentDebug, fmt.Sprintf("thread %s failed: %s", threadID, msg), "")
	if _, err := o.store.FailOpenNodesInThread(ctx, threadID); err != nil {
		return fmt.Errorf("orchestrator: end thread: %w", err)
	}
	return o.finishThread(ctx, runID, threadID, model.ThreadStatusError, msg, "")
}

func (o *Orchestrator) finishThread(ctx context.Context, runID, threadID uuid.UUID, status model.ThreadStatus, output, reasoning string) error {
	won, err := o.store.FinishThread(ctx, threadID, status)
	if err != nil {
		return fmt.Errorf("orchestrator: end thread: %w", err)
	}
	if !won {
		return nil
	}
	o.logger.Info("orchestrator: thread ended", "run_id", runID, "thread_id", threadID, "status", status)

	ready, busy, err := o.store.CountOpenNodes(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case ready > 0:
		return o.schedulePick(ctx, runID)
	case busy > 0:
		return nil
	case status == model.ThreadStatusError:
		return o.EndRun(ctx, runID, model.RunStatusError, output, reasoning)
	default:
		return o.EndRun(ctx, runID, model.RunStatusCompleted, output, reasoning)
	}
}

// EndRun latches the run terminal, releases every browser session its nodes
// hold, and deactivates the owning flow when no recurring trigger is left.
func (o *Orchestrator) EndRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, output, reasoning string) error {
	won, err := o.store.FinishRun(ctx, runID, status, output, reasoning)
	if err != nil {
		return fmt.Errorf("orchestrator: end run: %w", err)
	}
	if !won {
		return nil
	}
	o.logger.Info("orchestrator: run ended", "run_id", runID, "status", status)
	if status == model.RunStatusCompleted {
		o.log(ctx, runID, nil, model.SegmentDebug, "Run completed", "")
	} else {
		o.log(ctx, runID, nil, model.SegmentDebug, "Run failed: "+output, "")
	}

	o.stopSessions(ctx, runID)

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: end run: %w", err)
	}
	flow, err := o.store.GetFlow(ctx, run.FlowID)
	if err != nil {
		return fmt.Errorf("orchestrator: end run: %w", err)
	}
	if flow.Status == model.FlowStatusActive && !flow.HasRecurringTrigger() {
		if err := o.store.SetFlowStatus(ctx, flow.ID, model.FlowStatusInactive); err != nil {
			return fmt.Errorf("orchestrator: deactivate flow: %w", err)
		}
		o.logger.Info("orchestrator: flow deactivated", "flow_id", flow.ID)
	}
	return nil
}

// FailRun ends a run in error without going through its threads: every
// open node of the run is flipped to error first.
func (o *Orchestrator) FailRun(ctx context.Context, runID uuid.UUID, msg string) error {
	if msg == "" {
		msg = defaultThreadError
	}
	if _, err := o.store.FailOpenNodesInRun(ctx, runID); err != nil {
		return fmt.Errorf("orchestrator: fail run: %w", err)
	}
	o.log(ctx, runID, nil, model.SegmentUser, msg, "")
	return o.EndRun(ctx, runID, model.RunStatusError, msg, "")
}

// stopSessions force-stops every session held by the run's nodes, once per
// node. Failures are logged; the sweepers reclaim whatever is left.
func (o *Orchestrator) stopSessions(ctx context.Context, runID uuid.UUID) {
	if o.sessions == nil {
		return
	}
	nodes, err := o.store.ListSessionNodes(ctx, runID)
	if err != nil {
		o.logger.Error("orchestrator: list session nodes", "run_id", runID, "error", err)
		return
	}
	for _, n := range nodes {
		if err := o.sessions.StopSession(ctx, n.SessionID); err != nil {
			o.logger.Warn("orchestrator: stop session", "run_id", runID, "node_id", n.ID, "session_id", n.SessionID, "error", err)
		}
		if err := o.store.SetNodeSession(ctx, n.ID, ""); err != nil {
			o.logger.Warn("orchestrator: clear node session", "node_id", n.ID, "error", err)
		}
	}
}

// ChangeFlowStatus activates or deactivates a flow. Deactivation aborts
// every active run of the flow synchronously: open nodes are completed,
// sessions stopped and the run ends in error with "Manual abort".
func (o *Orchestrator) ChangeFlowStatus(ctx context.Context, flowID uuid.UUID, status model.FlowStatus) error {
	if err := o.store.SetFlowStatus(ctx, flowID, status); err != nil {
		return fmt.Errorf("orchestrator: change flow status: %w", err)
	}
	if status != model.FlowStatusInactive {
		return nil
	}

	runs, err := o.store.ListActiveRunsForFlow(ctx, flowID)
	if err != nil {
		return fmt.Errorf("orchestrator: change flow status: %w", err)
	}
	var errs []error
	for _, run := range runs {
		if _, err := o.store.CompleteOpenNodesInRun(ctx, run.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		o.stopSessions(ctx, run.ID)
		won, err := o.store.FinishRun(ctx, run.ID, model.RunStatusError, "Manual abort", "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if won {
			o.log(ctx, run.ID, nil, model.SegmentUser, "Manual abort", "")
			o.logger.Info("orchestrator: run aborted", "run_id", run.ID, "flow_id", flowID)
		}
	}
	return errors.Join(errs...)
}

// ProcessUserInputForRun resumes a run waiting for user input. A waitID
// that does not match the stored one is ignored. When a node asked the
// question, the answer is delivered to it as well.
func (o *Orchestrator) ProcessUserInputForRun(ctx context.Context, runID uuid.UUID, waitID, input string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume run: %w", err)
	}
	ok, err := o.store.ResumeRun(ctx, runID, waitID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume run: %w", err)
	}
	if !ok {
		o.logger.Debug("orchestrator: stale run input ignored", "run_id", runID)
		return nil
	}
	o.log(ctx, runID, nil, model.SegmentUser, input, "")
	if run.Wait != nil && run.Wait.WaitID == waitID && run.Wait.NodeID != nil {
		if err := o.deliverUserInput(ctx, runID, *run.Wait.NodeID, waitID, input); err != nil {
			return fmt.Errorf("orchestrator: resume run: %w", err)
		}
	}
	return o.enqueuePick(ctx, runID)
}

// failThread terminates a thread after a handler error and raises an
// operator alert. It returns an error only when the termination itself
// could not be recorded.
func (o *Orchestrator) failThread(ctx context.Context, runID, threadID uuid.UUID, nodeID *uuid.UUID, cause error) error {
	msg := cause.Error()
	subject := "thread failed"
	var (
		limit *ratelimit.LimitExceededError
		ie    *internalError
	)
	switch {
	case errors.As(cause, &limit):
		subject = "LLM call limit exceeded"
		msg = limit.Error()
	case errors.As(cause, &ie):
		subject = "orchestrator internal error"
		msg = ie.Error()
	case errors.Is(cause, storage.ErrNotFound):
		subject = "orchestrator internal error"
		msg = (&internalError{detail: cause.Error()}).Error()
	}

	o.logger.Error("orchestrator: thread failed", "run_id", runID, "thread_id", threadID, "error", cause)
	o.alert(ctx, subject, msg, &runID, &threadID, nodeID)
	return o.errorThread(ctx, runID, threadID, msg)
}
