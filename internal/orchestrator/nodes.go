package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
)

// EndNode finishes an agent node. Unless structured is given, the free-text
// output is converted into a result row by one LLM pass (skipped when the
// flow's table has no columns). The row updates the thread's shortlisted
// rows, or is added and attached to the thread. The node is latched
// terminal and a fresh DECISION_NODE continues the thread.
func (o *Orchestrator) EndNode(ctx context.Context, runID, nodeID uuid.UUID, status model.NodeStatus, output, reasoning string, structured json.RawMessage) error {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("orchestrator: end node: %w", err)
	}
	if node.Status.IsTerminal() {
		return nil
	}
	if status == model.NodeStatusError {
		return o.errorNode(ctx, runID, node, output, reasoning)
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: end node: %w", err)
	}
	if !run.Status.IsActive() {
		_, err := o.store.FinishNode(ctx, nodeID, model.NodeStatusCompleted, output, reasoning, structured)
		return err
	}
	thread, err := o.store.GetThread(ctx, node.ThreadID)
	if err != nil {
		return fmt.Errorf("orchestrator: end node: %w", err)
	}

	row, err := o.structure(ctx, run, thread, node, output, structured)
	if err != nil {
		return err
	}
	if row != nil {
		if err := o.writeRow(ctx, run, thread, row); err != nil {
			return err
		}
	}

	won, err := o.store.FinishNode(ctx, nodeID, model.NodeStatusCompleted, output, reasoning, row)
	if err != nil {
		return fmt.Errorf("orchestrator: end node: %w", err)
	}
	if !won {
		return nil
	}
	o.logger.Info("orchestrator: node ended", "run_id", runID, "node_id", nodeID, "agent", node.AgentCode)
	if output != "" {
		o.log(ctx, runID, &nodeID, model.SegmentAgent, output, "")
	}

	if err := o.store.CreateNode(ctx, newDecisionNode(thread, thread.Input, &nodeID)); err != nil {
		return fmt.Errorf("orchestrator: end node: %w", err)
	}
	return o.schedulePick(ctx, runID)
}

// errorNode latches an agent node in error, then fails its thread with the
// same message. An empty msg becomes defaultThreadError.
func (o *Orchestrator) errorNode(ctx context.Context, runID uuid.UUID, node model.Node, msg, reasoning string) error {
	if msg == "" {
		msg = defaultThreadError
	}
	if _, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusError, msg, reasoning, nil); err != nil {
		return fmt.Errorf("orchestrator: error node: %w", err)
	}
	o.log(ctx, runID, &node.ID, model.SegmentDebug, fmt.Sprintf("%s failed: %s", node.AgentCode, msg), "")
	return o.errorThread(ctx, runID, node.ThreadID, msg)
}

func (o *Orchestrator) structure(ctx context.Context, run model.Run, thread model.Thread, node model.Node, output string, structured json.RawMessage) (json.RawMessage, error) {
	if len(structured) > 0 {
		return structured, nil
	}
	if output == "" {
		return nil, nil
	}
	schema, err := o.results.GetTableSchema(ctx, run.FlowID)
	if err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, nil
	}
	llmCtx, err := o.admit(ctx, run, &thread.ID, &node.ID)
	if err != nil {
		return nil, err
	}
	return o.decider.StructureOutput(llmCtx, schema, output)
}

func (o *Orchestrator) writeRow(ctx context.Context, run model.Run, thread model.Thread, row json.RawMessage) error {
	if thread.HasShortlist() {
		for _, id := range thread.ShortlistedDocumentIDs {
			if err := o.results.UpdateRow(ctx, run.FlowID, id, row); err != nil {
				return err
			}
		}
		return nil
	}
	added, err := o.results.AddRow(ctx, run.FlowID, row)
	if err != nil {
		return err
	}
	return o.store.SetThreadShortlist(ctx, thread.ID, []string{added.ID})
}

// ProcessUserInputForNode resumes a node waiting for user input. The answer
// is stored under agent.KeyUserInput and the agent's looper is scheduled. A
// waitID that does not match the stored one is ignored.
func (o *Orchestrator) ProcessUserInputForNode(ctx context.Context, runID, nodeID uuid.UUID, waitID, input string) error {
	ok, err := o.store.ResumeNode(ctx, nodeID, model.NodeStatusAskUser, waitID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume node: %w", err)
	}
	if !ok {
		o.logger.Debug("orchestrator: stale node input ignored", "run_id", runID, "node_id", nodeID)
		return nil
	}
	if err := o.deliverUserInput(ctx, runID, nodeID, waitID, input); err != nil {
		return fmt.Errorf("orchestrator: resume node: %w", err)
	}
	return nil
}

// deliverUserInput stores an answer on the node that asked for it and
// schedules the node's looper, once per wait.
func (o *Orchestrator) deliverUserInput(ctx context.Context, runID, nodeID uuid.UUID, waitID, input string) error {
	value, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if err := o.store.SetNodeKeyVal(ctx, nodeID, agent.KeyUserInput, value); err != nil {
		return err
	}
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	_, err = o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobNodeLooper,
		Payload: queue.NodeRef{RunID: runID, ThreadID: node.ThreadID, NodeID: nodeID},
		JobID:   queue.NodeJobID(runID, nodeID, queue.JobNodeLooper) + "-" + waitID,
	})
	return err
}

// ResumeNodeTrigger delivers an external event to a node in trigger_wait
// whose wait id matches.
func (o *Orchestrator) ResumeNodeTrigger(ctx context.Context, runID, nodeID uuid.UUID, waitID string, ev agent.Event) error {
	ok, err := o.store.ResumeNode(ctx, nodeID, model.NodeStatusTriggerWait, waitID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume trigger: %w", err)
	}
	if !ok {
		o.logger.Debug("orchestrator: stale trigger ignored", "run_id", runID, "node_id", nodeID)
		return nil
	}
	nc, a, err := o.nodeContext(ctx, runID, nodeID, 0)
	if err != nil {
		return err
	}
	ea, isEvent := a.(agent.EventAgent)
	if !isEvent {
		return internalf("agent %s does not accept events", a.Code())
	}
	return ea.OnEvent(ctx, nc, ev)
}
