package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/storage"
)

const (
	// maxTableOpsRounds bounds need_more_info re-asks for one decision node.
	maxTableOpsRounds = 3
	initialRowsShown  = 10
	moreRowsShown     = 50
)

// DecideAgent advances a run by one step: it picks the lowest-level ready
// node (or the preferred one when it is ready and belongs to the run) and
// either asks the decision engine what a DECISION_NODE should become or
// dispatches a concrete agent node. Runs that are not running are left
// alone.
func (o *Orchestrator) DecideAgent(ctx context.Context, runID uuid.UUID, preferred *uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.logger.Error("orchestrator: pick for missing run", "run_id", runID)
			o.alert(ctx, "orchestrator internal error", internalf("run %s not found", runID).Error(), &runID, nil, nil)
			return nil
		}
		return err
	}
	if run.Status != model.RunStatusRunning {
		return nil
	}

	node, found, err := o.pickNode(ctx, runID, preferred)
	if err != nil {
		return err
	}
	if !found {
		return o.noReadyNode(ctx, run)
	}

	if err := o.step(ctx, run, node); err != nil {
		if ferr := o.failThread(ctx, run.ID, node.ThreadID, &node.ID, err); ferr != nil {
			return ferr
		}
		return nil
	}
	return o.kick(ctx, run.ID)
}

func (o *Orchestrator) pickNode(ctx context.Context, runID uuid.UUID, preferred *uuid.UUID) (model.Node, bool, error) {
	if preferred != nil {
		n, err := o.store.GetNode(ctx, *preferred)
		switch {
		case err == nil && n.RunID == runID && n.Status == model.NodeStatusReady:
			return n, true, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return model.Node{}, false, err
		}
		o.logger.Warn("orchestrator: preferred node not pickable, using pick order", "run_id", runID, "node_id", *preferred)
	}
	n, err := o.store.NextReadyNode(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return n, true, nil
}

// noReadyNode is the run-level ready check for a pick that found nothing.
func (o *Orchestrator) noReadyNode(ctx context.Context, run model.Run) error {
	_, busy, err := o.store.CountOpenNodes(ctx, run.ID)
	if err != nil {
		return err
	}
	if busy > 0 {
		return nil
	}
	return o.EndRun(ctx, run.ID, model.RunStatusCompleted, run.Output, run.Reasoning)
}

func (o *Orchestrator) step(ctx context.Context, run model.Run, node model.Node) error {
	if !node.IsDecisionNode() {
		return o.dispatch(ctx, run, node)
	}
	thread, err := o.store.GetThread(ctx, node.ThreadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if thread.HasShortlist() {
		return o.decideNextAgent(ctx, run, thread, node)
	}
	return o.decideTableOps(ctx, run, thread, node)
}

// dispatch starts a concrete agent node.
func (o *Orchestrator) dispatch(ctx context.Context, run model.Run, node model.Node) error {
	if _, err := o.agents.Get(node.AgentCode); err != nil {
		return internalf("node %s has unknown agent %s", node.ID, node.AgentCode)
	}
	ok, err := o.store.SetNodeStatus(ctx, node.ID, model.NodeStatusRunning, nil)
	if err != nil || !ok {
		return err
	}
	if err := o.store.SetRunCurrentNode(ctx, run.ID, node.ID); err != nil {
		return err
	}
	_, err = o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobAgentInit,
		Payload: queue.NodeRef{RunID: run.ID, ThreadID: node.ThreadID, NodeID: node.ID},
		JobID:   queue.NodeJobID(run.ID, node.ID, queue.JobAgentInit),
	})
	if err != nil {
		return fmt.Errorf("enqueue agent init: %w", err)
	}
	o.logger.Info("orchestrator: agent dispatched", "run_id", run.ID, "node_id", node.ID, "agent", node.AgentCode)
	return nil
}

func taskOf(thread model.Thread, node model.Node) string {
	if node.Input != "" {
		return node.Input
	}
	return thread.Input
}

func (o *Orchestrator) decisionContext(ctx context.Context, run model.Run, thread model.Thread, node model.Node, rows []model.ResultRow) (decision.Context, error) {
	msgs, err := o.store.RecentMessages(ctx, run.ID, decision.MaxMessages)
	if err != nil {
		return decision.Context{}, err
	}
	schema, err := o.results.GetTableSchema(ctx, run.FlowID)
	if err != nil {
		return decision.Context{}, err
	}
	return decision.Context{
		Task:     taskOf(thread, node),
		RunInput: run.Input,
		Messages: msgs,
		Rows:     rows,
		Schema:   schema,
	}, nil
}

func (o *Orchestrator) agentOptions(thread model.Thread) []decision.AgentOption {
	codes := o.agents.Codes(thread.AllowedAgentCodes)
	out := make([]decision.AgentOption, 0, len(codes))
	for _, code := range codes {
		a, err := o.agents.Get(code)
		if err != nil {
			continue
		}
		out = append(out, decision.AgentOption{Code: code, Description: a.Details().Description})
	}
	return out
}

// decideNextAgent asks which agent works on the thread next, or whether the
// thread is done.
func (o *Orchestrator) decideNextAgent(ctx context.Context, run model.Run, thread model.Thread, node model.Node) error {
	var rows []model.ResultRow
	if thread.HasShortlist() {
		var err error
		if rows, err = o.results.GetRows(ctx, run.FlowID, thread.ShortlistedDocumentIDs); err != nil {
			return err
		}
	}
	dc, err := o.decisionContext(ctx, run, thread, node, rows)
	if err != nil {
		return err
	}
	llmCtx, err := o.admit(ctx, run, &thread.ID, &node.ID)
	if err != nil {
		return err
	}
	d, err := o.decider.DecideAgent(llmCtx, dc, o.agentOptions(thread))
	if err != nil {
		return err
	}

	switch d := d.(type) {
	case decision.End:
		if _, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusCompleted, d.Output, d.Reasoning, nil); err != nil {
			return err
		}
		if d.Output != "" {
			o.log(ctx, run.ID, &node.ID, model.SegmentUser, d.Output, "")
		}
		return o.completeThread(ctx, run.ID, thread.ID, d.Output, d.Reasoning)

	case decision.Error:
		return o.errorThread(ctx, run.ID, thread.ID, d.Message)

	case decision.AskUser:
		ok, err := o.store.SetRunStatus(ctx, run.ID, model.RunStatusAskUser, newWait(model.WaitUserInput, d.Question))
		if err != nil || !ok {
			return err
		}
		o.log(ctx, run.ID, &node.ID, model.SegmentUser, d.Question, "")
		return nil

	case decision.CommunicateInfo:
		o.log(ctx, run.ID, &node.ID, model.SegmentUser, d.Message, "")
		if _, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusCompleted, d.Message, "", nil); err != nil {
			return err
		}
		return o.store.CreateNode(ctx, newDecisionNode(thread, thread.Input, &node.ID))

	case decision.RunAgent:
		if _, err := o.agents.Get(d.AgentCode); err != nil {
			return internalf("decision picked unregistered agent %s", d.AgentCode)
		}
		now := time.Now().UTC()
		next := model.Node{
			ID:          uuid.New(),
			RunID:       run.ID,
			ThreadID:    thread.ID,
			Level:       thread.Level,
			AgentCode:   d.AgentCode,
			Input:       d.Task,
			Status:      model.NodeStatusReady,
			Reasoning:   d.Reasoning,
			PrivateData: model.NodePrivateData{ParentNodeID: &node.ID},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if next.Input == "" {
			next.Input = taskOf(thread, node)
		}
		if err := o.store.CreateNode(ctx, next); err != nil {
			return err
		}
		if _, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusCompleted, "Dispatched "+d.AgentCode, d.Reasoning, nil); err != nil {
			return err
		}
		o.log(ctx, run.ID, &next.ID, model.SegmentDebug, fmt.Sprintf("%s: %s", d.AgentCode, next.Input), "")
		return o.dispatch(ctx, run, next)

	default:
		return internalf("unhandled agent decision %T", d)
	}
}

// decideTableOps maps the thread's task onto result rows.
func (o *Orchestrator) decideTableOps(ctx context.Context, run model.Run, thread model.Thread, node model.Node) error {
	rows, err := o.results.ListRows(ctx, run.FlowID, initialRowsShown)
	if err != nil {
		return err
	}
	dc, err := o.decisionContext(ctx, run, thread, node, rows)
	if err != nil {
		return err
	}

	for round := 1; ; round++ {
		llmCtx, err := o.admit(ctx, run, &thread.ID, &node.ID)
		if err != nil {
			return err
		}
		d, err := o.decider.DecideTableOps(llmCtx, dc)
		if err != nil {
			return err
		}

		switch d := d.(type) {
		case decision.AddOrUpdateRows:
			return o.applyRows(ctx, run, thread, node, d.Rows)

		case decision.WorkOnSubtask:
			child := newDecisionNode(thread, d.Task, &node.ID)
			if err := o.store.CreateNode(ctx, child); err != nil {
				return err
			}
			_, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusCompleted, "Working on subtask: "+d.Task, "", nil)
			return err

		case decision.NeedMoreInfo:
			if round >= maxTableOpsRounds {
				o.logger.Warn("orchestrator: table ops still needs more info, deciding without it", "run_id", run.ID, "node_id", node.ID)
				return o.decideNextAgent(ctx, run, thread, node)
			}
			more, err := o.moreRows(ctx, run.FlowID, d.RowIDs)
			if err != nil {
				return err
			}
			dc.Rows = mergeRows(dc.Rows, more)

		default:
			return internalf("unhandled table ops decision %T", d)
		}
	}
}

func (o *Orchestrator) moreRows(ctx context.Context, flowID uuid.UUID, ids []string) ([]model.ResultRow, error) {
	if len(ids) > 0 {
		return o.results.GetRows(ctx, flowID, ids)
	}
	return o.results.ListRows(ctx, flowID, moreRowsShown)
}

func mergeRows(have, more []model.ResultRow) []model.ResultRow {
	seen := make(map[string]bool, len(have))
	for _, r := range have {
		seen[r.ID] = true
	}
	for _, r := range more {
		if !seen[r.ID] {
			have = append(have, r)
			seen[r.ID] = true
		}
	}
	return have
}

// applyRows writes the decided rows. Zero rows continue the thread, one row
// is attached to it, and more fork one child thread per row.
func (o *Orchestrator) applyRows(ctx context.Context, run model.Run, thread model.Thread, node model.Node, ops []decision.RowOp) error {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.RowID != "" {
			if err := o.results.UpdateRow(ctx, run.FlowID, op.RowID, op.Data); err != nil {
				return err
			}
			ids = append(ids, op.RowID)
			continue
		}
		row, err := o.results.AddRow(ctx, run.FlowID, op.Data)
		if err != nil {
			return err
		}
		ids = append(ids, row.ID)
	}

	switch len(ops) {
	case 0:
		return o.decideNextAgent(ctx, run, thread, node)
	case 1:
		if err := o.store.SetThreadShortlist(ctx, thread.ID, ids); err != nil {
			return err
		}
		thread.ShortlistedDocumentIDs = ids
		if ops[0].Task != "" {
			node.Input = ops[0].Task
		}
		return o.decideNextAgent(ctx, run, thread, node)
	default:
		return o.fork(ctx, run, thread, node, ops, ids)
	}
}

// fork creates one thread per row, each with its own DECISION_NODE, and
// completes the originating thread.
func (o *Orchestrator) fork(ctx context.Context, run model.Run, parent model.Thread, node model.Node, ops []decision.RowOp, ids []string) error {
	levels := parent.Level.Children(len(ops))
	now := time.Now().UTC()
	threads := make([]model.Thread, len(ops))
	nodes := make([]model.Node, len(ops))
	for i, op := range ops {
		input := op.Task
		if input == "" {
			input = parent.Input
		}
		threads[i] = model.Thread{
			ID:                     uuid.New(),
			RunID:                  run.ID,
			Input:                  input,
			Level:                  levels[i],
			ShortlistedDocumentIDs: []string{ids[i]},
			AllowedAgentCodes:      parent.AllowedAgentCodes,
			Status:                 model.ThreadStatusRunning,
			CreatedAt:              now,
		}
		nodes[i] = newDecisionNode(threads[i], input, &node.ID)
	}
	if err := o.store.CreateThreads(ctx, threads, nodes); err != nil {
		return err
	}
	msg := fmt.Sprintf("Split into %d threads", len(ops))
	if _, err := o.store.FinishNode(ctx, node.ID, model.NodeStatusCompleted, msg, "", nil); err != nil {
		return err
	}
	o.log(ctx, run.ID, &node.ID, model.SegmentDebug, msg, "")
	o.logger.Info("orchestrator: thread forked", "run_id", run.ID, "thread_id", parent.ID, "children", len(ops))
	return o.completeThread(ctx, run.ID, parent.ID, "", "")
}
