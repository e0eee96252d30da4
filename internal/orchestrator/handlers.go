package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
)

// Register installs every orchestrator job handler.
//
// Handlers report their own failures: an error terminates the owning thread
// (or run) with a descriptive message and the job is acknowledged. A handler
// returns an error only when that termination could not be recorded, which
// leaves the job to the queue's attempt budget and, finally, the sweeper.
func (o *Orchestrator) Register(r Registrar) {
	r.Register(queue.QueueAgent, queue.JobPickNode, o.handlePickNode)
	r.Register(queue.QueueAgent, queue.JobSchedulePickNode, o.handleSchedulePick)
	r.Register(queue.QueueAgent, queue.JobAgentInit, o.handleAgentInit)
	r.Register(queue.QueueAgent, queue.JobNodeLooper, o.handleNodeLooper)
	r.Register(queue.QueueAgent, queue.JobRunAction, o.handleRunAction)
	r.Register(queue.QueueAgent, queue.JobEndNode, o.handleEndNode)
	r.Register(queue.QueueAgent, queue.JobQueueJob, o.handleQueueJob)
	r.Register(queue.QueueAgent, queue.JobProcessTrigger, o.handleProcessTrigger)
	r.Register(queue.QueueFlow, queue.JobCreateRun, o.handleCreateRun)
	r.Register(queue.QueueFlow, queue.JobTaskCreator, o.handleTaskCreator)
}

// badPayload acknowledges a job whose payload cannot be decoded. There is
// no owner to terminate, so the operator is alerted instead.
func (o *Orchestrator) badPayload(ctx context.Context, job queue.Job, err error) error {
	o.logger.Error("orchestrator: undecodable job payload", "job", job.Name, "job_id", job.JobID, "error", err)
	o.alert(ctx, "orchestrator internal error", internalf("job %s: %v", job.Name, err).Error(), nil, nil, nil)
	return nil
}

func (o *Orchestrator) handlePickNode(ctx context.Context, job queue.Job) error {
	var p queue.PickNodePayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	return o.DecideAgent(ctx, p.RunID, p.PreferredNodeID)
}

// handleSchedulePick turns a settled pick request into pick-node. When a
// pick-node for the run already exists (it may be running right now and
// have read state from before this request), the request is re-armed so the
// wakeup is not lost.
func (o *Orchestrator) handleSchedulePick(ctx context.Context, job queue.Job) error {
	var p queue.PickNodePayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	run, err := o.store.GetRun(ctx, p.RunID)
	if err != nil {
		return fmt.Errorf("orchestrator: schedule pick: %w", err)
	}
	if run.Status != model.RunStatusRunning {
		return nil
	}
	created, err := o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobPickNode,
		Payload: p,
		JobID:   queue.PickNodeJobID(p.RunID),
	})
	if err != nil {
		return fmt.Errorf("orchestrator: schedule pick: %w", err)
	}
	if !created {
		return o.schedulePick(ctx, p.RunID)
	}
	return nil
}

// withNode loads the node's context and runs step unless the node or its
// run has already ended.
func (o *Orchestrator) withNode(ctx context.Context, job queue.Job, ref queue.NodeRef, step func(*nodeContext, agent.Agent) error) error {
	nc, a, err := o.nodeContext(ctx, ref.RunID, ref.NodeID, ref.Seq)
	if err != nil {
		return o.failThread(ctx, ref.RunID, ref.ThreadID, &ref.NodeID, err)
	}
	if nc.node.Status.IsTerminal() || !nc.run.Status.IsActive() {
		o.logger.Debug("orchestrator: skipping job for ended node", "job", job.Name, "run_id", ref.RunID, "node_id", ref.NodeID)
		return nil
	}
	if err := step(nc, a); err != nil {
		if nc.limited {
			return nil
		}
		return o.failThread(ctx, ref.RunID, ref.ThreadID, &ref.NodeID, fmt.Errorf("%s %s: %w", a.Code(), job.Name, err))
	}
	return nil
}

func (o *Orchestrator) handleAgentInit(ctx context.Context, job queue.Job) error {
	var ref queue.NodeRef
	if err := job.Decode(&ref); err != nil {
		return o.badPayload(ctx, job, err)
	}
	return o.withNode(ctx, job, ref, func(nc *nodeContext, a agent.Agent) error {
		return a.Init(ctx, nc)
	})
}

func (o *Orchestrator) handleNodeLooper(ctx context.Context, job queue.Job) error {
	var ref queue.NodeRef
	if err := job.Decode(&ref); err != nil {
		return o.badPayload(ctx, job, err)
	}
	return o.withNode(ctx, job, ref, func(nc *nodeContext, a agent.Agent) error {
		switch nc.node.Status {
		case model.NodeStatusAskUser, model.NodeStatusTriggerWait:
			return nil
		}
		return a.Loop(ctx, nc)
	})
}

func (o *Orchestrator) handleRunAction(ctx context.Context, job queue.Job) error {
	var p queue.RunActionPayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	return o.withNode(ctx, job, p.NodeRef, func(nc *nodeContext, a agent.Agent) error {
		if err := agent.ValidateAction(a, p.ActionCode); err != nil {
			return internalf("%v", err)
		}
		return a.RunAction(ctx, nc, agent.ActionCall{Code: p.ActionCode, Args: p.Args})
	})
}

func (o *Orchestrator) handleEndNode(ctx context.Context, job queue.Job) error {
	var p queue.EndNodePayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	status := model.NodeStatus(p.Status)
	if status == "" {
		status = model.NodeStatusCompleted
	}
	err := o.EndNode(ctx, p.RunID, p.NodeID, status, p.Output, p.Reasoning, p.StructuredOutput)
	if err != nil {
		return o.failThread(ctx, p.RunID, p.ThreadID, &p.NodeID, err)
	}
	return nil
}

func (o *Orchestrator) handleQueueJob(ctx context.Context, job queue.Job) error {
	var p queue.QueueJobPayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	if p.Function == agent.FuncBrowserSessionReady {
		released, err := o.releaseOrphanedSession(ctx, p)
		if err != nil || released {
			return err
		}
	}
	return o.withNode(ctx, job, p.NodeRef, func(nc *nodeContext, a agent.Agent) error {
		qa, err := agent.QueueJobTarget(a, p.Function)
		if err != nil {
			return internalf("%v", err)
		}
		if p.Function == agent.FuncBrowserSessionReady {
			var args queue.SessionReadyArgs
			if err := json.Unmarshal(p.Args, &args); err != nil {
				return internalf("decode session ready args: %v", err)
			}
			if err := o.store.SetNodeSession(ctx, nc.node.ID, args.SessionID); err != nil {
				return err
			}
			nc.node.SessionID = args.SessionID
		}
		return qa.RunQueueJob(ctx, nc, p.Function, p.Args)
	})
}

// releaseOrphanedSession returns a freshly granted session to the pool when
// the node that asked for it has already ended.
func (o *Orchestrator) releaseOrphanedSession(ctx context.Context, p queue.QueueJobPayload) (bool, error) {
	node, err := o.store.GetNode(ctx, p.NodeID)
	if err != nil || !node.Status.IsTerminal() || o.sessions == nil {
		return false, nil
	}
	var args queue.SessionReadyArgs
	if err := json.Unmarshal(p.Args, &args); err != nil || args.EventID == "" {
		return false, nil
	}
	o.logger.Info("orchestrator: releasing session of ended node", "node_id", p.NodeID, "event_id", args.EventID)
	if err := o.sessions.DoneWithSession(ctx, args.EventID); err != nil {
		o.logger.Warn("orchestrator: release session", "event_id", args.EventID, "error", err)
	}
	return true, nil
}

func (o *Orchestrator) handleProcessTrigger(ctx context.Context, job queue.Job) error {
	var p queue.ProcessTriggerPayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	var ev agent.Event
	if len(p.Event) > 0 {
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			return o.badPayload(ctx, job, err)
		}
	}
	if err := o.ResumeNodeTrigger(ctx, p.RunID, p.NodeID, p.WaitID, ev); err != nil {
		return o.failThread(ctx, p.RunID, p.ThreadID, &p.NodeID, err)
	}
	return nil
}

func (o *Orchestrator) handleCreateRun(ctx context.Context, job queue.Job) error {
	var p queue.CreateRunPayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	_, err := o.CreateRun(ctx, p.FlowID, p.Input, p.TriggerInput)
	if errors.Is(err, ErrFlowInactive) {
		o.logger.Info("orchestrator: run not created, flow inactive", "flow_id", p.FlowID)
		return nil
	}
	if err != nil {
		o.alert(ctx, "run creation failed", err.Error(), nil, nil, nil)
		return err
	}
	return nil
}

func (o *Orchestrator) handleTaskCreator(ctx context.Context, job queue.Job) error {
	var p queue.TaskCreatorPayload
	if err := job.Decode(&p); err != nil {
		return o.badPayload(ctx, job, err)
	}
	if _, err := o.CreateTaskFlow(ctx, p); err != nil {
		o.alert(ctx, "task flow creation failed", err.Error(), nil, nil, nil)
		return err
	}
	return nil
}

// CreateTaskFlow creates a one-shot flow for an ad hoc task and enqueues its
// run.
func (o *Orchestrator) CreateTaskFlow(ctx context.Context, p queue.TaskCreatorPayload) (model.Flow, error) {
	if strings.TrimSpace(p.Task) == "" {
		return model.Flow{}, errors.New("orchestrator: task is required")
	}
	name := p.Name
	if name == "" {
		name = flowName(p.Task)
	}
	now := time.Now().UTC()
	flow, err := o.store.CreateFlow(ctx, model.Flow{
		ID:        uuid.New(),
		AccountID: p.AccountID,
		UserID:    p.UserID,
		Name:      name,
		Task:      p.Task,
		Status:    model.FlowStatusActive,
		Triggers:  []model.Trigger{{Type: model.TriggerOnce}},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return model.Flow{}, fmt.Errorf("orchestrator: create task flow: %w", err)
	}
	_, err = o.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueFlow,
		Name:    queue.JobCreateRun,
		Payload: queue.CreateRunPayload{FlowID: flow.ID, Input: p.Task},
		JobID:   flow.ID.String() + "-" + queue.JobCreateRun,
	})
	if err != nil {
		return flow, fmt.Errorf("orchestrator: enqueue create run: %w", err)
	}
	o.logger.Info("orchestrator: task flow created", "flow_id", flow.ID, "account_id", p.AccountID)
	return flow, nil
}

const maxFlowName = 60

func flowName(task string) string {
	task = strings.Join(strings.Fields(task), " ")
	r := []rune(task)
	if len(r) <= maxFlowName {
		return task
	}
	return strings.TrimSpace(string(r[:maxFlowName])) + "..."
}

// SubmitTrigger enqueues delivery of an external event to a node in
// trigger_wait.
func (o *Orchestrator) SubmitTrigger(ctx context.Context, runID, nodeID uuid.UUID, waitID string, ev agent.Event) error {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("orchestrator: submit trigger: %w", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("orchestrator: submit trigger: %w", err)
	}
	_, err = o.queue.Enqueue(ctx, queue.Spec{
		Queue: queue.QueueAgent,
		Name:  queue.JobProcessTrigger,
		Payload: queue.ProcessTriggerPayload{
			NodeRef: queue.NodeRef{RunID: runID, ThreadID: node.ThreadID, NodeID: nodeID},
			WaitID:  waitID,
			Event:   raw,
		},
		JobID: queue.NodeJobID(runID, nodeID, queue.JobProcessTrigger) + "-" + waitID,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: submit trigger: %w", err)
	}
	return nil
}
