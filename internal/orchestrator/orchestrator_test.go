package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/agent/qa"
	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
)

func TestCreateRunEnqueuesPick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t)

	run := h.startRun(t, f.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, f.Task, run.Input, "empty input falls back to the flow task")

	picks := h.queue.named(queue.JobPickNode)
	require.Len(t, picks, 1)
	assert.Equal(t, queue.PickNodeJobID(run.ID), picks[0].JobID)

	threads := h.store.Threads(run.ID)
	require.Len(t, threads, 1)
	assert.Equal(t, "1", threads[0].Level.String())
	nodes := h.store.Nodes(run.ID)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].IsDecisionNode())
	assert.Equal(t, model.NodeStatusReady, nodes[0].Status)

	require.NoError(t, h.store.SetFlowStatus(ctx, f.ID, model.FlowStatusInactive))
	_, err := h.o.CreateRun(ctx, f.ID, "", nil)
	assert.ErrorIs(t, err, ErrFlowInactive)
}

func TestForkCreatesOneThreadPerRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	root := h.store.Nodes(run.ID)[0]

	h.decider.tableOps = []decision.TableOpsDecision{decision.AddOrUpdateRows{Rows: []decision.RowOp{
		rowOp(`{"name":"Acme"}`), rowOp(`{"name":"Globex"}`), rowOp(`{"name":"Initech"}`),
	}}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	threads := h.store.Threads(run.ID)
	require.Len(t, threads, 4)
	assert.Equal(t, model.ThreadStatusCompleted, threads[0].Status)
	var levels []string
	for _, th := range threads[1:] {
		levels = append(levels, th.Level.String())
		assert.Equal(t, model.ThreadStatusRunning, th.Status)
		assert.Len(t, th.ShortlistedDocumentIDs, 1)
	}
	assert.Equal(t, []string{"1.1", "1.2", "1.3"}, levels)

	decided, err := h.store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, decided.Status)
	assert.Equal(t, "Split into 3 threads", decided.Output)

	ready, busy, err := h.store.CountOpenNodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, ready)
	assert.Equal(t, 0, busy)
	assert.NotEmpty(t, h.queue.named(queue.JobSchedulePickNode))
	assert.Equal(t, model.RunStatusRunning, h.run(t, run.ID).Status)
}

func TestSingleRowDispatchesAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)

	h.decider.tableOps = []decision.TableOpsDecision{decision.AddOrUpdateRows{Rows: []decision.RowOp{rowOp(`{"name":"Acme"}`)}}}
	h.decider.agents = []decision.AgentDecision{decision.RunAgent{AgentCode: qa.Code, Task: "what is 6 times 7?"}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	nodes := h.store.Nodes(run.ID)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.NodeStatusCompleted, nodes[0].Status)
	worker := nodes[1]
	assert.Equal(t, qa.Code, worker.AgentCode)
	assert.Equal(t, model.NodeStatusRunning, worker.Status)
	assert.Equal(t, "what is 6 times 7?", worker.Input)
	require.NotNil(t, worker.PrivateData.ParentNodeID)
	assert.Equal(t, nodes[0].ID, *worker.PrivateData.ParentNodeID)

	inits := h.queue.named(queue.JobAgentInit)
	require.Len(t, inits, 1)
	assert.Equal(t, queue.NodeJobID(run.ID, worker.ID, queue.JobAgentInit), inits[0].JobID)

	got := h.run(t, run.ID)
	require.NotNil(t, got.CurrentNodeID)
	assert.Equal(t, worker.ID, *got.CurrentNodeID)
	assert.Empty(t, h.queue.named(queue.JobSchedulePickNode), "no ready node is left to pick")
}

func TestAskUserSuspendsRunUntilMatchingInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)

	h.decider.tableOps = []decision.TableOpsDecision{decision.AddOrUpdateRows{Rows: []decision.RowOp{rowOp(`{}`)}}}
	h.decider.agents = []decision.AgentDecision{decision.AskUser{Question: "Which color?"}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	suspended := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusAskUser, suspended.Status)
	require.NotNil(t, suspended.Wait)
	assert.Equal(t, "Which color?", suspended.Wait.Question)
	assert.Equal(t, []string{"Which color?"}, h.userLogs(run.ID))

	require.NoError(t, h.o.ProcessUserInputForRun(ctx, run.ID, "stale-wait", "red"))
	assert.Equal(t, model.RunStatusAskUser, h.run(t, run.ID).Status)
	assert.Equal(t, []string{"Which color?"}, h.userLogs(run.ID))
	assert.Len(t, h.queue.named(queue.JobPickNode), 1)

	require.NoError(t, h.o.ProcessUserInputForRun(ctx, run.ID, suspended.Wait.WaitID, "blue"))
	resumed := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, resumed.Status)
	assert.Nil(t, resumed.Wait)
	assert.Equal(t, []string{"Which color?", "blue"}, h.userLogs(run.ID))
	assert.Len(t, h.queue.named(queue.JobPickNode), 2)

	// The same answer delivered twice is ignored.
	require.NoError(t, h.o.ProcessUserInputForRun(ctx, run.ID, suspended.Wait.WaitID, "blue"))
	assert.Len(t, h.queue.named(queue.JobPickNode), 2)
}

func TestEndThreadErrorEndsRunAndDeactivatesOnceFlow(t *testing.T) {
	tests := []struct {
		name       string
		trigger    model.Trigger
		wantStatus model.FlowStatus
	}{
		{"once", model.Trigger{Type: model.TriggerOnce}, model.FlowStatusInactive},
		{"cron", model.Trigger{Type: model.TriggerCron, Spec: "0 * * * *"}, model.FlowStatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			f := h.flow(t, tt.trigger)
			run := h.startRun(t, f.ID)
			root := h.store.Threads(run.ID)[0]

			require.NoError(t, h.o.EndThread(ctx, run.ID, root.ID, "boom"))

			for _, n := range h.store.Nodes(run.ID) {
				assert.Equal(t, model.NodeStatusError, n.Status)
			}
			got := h.run(t, run.ID)
			assert.Equal(t, model.RunStatusError, got.Status)
			assert.Equal(t, "boom", got.Output)
			assert.NotNil(t, got.EndedAt)
			assert.Contains(t, h.userLogs(run.ID), "boom")

			flow, err := h.store.GetFlow(ctx, f.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, flow.Status)

			// Ending again is a latched no-op.
			require.NoError(t, h.o.EndRun(ctx, run.ID, model.RunStatusCompleted, "late", ""))
			assert.Equal(t, model.RunStatusError, h.run(t, run.ID).Status)
		})
	}
}

func TestChangeFlowStatusAbortsRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t, model.Trigger{Type: model.TriggerCron, Spec: "*/5 * * * *"})

	first := h.startRun(t, f.ID)
	second := h.startRun(t, f.ID)
	held := []struct {
		run      model.Run
		sessions []string
	}{
		{first, []string{"s1", "s2"}},
		{second, []string{"s3"}},
	}
	for _, hs := range held {
		for _, s := range hs.sessions {
			n := h.agentNode(t, hs.run, qa.Code)
			require.NoError(t, h.store.SetNodeSession(ctx, n.ID, s))
		}
	}

	require.NoError(t, h.o.ChangeFlowStatus(ctx, f.ID, model.FlowStatusInactive))

	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, h.pool.stops)
	for _, run := range []model.Run{first, second} {
		got := h.run(t, run.ID)
		assert.Equal(t, model.RunStatusError, got.Status)
		assert.Equal(t, "Manual abort", got.Output)
		for _, n := range h.store.Nodes(run.ID) {
			assert.Equal(t, model.NodeStatusCompleted, n.Status)
			assert.Empty(t, n.SessionID)
		}
	}

	// A second deactivation finds no active runs and stops nothing more.
	require.NoError(t, h.o.ChangeFlowStatus(ctx, f.ID, model.FlowStatusInactive))
	assert.Len(t, h.pool.stops, 3)
}

func TestLimitExceededEndsRunWithAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	h.limiter.err = &ratelimit.LimitExceededError{Scope: "node", Count: 51, Limit: 50}

	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	got := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "LLM call limit exceeded (node: 51/50)", got.Output)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, "LLM call limit exceeded", h.alerts.alerts[0].Subject)
	require.NotNil(t, h.alerts.alerts[0].RunID)
	assert.Equal(t, run.ID, *h.alerts.alerts[0].RunID)
}

func TestUnknownAgentIsInternalError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)

	h.decider.tableOps = []decision.TableOpsDecision{decision.AddOrUpdateRows{Rows: []decision.RowOp{rowOp(`{}`)}}}
	h.decider.agents = []decision.AgentDecision{decision.RunAgent{AgentCode: "NOPE"}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	got := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "orchestrator: internal error (decision picked unregistered agent NOPE)", got.Output)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, "orchestrator internal error", h.alerts.alerts[0].Subject)
}

func TestEndDecisionCompletesRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)

	h.decider.tableOps = []decision.TableOpsDecision{decision.AddOrUpdateRows{Rows: []decision.RowOp{rowOp(`{}`)}}}
	h.decider.agents = []decision.AgentDecision{decision.End{Output: "All done", Reasoning: "nothing left"}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	got := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, "All done", got.Output)
	assert.Equal(t, "nothing left", got.Reasoning)
	assert.Empty(t, h.alerts.alerts)
}

func TestNeedMoreInfoIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)

	h.decider.tableOps = []decision.TableOpsDecision{decision.NeedMoreInfo{}, decision.NeedMoreInfo{}, decision.NeedMoreInfo{}}
	h.decider.agents = []decision.AgentDecision{decision.End{Output: "gave up asking"}}
	require.NoError(t, h.o.DecideAgent(ctx, run.ID, nil))

	assert.Empty(t, h.decider.tableOps)
	assert.Equal(t, "gave up asking", h.run(t, run.ID).Output)
}

func TestEndNodeStructuresOutputAndContinuesThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t)
	require.NoError(t, h.store.SetTableSchema(ctx, model.TableSchema{FlowID: f.ID, Columns: []model.Column{{Name: "name", Type: "string"}}}))
	run := h.startRun(t, f.ID)
	worker := h.agentNode(t, run, qa.Code)
	h.decider.structured = json.RawMessage(`{"name":"Acme"}`)

	require.NoError(t, h.o.EndNode(ctx, run.ID, worker.ID, model.NodeStatusCompleted, "Acme Corp is the vendor", "", nil))

	ended, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, ended.Status)
	assert.JSONEq(t, `{"name":"Acme"}`, string(ended.PrivateData.StructuredOutput))

	thread, err := h.store.GetThread(ctx, worker.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread.ShortlistedDocumentIDs, 1)
	rows, err := h.store.GetRows(ctx, f.ID, thread.ShortlistedDocumentIDs)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"name":"Acme"}`, string(rows[0].Data))

	var next []model.Node
	for _, n := range h.store.Nodes(run.ID) {
		if n.IsDecisionNode() && n.PrivateData.ParentNodeID != nil && *n.PrivateData.ParentNodeID == worker.ID {
			next = append(next, n)
		}
	}
	require.Len(t, next, 1)
	assert.Equal(t, model.NodeStatusReady, next[0].Status)
	assert.Len(t, h.queue.named(queue.JobSchedulePickNode), 1)

	// A duplicate end-node job is absorbed by the latch.
	require.NoError(t, h.o.EndNode(ctx, run.ID, worker.ID, model.NodeStatusCompleted, "again", "", nil))
	assert.Len(t, h.queue.named(queue.JobSchedulePickNode), 1)
}

func TestEndNodeUpdatesShortlistedRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t)
	run := h.startRun(t, f.ID)
	worker := h.agentNode(t, run, qa.Code)
	row, err := h.store.AddRow(ctx, f.ID, json.RawMessage(`{"name":"Acme","price":1}`))
	require.NoError(t, err)
	require.NoError(t, h.store.SetThreadShortlist(ctx, worker.ThreadID, []string{row.ID}))

	require.NoError(t, h.o.EndNode(ctx, run.ID, worker.ID, model.NodeStatusCompleted, "", "", json.RawMessage(`{"price":2}`)))

	rows, err := h.store.GetRows(ctx, f.ID, []string{row.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"name":"Acme","price":2}`, string(rows[0].Data))
	all, err := h.store.ListRows(ctx, f.ID, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1, "no row is added for a shortlisted thread")
}

func TestNodeContextScheduling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)

	nc, a, err := h.o.nodeContext(ctx, run.ID, worker.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, qa.Code, a.Code())

	require.NoError(t, nc.ScheduleNodeLooper(ctx, 0))
	loops := h.queue.named(queue.JobNodeLooper)
	require.Len(t, loops, 1)
	assert.Equal(t, queue.StepJobID(run.ID, worker.ID, queue.JobNodeLooper, 1), loops[0].JobID)
	ref, ok := loops[0].Payload.(queue.NodeRef)
	require.True(t, ok)
	assert.Equal(t, 1, ref.Seq)

	require.NoError(t, nc.ScheduleAction(ctx, qa.ActionAnswer, map[string]string{"text": "42"}, 0))
	actions := h.queue.named(queue.JobRunAction)
	require.Len(t, actions, 1)
	p, ok := actions[0].Payload.(queue.RunActionPayload)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"42"}`, string(p.Args))

	assert.ErrorIs(t, nc.ScheduleAction(ctx, "NOPE", nil, 0), agent.ErrUnknownAction)
	assert.ErrorIs(t, nc.ScheduleQueueJob(ctx, "anything", nil, 0), agent.ErrUnknownAction)

	require.NoError(t, nc.UpdateNodeKeyVal(ctx, "cursor", 7))
	var cursor int
	found, err := nc.NodeKeyVal(ctx, "cursor", &cursor)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7, cursor)
	found, err = nc.NodeKeyVal(ctx, "missing", &cursor)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Error(t, nc.UpdateNodeStatus(ctx, model.NodeStatusCompleted), "terminal statuses go through EndNode")
}

func TestNodeContextFromOtherRunIsInternal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t, model.Trigger{Type: model.TriggerWebhook})
	run := h.startRun(t, f.ID)
	other := h.startRun(t, f.ID)
	worker := h.agentNode(t, run, qa.Code)

	_, _, err := h.o.nodeContext(ctx, other.ID, worker.ID, 0)
	var ie *internalError
	assert.ErrorAs(t, err, &ie)
}

func TestProcessUserInputForNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)

	nc, _, err := h.o.nodeContext(ctx, run.ID, worker.ID, 0)
	require.NoError(t, err)
	require.NoError(t, nc.AskUserForInputAtNode(ctx, "Which year?"))

	waiting, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusAskUser, waiting.Status)
	require.NotNil(t, waiting.Wait)
	assert.Contains(t, h.userLogs(run.ID), "Which year?")

	require.NoError(t, h.o.ProcessUserInputForNode(ctx, run.ID, worker.ID, "stale", "1999"))
	assert.Empty(t, h.queue.named(queue.JobNodeLooper))

	require.NoError(t, h.o.ProcessUserInputForNode(ctx, run.ID, worker.ID, waiting.Wait.WaitID, "2024"))
	resumed, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusRunning, resumed.Status)
	assert.JSONEq(t, `"2024"`, string(resumed.PrivateData.KeyVal[agent.KeyUserInput]))

	loops := h.queue.named(queue.JobNodeLooper)
	require.Len(t, loops, 1)
	assert.Equal(t, queue.NodeJobID(run.ID, worker.ID, queue.JobNodeLooper)+"-"+waiting.Wait.WaitID, loops[0].JobID)
}

func TestSchedulePickRearmsWhenPickExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	h.queue.existing[queue.PickNodeJobID(run.ID)] = true

	spec := queue.Spec{Queue: queue.QueueAgent, Name: queue.JobSchedulePickNode, Payload: queue.PickNodePayload{RunID: run.ID}}
	require.NoError(t, h.o.handleSchedulePick(ctx, job(t, spec)))

	rearmed := h.queue.named(queue.JobSchedulePickNode)
	require.Len(t, rearmed, 1)
	assert.Equal(t, h.o.cfg.PickSettleDelay, rearmed[0].Delay)
	assert.Empty(t, rearmed[0].JobID)

	// Once the run is no longer running the loop stops.
	require.NoError(t, h.o.EndRun(ctx, run.ID, model.RunStatusCompleted, "", ""))
	require.NoError(t, h.o.handleSchedulePick(ctx, job(t, spec)))
	assert.Len(t, h.queue.named(queue.JobSchedulePickNode), 1)
}

func TestBadPayloadIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	err := h.o.handleAgentInit(context.Background(), queue.Job{Name: queue.JobAgentInit, Payload: json.RawMessage(`not json`)})
	require.NoError(t, err)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, "orchestrator internal error", h.alerts.alerts[0].Subject)
}

func TestQAAgentAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)
	h.llm.text = " 42\n"

	init := queue.Spec{
		Queue:   queue.QueueAgent,
		Name:    queue.JobAgentInit,
		Payload: queue.NodeRef{RunID: run.ID, ThreadID: worker.ThreadID, NodeID: worker.ID},
	}
	require.NoError(t, h.o.handleAgentInit(ctx, job(t, init)))

	require.Len(t, h.llm.reqs, 1)
	assert.Equal(t, "what is 6 times 7?", h.llm.reqs[0].Messages[0].Text)
	assert.Equal(t, 1, h.limiter.calls)

	ends := h.queue.named(queue.JobEndNode)
	require.Len(t, ends, 1)
	p, ok := ends[0].Payload.(queue.EndNodePayload)
	require.True(t, ok)
	assert.Equal(t, "42", p.Output)
	assert.Equal(t, string(model.NodeStatusCompleted), p.Status)

	require.NoError(t, h.o.handleEndNode(ctx, job(t, ends[0])))
	ended, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, ended.Status)
	assert.Equal(t, "42", ended.Output)
}

func TestQAAgentFailureEndsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)
	h.llm.err = errors.New("provider overloaded")

	init := queue.Spec{Name: queue.JobAgentInit, Payload: queue.NodeRef{RunID: run.ID, ThreadID: worker.ThreadID, NodeID: worker.ID}}
	require.NoError(t, h.o.handleAgentInit(ctx, job(t, init)))

	got := h.run(t, run.ID)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "QA agent could not answer: provider overloaded", got.Output)
	assert.Empty(t, h.alerts.alerts, "an agent-reported error is not an operator alert")
}

func TestQAAgentLimitRejectionAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)
	h.limiter.err = &ratelimit.LimitExceededError{Scope: "run", Count: 1001, Limit: 1000}

	init := queue.Spec{Name: queue.JobAgentInit, Payload: queue.NodeRef{RunID: run.ID, ThreadID: worker.ThreadID, NodeID: worker.ID}}
	require.NoError(t, h.o.handleAgentInit(ctx, job(t, init)))

	assert.Empty(t, h.llm.reqs)
	assert.Equal(t, "LLM call limit exceeded (run: 1001/1000)", h.run(t, run.ID).Output)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, "LLM call limit exceeded", h.alerts.alerts[0].Subject)
}

func TestJobsForEndedNodesAreSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)
	_, err := h.store.FinishNode(ctx, worker.ID, model.NodeStatusCompleted, "done", "", nil)
	require.NoError(t, err)

	ref := queue.NodeRef{RunID: run.ID, ThreadID: worker.ThreadID, NodeID: worker.ID}
	require.NoError(t, h.o.handleAgentInit(ctx, job(t, queue.Spec{Name: queue.JobAgentInit, Payload: ref})))
	assert.Empty(t, h.llm.reqs)

	// A session granted to an ended node goes straight back to the pool.
	args, err := json.Marshal(queue.SessionReadyArgs{EventID: "evt-1", SessionID: "sess-1"})
	require.NoError(t, err)
	ready := queue.Spec{Name: queue.JobQueueJob, Payload: queue.QueueJobPayload{NodeRef: ref, Function: agent.FuncBrowserSessionReady, Args: args}}
	require.NoError(t, h.o.handleQueueJob(ctx, job(t, ready)))
	assert.Equal(t, []string{"evt-1"}, h.pool.done)
}

func TestNeedBrowserSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.startRun(t, h.flow(t).ID)
	worker := h.agentNode(t, run, qa.Code)
	nc, _, err := h.o.nodeContext(ctx, run.ID, worker.ID, 0)
	require.NoError(t, err)

	id, ready, err := nc.NeedBrowserSession(ctx, "evt-wait")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Empty(t, id)

	h.pool.grant = "sess-9"
	id, ready, err = nc.NeedBrowserSession(ctx, "evt-now")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "sess-9", id)

	require.Len(t, h.pool.requests, 2)
	req := h.pool.requests[1]
	assert.Equal(t, "acct", req.AccountID)
	assert.Equal(t, worker.ID, req.Metadata.NodeID)
	assert.Equal(t, agent.FuncBrowserSessionReady, req.Metadata.NotifyFunction)

	held, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", held.SessionID)

	require.NoError(t, nc.DoneWithBrowserSession(ctx, "evt-now"))
	assert.Equal(t, []string{"evt-now"}, h.pool.done)
	released, err := h.store.GetNode(ctx, worker.ID)
	require.NoError(t, err)
	assert.Empty(t, released.SessionID)

	_, _, err = nc.NeedBrowserSession(ctx, "")
	assert.Error(t, err)
}

func TestCreateTaskFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := strings.Repeat("compare vendors ", 10)

	f, err := h.o.CreateTaskFlow(ctx, queue.TaskCreatorPayload{AccountID: "acct", UserID: "user", Task: task})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(f.Name, "..."))
	assert.LessOrEqual(t, len([]rune(f.Name)), 63)
	assert.False(t, f.HasRecurringTrigger())

	creates := h.queue.named(queue.JobCreateRun)
	require.Len(t, creates, 1)
	assert.Equal(t, queue.QueueFlow, creates[0].Queue)
	assert.Equal(t, f.ID.String()+"-"+queue.JobCreateRun, creates[0].JobID)

	_, err = h.o.CreateTaskFlow(ctx, queue.TaskCreatorPayload{AccountID: "acct", Task: "  "})
	assert.Error(t, err)
}

func TestCreateRunJobForInactiveFlowIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.flow(t)
	require.NoError(t, h.store.SetFlowStatus(ctx, f.ID, model.FlowStatusInactive))

	spec := queue.Spec{Queue: queue.QueueFlow, Name: queue.JobCreateRun, Payload: queue.CreateRunPayload{FlowID: f.ID}}
	require.NoError(t, h.o.handleCreateRun(ctx, job(t, spec)))
	assert.Empty(t, h.queue.named(queue.JobPickNode))

	missing := queue.Spec{Queue: queue.QueueFlow, Name: queue.JobCreateRun, Payload: queue.CreateRunPayload{FlowID: uuid.New()}}
	assert.Error(t, h.o.handleCreateRun(ctx, job(t, missing)))
}

func TestFlowName(t *testing.T) {
	assert.Equal(t, "short task", flowName("  short\n task "))
	long := strings.Repeat("a", 80)
	assert.Equal(t, strings.Repeat("a", 60)+"...", flowName(long))
}
