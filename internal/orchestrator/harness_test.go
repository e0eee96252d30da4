package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/agent/qa"
	"github.com/ashita-ai/jarvis/internal/alert"
	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
	"github.com/ashita-ai/jarvis/internal/storage/memstore"
	"github.com/ashita-ai/jarvis/internal/testutil"
)

// recordingQueue records enqueued jobs. Job ids listed in existing are
// treated as already present.
type recordingQueue struct {
	mu       sync.Mutex
	jobs     []queue.Spec
	existing map[string]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, spec queue.Spec) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if spec.JobID != "" && q.existing[spec.JobID] {
		return false, nil
	}
	q.jobs = append(q.jobs, spec)
	return true, nil
}

func (q *recordingQueue) named(name string) []queue.Spec {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Spec
	for _, j := range q.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

type fakeDecider struct {
	agents     []decision.AgentDecision
	tableOps   []decision.TableOpsDecision
	action     decision.ActionDecision
	structured json.RawMessage
	contexts   []decision.Context
}

func (f *fakeDecider) DecideAgent(_ context.Context, c decision.Context, _ []decision.AgentOption) (decision.AgentDecision, error) {
	f.contexts = append(f.contexts, c)
	d := f.agents[0]
	f.agents = f.agents[1:]
	return d, nil
}

func (f *fakeDecider) DecideTableOps(_ context.Context, c decision.Context) (decision.TableOpsDecision, error) {
	f.contexts = append(f.contexts, c)
	d := f.tableOps[0]
	f.tableOps = f.tableOps[1:]
	return d, nil
}

func (f *fakeDecider) DecideAction(_ context.Context, c decision.Context, _ string, _ []decision.ActionOption) (decision.ActionDecision, error) {
	f.contexts = append(f.contexts, c)
	return f.action, nil
}

func (f *fakeDecider) StructureOutput(context.Context, model.TableSchema, string) (json.RawMessage, error) {
	return f.structured, nil
}

type fakeLimiter struct {
	calls int
	err   error
}

func (f *fakeLimiter) CheckLLMCallLimits(context.Context, ratelimit.Scope) error {
	f.calls++
	return f.err
}

type fakePool struct {
	mu       sync.Mutex
	stops    []string
	done     []string
	grant    string
	requests []model.BrowserSessionRequest
}

func (f *fakePool) NeedNewSession(_ context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.grant == "" {
		req.Status = model.SessionWaiting
		return req, nil
	}
	req.Status, req.SessionID = model.SessionRunning, f.grant
	return req, nil
}

func (f *fakePool) DoneWithSession(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, eventID)
	return nil
}

func (f *fakePool) StopSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeAlerter) Alert(_ context.Context, a alert.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

type fakeCompleter struct {
	text string
	err  error
	reqs []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.text, Model: "fake:model"}, nil
}

type harness struct {
	o       *Orchestrator
	store   *memstore.Store
	queue   *recordingQueue
	decider *fakeDecider
	limiter *fakeLimiter
	pool    *fakePool
	alerts  *fakeAlerter
	llm     *fakeCompleter
}

func newHarness(t *testing.T, extra ...agent.Agent) *harness {
	t.Helper()
	reg, err := agent.NewRegistry(append([]agent.Agent{qa.New()}, extra...)...)
	require.NoError(t, err)
	h := &harness{
		store:   memstore.New(),
		queue:   &recordingQueue{existing: map[string]bool{}},
		decider: &fakeDecider{},
		limiter: &fakeLimiter{},
		pool:    &fakePool{},
		alerts:  &fakeAlerter{},
		llm:     &fakeCompleter{},
	}
	h.o = New(Deps{
		Store:    h.store,
		Results:  h.store,
		Queue:    h.queue,
		Agents:   reg,
		Decider:  h.decider,
		LLM:      h.llm,
		Limiter:  h.limiter,
		Sessions: h.pool,
		Alerter:  h.alerts,
	}, Config{}, testutil.TestLogger())
	return h
}

func (h *harness) flow(t *testing.T, triggers ...model.Trigger) model.Flow {
	t.Helper()
	if len(triggers) == 0 {
		triggers = []model.Trigger{{Type: model.TriggerOnce}}
	}
	f, err := h.store.CreateFlow(context.Background(), model.Flow{
		AccountID: "acct",
		UserID:    "user",
		Name:      "test flow",
		Task:      "find three vendors",
		Triggers:  triggers,
	})
	require.NoError(t, err)
	return f
}

func (h *harness) startRun(t *testing.T, flowID uuid.UUID) model.Run {
	t.Helper()
	run, err := h.o.CreateRun(context.Background(), flowID, "", nil)
	require.NoError(t, err)
	return run
}

func (h *harness) run(t *testing.T, id uuid.UUID) model.Run {
	t.Helper()
	r, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

// agentNode adds a running node for code to the run's root thread.
func (h *harness) agentNode(t *testing.T, run model.Run, code string) model.Node {
	t.Helper()
	root := h.store.Threads(run.ID)[0]
	n := newDecisionNode(root, "what is 6 times 7?", nil)
	n.AgentCode = code
	n.Status = model.NodeStatusRunning
	require.NoError(t, h.store.CreateNode(context.Background(), n))
	return n
}

func (h *harness) userLogs(runID uuid.UUID) []string {
	var out []string
	for _, m := range h.store.Messages(runID) {
		if m.Segment == model.SegmentUser {
			out = append(out, m.Message)
		}
	}
	return out
}

func rowOp(data string) decision.RowOp {
	return decision.RowOp{Data: json.RawMessage(data)}
}

// job turns a recorded spec into the job a worker would hand the handler.
func job(t *testing.T, spec queue.Spec) queue.Job {
	t.Helper()
	raw, err := json.Marshal(spec.Payload)
	require.NoError(t, err)
	return queue.Job{Queue: spec.Queue, Name: spec.Name, JobID: spec.JobID, Payload: raw, Attempts: 1}
}
