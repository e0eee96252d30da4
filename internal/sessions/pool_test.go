package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/storage/memstore"
	"github.com/ashita-ai/jarvis/internal/testutil"
	"github.com/ashita-ai/jarvis/internal/threadlevel"
)

type fakeProvider struct {
	mu       sync.Mutex
	next     int
	created  []json.RawMessage
	stopped  []string
	gone     map[string]bool
	contexts map[string]json.RawMessage
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{gone: map[string]bool{}, contexts: map[string]json.RawMessage{}}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(_ context.Context, bc json.RawMessage) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.created = append(f.created, bc)
	id := fmt.Sprintf("sess-%d", f.next)
	return Session{ID: id, ConnectURL: "wss://browser/" + id, Status: "running"}, nil
}

func (f *fakeProvider) Get(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[id] {
		return Session{}, ErrSessionGone
	}
	return Session{ID: id, ConnectURL: "wss://browser/" + id, Status: "running"}, nil
}

func (f *fakeProvider) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeProvider) Context(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[id], nil
}

func (f *fakeProvider) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Spec
}

func (q *recordingQueue) Enqueue(_ context.Context, spec queue.Spec) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, spec)
	return true, nil
}

func (q *recordingQueue) notified() []queue.SessionReadyArgs {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.SessionReadyArgs
	for _, j := range q.jobs {
		p := j.Payload.(queue.QueueJobPayload)
		var args queue.SessionReadyArgs
		_ = json.Unmarshal(p.Args, &args)
		out = append(out, args)
	}
	return out
}

type fixture struct {
	store    *memstore.Store
	provider *fakeProvider
	queue    *recordingQueue
	pool     *Pool
	flow     model.Flow
	run      model.Run
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memstore.New(), provider: newFakeProvider(), queue: &recordingQueue{}}
	flow, err := f.store.CreateFlow(ctx, model.Flow{AccountID: "acct", Task: "t"})
	require.NoError(t, err)
	f.flow = flow
	f.run = f.newRun(t)
	f.pool = NewPool(f.store, f.provider, f.queue, Config{Capacity: capacity}, testutil.TestLogger())
	t.Cleanup(f.pool.Close)
	return f
}

func (f *fixture) newRun(t *testing.T) model.Run {
	t.Helper()
	run := model.Run{ID: uuid.New(), AccountID: "acct", FlowID: f.flow.ID, Status: model.RunStatusRunning, CreatedAt: time.Now()}
	root := model.Thread{ID: uuid.New(), RunID: run.ID, Level: threadlevel.Root(), Status: model.ThreadStatusRunning}
	node := model.Node{ID: uuid.New(), RunID: run.ID, ThreadID: root.ID, Level: root.Level, AgentCode: "BROWSER", Status: model.NodeStatusRunning}
	require.NoError(t, f.store.CreateRun(context.Background(), run, root, node))
	return run
}

func (f *fixture) request(eventID string) model.BrowserSessionRequest {
	return model.BrowserSessionRequest{
		AccountID: "acct",
		EventID:   eventID,
		Metadata: model.SessionRequestMetadata{
			RunID:    f.run.ID,
			FlowID:   f.flow.ID,
			ThreadID: uuid.New(),
			NodeID:   uuid.New(),
		},
	}
}

func TestAdmissionWithCapacityOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	first, err := f.pool.NeedNewSession(ctx, f.request("ev-a"))
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, first.Status)
	assert.Equal(t, "sess-1", first.SessionID)

	second, err := f.pool.NeedNewSession(ctx, f.request("ev-b"))
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, second.Status, "second request waits without blocking")
	assert.Empty(t, second.SessionID)

	require.Equal(t, []queue.SessionReadyArgs{{EventID: "ev-a", SessionID: "sess-1"}}, f.queue.notified())
	job := f.queue.jobs[0]
	assert.Equal(t, queue.JobQueueJob, job.Name)
	assert.Equal(t, agent.FuncBrowserSessionReady, job.Payload.(queue.QueueJobPayload).Function)

	// Releasing the first promotes the second and restores the saved context.
	f.provider.contexts["sess-1"] = json.RawMessage(`{"cookies":["a=1"]}`)
	require.NoError(t, f.pool.DoneWithSession(ctx, "ev-a"))

	got, err := f.store.GetSessionRequest(ctx, "ev-b")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, got.Status)
	assert.Equal(t, "sess-2", got.SessionID)
	assert.Equal(t, []string{"sess-1"}, f.provider.stops())
	require.Len(t, f.provider.created, 2)
	assert.JSONEq(t, `{"cookies":["a=1"]}`, string(f.provider.created[1]))
	assert.Len(t, f.queue.notified(), 2)

	done, err := f.store.GetSessionRequest(ctx, "ev-a")
	require.NoError(t, err)
	assert.Equal(t, model.SessionComplete, done.Status)
}

func TestConcurrentAdmissionGrantsOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	const callers = 8
	got := make([]model.BrowserSessionRequest, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			r, err := f.pool.NeedNewSession(ctx, f.request(fmt.Sprintf("ev-%d", i)))
			got[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	counts := map[model.SessionRequestStatus]int{}
	for _, r := range got {
		counts[r.Status]++
	}
	assert.Equal(t, 1, counts[model.SessionRunning])
	assert.Equal(t, callers-1, counts[model.SessionWaiting])
	assert.Len(t, f.provider.created, 1)

	running, err := f.store.CountRunningSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
}

func TestNeedNewSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	req := f.request("ev-a")

	a, err := f.pool.NeedNewSession(ctx, req)
	require.NoError(t, err)
	b, err := f.pool.NeedNewSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Len(t, f.provider.created, 1)

	require.NoError(t, f.pool.DoneWithSession(ctx, "ev-a"))
	require.NoError(t, f.pool.DoneWithSession(ctx, "ev-a"), "releasing twice is a no-op")
	assert.Len(t, f.provider.stops(), 1)

	_, err = f.pool.NeedNewSession(ctx, req)
	assert.ErrorIs(t, err, ErrRequestComplete)
}

func TestSweepReclaimsAndReaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	ended := f.newRun(t)

	dead := f.request("ev-dead")
	_, err := f.pool.NeedNewSession(ctx, dead)
	require.NoError(t, err)
	orphan := f.request("ev-orphan")
	orphan.Metadata.RunID = ended.ID
	_, err = f.pool.NeedNewSession(ctx, orphan)
	require.NoError(t, err)
	old := f.request("ev-old")
	_, err = f.pool.NeedNewSession(ctx, old)
	require.NoError(t, err)
	healthy := f.request("ev-ok")
	_, err = f.pool.NeedNewSession(ctx, healthy)
	require.NoError(t, err)

	f.provider.gone["sess-1"] = true
	_, err = f.store.FinishRun(ctx, ended.ID, model.RunStatusCompleted, "", "")
	require.NoError(t, err)
	f.store.SetSessionStartedAt("ev-old", time.Now().Add(-61*time.Minute))

	require.NoError(t, f.pool.Sweep(ctx))

	for _, ev := range []string{"ev-dead", "ev-orphan", "ev-old"} {
		r, err := f.store.GetSessionRequest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, model.SessionComplete, r.Status, ev)
	}
	// The fourth request was waiting on capacity and is promoted by the sweep.
	r, err := f.store.GetSessionRequest(ctx, "ev-ok")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, r.Status)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2", "sess-3"}, f.provider.stops())
}

func TestReaperFallsBackToCreatedAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.pool.NeedNewSession(ctx, f.request("ev-a"))
	require.NoError(t, err)
	f.store.ClearSessionStartedAt("ev-a", time.Now().Add(-2*time.Hour))

	require.NoError(t, f.pool.Sweep(ctx))

	r, err := f.store.GetSessionRequest(ctx, "ev-a")
	require.NoError(t, err)
	assert.Equal(t, model.SessionComplete, r.Status)
	assert.Equal(t, []string{"sess-1"}, f.provider.stops())
}

func TestStopSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.pool.NeedNewSession(ctx, f.request("ev-a"))
	require.NoError(t, err)

	require.NoError(t, f.pool.StopSession(ctx, "sess-1"))
	r, err := f.store.GetSessionRequest(ctx, "ev-a")
	require.NoError(t, err)
	assert.Equal(t, model.SessionComplete, r.Status)

	require.NoError(t, f.pool.StopSession(ctx, "sess-unknown"))
	assert.Equal(t, []string{"sess-1", "sess-unknown"}, f.provider.stops())
}

func TestConnectionUsesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.pool.NeedNewSession(ctx, f.request("ev-a"))
	require.NoError(t, err)

	s, err := f.pool.Connection(ctx, "ev-a")
	require.NoError(t, err)
	assert.Equal(t, "wss://browser/sess-1", s.ConnectURL)

	f.pool.cache.Delete("ev-a")
	s, err = f.pool.Connection(ctx, "ev-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, 1, f.pool.cache.Len())
}

func TestNoProvider(t *testing.T) {
	p := NewPool(memstore.New(), nil, &recordingQueue{}, Config{}, testutil.TestLogger())
	defer p.Close()
	_, err := p.NeedNewSession(context.Background(), model.BrowserSessionRequest{EventID: "ev"})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.NoError(t, p.Sweep(context.Background()))
}

func TestConnCacheExpiry(t *testing.T) {
	c := NewConnCache(time.Minute)
	defer c.Close()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("ev", Session{ID: "s"})
	_, ok := c.Get("ev")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("ev")
	assert.False(t, ok)
	c.evictExpired()
	assert.Equal(t, 0, c.Len())

	c.Close()
	c.Close()
}
