// Package memstore is an in-memory implementation of the storage contracts
// used by the orchestrator and the session pool. It mirrors the latching and
// ordering rules of the PostgreSQL store and is meant for unit tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/storage"
)

type nodeRow struct {
	model.Node
	seq int
}

// Store holds every record in maps guarded by one mutex. Values are copied
// on the way in and out.
type Store struct {
	mu       sync.Mutex
	seq      int
	flows    map[uuid.UUID]model.Flow
	runs     map[uuid.UUID]model.Run
	threads  map[uuid.UUID]model.Thread
	nodes    map[uuid.UUID]*nodeRow
	messages []model.MessageLog
	schemas  map[uuid.UUID]model.TableSchema
	rows     map[uuid.UUID][]model.ResultRow
	sessions map[string]model.BrowserSessionRequest
	profiles map[string]model.BrowserProfile
}

// New returns an empty store.
func New() *Store {
	return &Store{
		flows:    make(map[uuid.UUID]model.Flow),
		runs:     make(map[uuid.UUID]model.Run),
		threads:  make(map[uuid.UUID]model.Thread),
		nodes:    make(map[uuid.UUID]*nodeRow),
		schemas:  make(map[uuid.UUID]model.TableSchema),
		rows:     make(map[uuid.UUID][]model.ResultRow),
		sessions: make(map[string]model.BrowserSessionRequest),
		profiles: make(map[string]model.BrowserProfile),
	}
}

func notFound(entity string, id any) error {
	return fmt.Errorf("%w: %s %v", storage.ErrNotFound, entity, id)
}

func now() time.Time { return time.Now().UTC() }

// Flows.

func (s *Store) CreateFlow(_ context.Context, f model.Flow) (model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = model.FlowStatusActive
	}
	f.Triggers = slices.Clone(f.Triggers)
	f.CreatedAt, f.UpdatedAt = now(), now()
	s.flows[f.ID] = f
	return f, nil
}

func (s *Store) GetFlow(_ context.Context, id uuid.UUID) (model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return model.Flow{}, notFound("flow", id)
	}
	f.Triggers = slices.Clone(f.Triggers)
	return f, nil
}

func (s *Store) SetFlowStatus(_ context.Context, id uuid.UUID, status model.FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return notFound("flow", id)
	}
	f.Status, f.UpdatedAt = status, now()
	s.flows[id] = f
	return nil
}

func (s *Store) ListActiveRunsForFlow(_ context.Context, flowID uuid.UUID) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.FlowID == flowID && !r.Status.IsTerminal() {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.Run) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Runs.

func (s *Store) CreateRun(_ context.Context, run model.Run, root model.Thread, first model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runs[run.ID]; dup {
		return fmt.Errorf("memstore: run %s exists", run.ID)
	}
	s.runs[run.ID] = run
	s.threads[root.ID] = cloneThread(root)
	s.insertNode(first)
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, notFound("run", id)
	}
	return r, nil
}

func (s *Store) SetRunStatus(_ context.Context, id uuid.UUID, status model.RunStatus, wait *model.WaitDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return false, nil
	}
	r.Status, r.Wait, r.UpdatedAt = status, cloneWait(wait), now()
	s.runs[id] = r
	return true, nil
}

func (s *Store) ResumeRun(_ context.Context, id uuid.UUID, waitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != model.RunStatusAskUser || r.Wait == nil || r.Wait.WaitID != waitID {
		return false, nil
	}
	r.Status, r.Wait, r.UpdatedAt = model.RunStatusRunning, nil, now()
	s.runs[id] = r
	return true, nil
}

func (s *Store) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, output, reasoning string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return false, nil
	}
	t := now()
	r.Status, r.Output, r.Reasoning, r.Wait, r.UpdatedAt, r.EndedAt = status, output, reasoning, nil, t, &t
	s.runs[id] = r
	return true, nil
}

func (s *Store) SetRunCurrentNode(_ context.Context, runID, nodeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.CurrentNodeID = &nodeID
		s.runs[runID] = r
	}
	return nil
}

// Threads.

func (s *Store) CreateThreads(_ context.Context, threads []model.Thread, nodes []model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range threads {
		s.threads[t.ID] = cloneThread(t)
	}
	for _, n := range nodes {
		s.insertNode(n)
	}
	return nil
}

func (s *Store) GetThread(_ context.Context, id uuid.UUID) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return model.Thread{}, notFound("thread", id)
	}
	return cloneThread(t), nil
}

func (s *Store) SetThreadShortlist(_ context.Context, id uuid.UUID, rowIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil
	}
	t.ShortlistedDocumentIDs = slices.Clone(rowIDs)
	s.threads[id] = t
	return nil
}

func (s *Store) FinishThread(_ context.Context, id uuid.UUID, status model.ThreadStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || t.Status.IsTerminal() {
		return false, nil
	}
	t.Status = status
	s.threads[id] = t
	return true, nil
}

// Threads returns every thread of a run in pick order.
func (s *Store) Threads(runID uuid.UUID) []model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Thread
	for _, t := range s.threads {
		if t.RunID == runID {
			out = append(out, cloneThread(t))
		}
	}
	slices.SortFunc(out, func(a, b model.Thread) int { return a.Level.Compare(b.Level) })
	return out
}

// Nodes.

func (s *Store) insertNode(n model.Node) {
	s.seq++
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}
	n.UpdatedAt = n.CreatedAt
	s.nodes[n.ID] = &nodeRow{Node: cloneNode(n), seq: s.seq}
}

func (s *Store) CreateNode(_ context.Context, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertNode(n)
	return nil
}

func (s *Store) GetNode(_ context.Context, id uuid.UUID) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return model.Node{}, notFound("node", id)
	}
	return cloneNode(n.Node), nil
}

// pickOrder sorts by thread level, then creation time, then insertion.
func pickOrder(a, b *nodeRow) int {
	if c := a.Level.Compare(b.Level); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return a.seq - b.seq
}

func (s *Store) runNodes(runID uuid.UUID) []*nodeRow {
	var out []*nodeRow
	for _, n := range s.nodes {
		if n.RunID == runID {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, pickOrder)
	return out
}

func (s *Store) NextReadyNode(_ context.Context, runID uuid.UUID) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.runNodes(runID) {
		if n.Status == model.NodeStatusReady {
			return cloneNode(n.Node), nil
		}
	}
	return model.Node{}, notFound("ready node in run", runID)
}

func (s *Store) CountOpenNodes(_ context.Context, runID uuid.UUID) (ready, busy int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.RunID != runID {
			continue
		}
		switch {
		case n.Status == model.NodeStatusReady:
			ready++
		case !n.Status.IsTerminal():
			busy++
		}
	}
	return ready, busy, nil
}

// Nodes returns every node of a run in pick order.
func (s *Store) Nodes(runID uuid.UUID) []model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.runNodes(runID)
	out := make([]model.Node, len(rows))
	for i, n := range rows {
		out[i] = cloneNode(n.Node)
	}
	return out
}

func (s *Store) SetNodeStatus(_ context.Context, id uuid.UUID, status model.NodeStatus, wait *model.WaitDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.Status.IsTerminal() {
		return false, nil
	}
	n.Status, n.Wait, n.UpdatedAt = status, cloneWait(wait), now()
	return true, nil
}

func (s *Store) ResumeNode(_ context.Context, id uuid.UUID, from model.NodeStatus, waitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.Status != from || n.Wait == nil || n.Wait.WaitID != waitID {
		return false, nil
	}
	n.Status, n.Wait, n.UpdatedAt = model.NodeStatusRunning, nil, now()
	return true, nil
}

func (s *Store) SetNodeKeyVal(_ context.Context, id uuid.UUID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound("node", id)
	}
	if n.PrivateData.KeyVal == nil {
		n.PrivateData.KeyVal = make(map[string]json.RawMessage)
	}
	n.PrivateData.KeyVal[key] = slices.Clone(value)
	n.UpdatedAt = now()
	return nil
}

func (s *Store) FinishNode(_ context.Context, id uuid.UUID, status model.NodeStatus, output, reasoning string, structured json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.Status.IsTerminal() {
		return false, nil
	}
	n.Status, n.Output, n.Reasoning, n.Wait, n.UpdatedAt = status, output, reasoning, nil, now()
	if structured != nil {
		n.PrivateData.StructuredOutput = slices.Clone(structured)
	}
	return true, nil
}

func (s *Store) flipOpen(match func(*nodeRow) bool, status model.NodeStatus) int64 {
	var n int64
	for _, row := range s.nodes {
		if match(row) && !row.Status.IsTerminal() {
			row.Status, row.Wait, row.UpdatedAt = status, nil, now()
			n++
		}
	}
	return n
}

func (s *Store) FailOpenNodesInThread(_ context.Context, threadID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flipOpen(func(r *nodeRow) bool { return r.ThreadID == threadID }, model.NodeStatusError), nil
}

func (s *Store) FailOpenNodesInRun(_ context.Context, runID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flipOpen(func(r *nodeRow) bool { return r.RunID == runID }, model.NodeStatusError), nil
}

func (s *Store) CompleteOpenNodesInRun(_ context.Context, runID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flipOpen(func(r *nodeRow) bool { return r.RunID == runID }, model.NodeStatusCompleted), nil
}

func (s *Store) ListSessionNodes(_ context.Context, runID uuid.UUID) ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Node
	for _, n := range s.runNodes(runID) {
		if n.SessionID != "" {
			out = append(out, cloneNode(n.Node))
		}
	}
	return out, nil
}

func (s *Store) SetNodeSession(_ context.Context, nodeID uuid.UUID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.SessionID, n.UpdatedAt = sessionID, now()
	}
	return nil
}

// Messages.

func (s *Store) AppendMessage(_ context.Context, m model.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *Store) RecentMessages(_ context.Context, runID uuid.UUID, limit int) ([]model.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 15
	}
	var out []model.MessageLog
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].RunID == runID {
			out = append(out, s.messages[i])
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Messages returns every message of a run, oldest first.
func (s *Store) Messages(runID uuid.UUID) []model.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MessageLog
	for _, m := range s.messages {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	return out
}

// Result table.

func (s *Store) GetTableSchema(_ context.Context, flowID uuid.UUID) (model.TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schemas[flowID]
	if !ok {
		return model.TableSchema{FlowID: flowID}, nil
	}
	sc.Columns = slices.Clone(sc.Columns)
	return sc, nil
}

func (s *Store) SetTableSchema(_ context.Context, sc model.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Columns = slices.Clone(sc.Columns)
	s.schemas[sc.FlowID] = sc
	return nil
}

func (s *Store) GetRows(_ context.Context, flowID uuid.UUID, ids []string) ([]model.ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ResultRow
	for _, r := range s.rows[flowID] {
		if slices.Contains(ids, r.ID) {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

func (s *Store) ListRows(_ context.Context, flowID uuid.UUID, limit int) ([]model.ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	all := s.rows[flowID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.ResultRow, len(all))
	for i, r := range all {
		out[i] = cloneRow(r)
	}
	return out, nil
}

func (s *Store) AddRow(_ context.Context, flowID uuid.UUID, data json.RawMessage) (model.ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now()
	r := model.ResultRow{ID: uuid.NewString(), FlowID: flowID, Data: slices.Clone(data), CreatedAt: t, UpdatedAt: t}
	s.rows[flowID] = append(s.rows[flowID], r)
	return cloneRow(r), nil
}

// UpdateRow merges the top-level fields of data into the row.
func (s *Store) UpdateRow(_ context.Context, flowID uuid.UUID, id string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[flowID]
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		merged := map[string]json.RawMessage{}
		if len(rows[i].Data) > 0 {
			if err := json.Unmarshal(rows[i].Data, &merged); err != nil {
				return fmt.Errorf("memstore: update row: %w", err)
			}
		}
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(data, &patch); err != nil {
			return fmt.Errorf("memstore: update row: %w", err)
		}
		maps.Copy(merged, patch)
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("memstore: update row: %w", err)
		}
		rows[i].Data, rows[i].UpdatedAt = out, now()
		return nil
	}
	return notFound("row", id)
}

// Browser sessions.

func (s *Store) GetSessionRequest(_ context.Context, eventID string) (model.BrowserSessionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[eventID]
	if !ok {
		return model.BrowserSessionRequest{}, notFound("session request", eventID)
	}
	return r, nil
}

func (s *Store) GetSessionRequestBySession(_ context.Context, sessionID string) (model.BrowserSessionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sessions {
		if r.SessionID == sessionID && r.Status == model.SessionRunning {
			return r, nil
		}
	}
	return model.BrowserSessionRequest{}, notFound("session request for session", sessionID)
}

func (s *Store) UpsertSessionRequest(_ context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[req.EventID]; ok {
		return r, nil
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	t := now()
	req.Status, req.SessionID, req.StartedAt, req.CreatedAt, req.UpdatedAt = model.SessionWaiting, "", nil, t, t
	s.sessions[req.EventID] = req
	return req, nil
}

func (s *Store) MarkSessionRunning(_ context.Context, eventID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[eventID]
	if !ok || r.Status != model.SessionWaiting {
		return false, nil
	}
	t := now()
	r.Status, r.SessionID, r.StartedAt, r.UpdatedAt = model.SessionRunning, sessionID, &t, t
	s.sessions[eventID] = r
	return true, nil
}

func (s *Store) CompleteSessionRequest(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[eventID]
	if !ok || r.Status == model.SessionComplete {
		return false, nil
	}
	r.Status, r.UpdatedAt = model.SessionComplete, now()
	s.sessions[eventID] = r
	return true, nil
}

func (s *Store) CountRunningSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sessions {
		if r.Status == model.SessionRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListSessionRequests(_ context.Context, status model.SessionRequestStatus, limit int) ([]model.BrowserSessionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []model.BrowserSessionRequest
	for _, r := range s.sessions {
		if r.Status == status {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.BrowserSessionRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetSessionStartedAt backdates a running request, for reaper tests.
func (s *Store) SetSessionStartedAt(eventID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[eventID]; ok {
		r.StartedAt = &t
		s.sessions[eventID] = r
	}
}

// ClearSessionStartedAt drops a request's start time and backdates its
// creation, for reaper tests.
func (s *Store) ClearSessionStartedAt(eventID string, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[eventID]; ok {
		r.StartedAt, r.CreatedAt = nil, created
		s.sessions[eventID] = r
	}
}

func (s *Store) GetBrowserProfile(_ context.Context, accountID, provider string) (model.BrowserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID+"/"+provider]
	if !ok {
		return model.BrowserProfile{}, notFound("browser profile", accountID+"/"+provider)
	}
	return p, nil
}

func (s *Store) SaveBrowserProfile(_ context.Context, p model.BrowserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Context = slices.Clone(p.Context)
	p.UpdatedAt = now()
	s.profiles[p.AccountID+"/"+p.Provider] = p
	return nil
}

func cloneWait(w *model.WaitDescriptor) *model.WaitDescriptor {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

func cloneThread(t model.Thread) model.Thread {
	t.Level = slices.Clone(t.Level)
	t.ShortlistedDocumentIDs = slices.Clone(t.ShortlistedDocumentIDs)
	t.AllowedAgentCodes = slices.Clone(t.AllowedAgentCodes)
	return t
}

func cloneNode(n model.Node) model.Node {
	n.Level = slices.Clone(n.Level)
	n.Wait = cloneWait(n.Wait)
	n.PrivateData.KeyVal = maps.Clone(n.PrivateData.KeyVal)
	return n
}

func cloneRow(r model.ResultRow) model.ResultRow {
	r.Data = slices.Clone(r.Data)
	return r
}
