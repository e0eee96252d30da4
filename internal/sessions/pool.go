// Package sessions is the browser session pool: a global cap on concurrently
// running provider sessions, shared by every account.
//
// Requests are keyed by a caller-chosen event ID and are idempotent on it. A
// request is granted immediately when capacity allows and otherwise waits;
// waiting requests are promoted FIFO by the sweeper as capacity frees up. The
// owning agent learns about a grant through a jarvis-queue-job invoking its
// notify function.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/storage"
	"github.com/ashita-ai/jarvis/internal/telemetry"
)

var (
	// ErrNoProvider is returned when a session is requested but no browser
	// provider is configured.
	ErrNoProvider = errors.New("sessions: no browser provider configured")
	// ErrRequestComplete is returned when an event ID is reused after its
	// session was released.
	ErrRequestComplete = errors.New("sessions: request already complete")
)

// Store is the persistence the pool needs.
type Store interface {
	GetSessionRequest(ctx context.Context, eventID string) (model.BrowserSessionRequest, error)
	GetSessionRequestBySession(ctx context.Context, sessionID string) (model.BrowserSessionRequest, error)
	UpsertSessionRequest(ctx context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error)
	MarkSessionRunning(ctx context.Context, eventID, sessionID string) (bool, error)
	CompleteSessionRequest(ctx context.Context, eventID string) (bool, error)
	CountRunningSessions(ctx context.Context) (int, error)
	ListSessionRequests(ctx context.Context, status model.SessionRequestStatus, limit int) ([]model.BrowserSessionRequest, error)
	GetBrowserProfile(ctx context.Context, accountID, provider string) (model.BrowserProfile, error)
	SaveBrowserProfile(ctx context.Context, p model.BrowserProfile) error

	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	GetFlow(ctx context.Context, id uuid.UUID) (model.Flow, error)
}

// Enqueuer schedules the grant notification.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.Spec) (bool, error)
}

// Config tunes the pool.
type Config struct {
	Capacity      int           // Concurrent running sessions, default 1.
	SweepInterval time.Duration // Reclaim and promote period, default 30s.
	MaxAge        time.Duration // Hard reaper threshold, default 60m.
	ConnTTL       time.Duration // Connection cache TTL, default 10m.
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 60 * time.Minute
	}
	if c.ConnTTL <= 0 {
		c.ConnTTL = 10 * time.Minute
	}
	return c
}

// sweepParallelism bounds concurrent provider health checks in one sweep.
const sweepParallelism = 4

// Pool is the browser session pool.
type Pool struct {
	store    Store
	provider Provider
	queue    Enqueuer
	cfg      Config
	cache    *ConnCache
	logger   *slog.Logger
	now      func() time.Time

	// admit serializes the count-then-allocate step of admission.
	admit sync.Mutex

	// lookups collapses concurrent provider lookups for one event ID.
	lookups singleflight.Group

	granted  telemetry.Counter
	released telemetry.Counter
}

// NewPool creates a pool. provider may be nil, in which case every request
// fails with ErrNoProvider.
func NewPool(store Store, provider Provider, q Enqueuer, cfg Config, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		store:    store,
		provider: provider,
		queue:    q,
		cfg:      cfg,
		cache:    NewConnCache(cfg.ConnTTL),
		logger:   logger,
		now:      time.Now,
		granted:  telemetry.NewCounter("jarvis/sessions", "jarvis.browser_sessions.granted", "Browser sessions allocated"),
		released: telemetry.NewCounter("jarvis/sessions", "jarvis.browser_sessions.released", "Browser sessions released"),
	}
	p.registerMetrics()
	return p
}

// Close stops the connection cache.
func (p *Pool) Close() { p.cache.Close() }

// NeedNewSession requests a session. The returned request is running when a
// session was granted (now or earlier) and waiting otherwise; it never
// blocks on capacity.
func (p *Pool) NeedNewSession(ctx context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error) {
	if p.provider == nil {
		return model.BrowserSessionRequest{}, ErrNoProvider
	}
	if req.EventID == "" {
		return model.BrowserSessionRequest{}, errors.New("sessions: event id is required")
	}

	stored, err := p.store.UpsertSessionRequest(ctx, req)
	if err != nil {
		return model.BrowserSessionRequest{}, err
	}
	switch stored.Status {
	case model.SessionRunning:
		return stored, nil
	case model.SessionComplete:
		return stored, fmt.Errorf("%w: %s", ErrRequestComplete, req.EventID)
	}

	p.admit.Lock()
	defer p.admit.Unlock()
	running, err := p.store.CountRunningSessions(ctx)
	if err != nil {
		return stored, err
	}
	if running >= p.cfg.Capacity {
		p.logger.Info("sessions: request waiting for capacity", "event_id", req.EventID, "running", running, "capacity", p.cfg.Capacity)
		return stored, nil
	}
	return p.start(ctx, stored)
}

// start allocates a provider session for a waiting request. The caller
// holds p.admit.
func (p *Pool) start(ctx context.Context, req model.BrowserSessionRequest) (model.BrowserSessionRequest, error) {
	var browsingContext json.RawMessage
	profile, err := p.store.GetBrowserProfile(ctx, req.AccountID, p.provider.Name())
	switch {
	case err == nil:
		browsingContext = profile.Context
	case !errors.Is(err, storage.ErrNotFound):
		p.logger.Warn("sessions: load browser profile", "account_id", req.AccountID, "error", err)
	}

	sess, err := p.provider.Create(ctx, browsingContext)
	if err != nil {
		return req, err
	}
	won, err := p.store.MarkSessionRunning(ctx, req.EventID, sess.ID)
	if err != nil || !won {
		// Lost the request to a concurrent grant or release.
		if serr := p.provider.Stop(context.WithoutCancel(ctx), sess.ID); serr != nil {
			p.logger.Warn("sessions: stop unclaimed session", "session_id", sess.ID, "error", serr)
		}
		if err != nil {
			return req, err
		}
		return p.store.GetSessionRequest(ctx, req.EventID)
	}
	p.cache.Set(req.EventID, sess)
	p.granted.Add(ctx, 1)
	p.logger.Info("sessions: session granted", "event_id", req.EventID, "session_id", sess.ID, "run_id", req.Metadata.RunID)

	granted, err := p.store.GetSessionRequest(ctx, req.EventID)
	if err != nil {
		return req, err
	}
	p.notify(ctx, granted)
	return granted, nil
}

// notify tells the requesting agent its session is ready. Failures are
// logged; the agent also sees the grant on its next NeedBrowserSession.
func (p *Pool) notify(ctx context.Context, req model.BrowserSessionRequest) {
	meta := req.Metadata
	if meta.RunID == uuid.Nil || meta.NodeID == uuid.Nil {
		return
	}
	fn := meta.NotifyFunction
	if fn == "" {
		fn = agent.FuncBrowserSessionReady
	}
	args, _ := json.Marshal(queue.SessionReadyArgs{EventID: req.EventID, SessionID: req.SessionID})
	_, err := p.queue.Enqueue(ctx, queue.Spec{
		Queue: queue.QueueAgent,
		Name:  queue.JobQueueJob,
		Payload: queue.QueueJobPayload{
			NodeRef:  queue.NodeRef{RunID: meta.RunID, ThreadID: meta.ThreadID, NodeID: meta.NodeID},
			Function: fn,
			Args:     args,
		},
		JobID: queue.NodeJobID(meta.RunID, meta.NodeID, queue.JobQueueJob+"-"+fn) + "-" + req.EventID,
	})
	if err != nil {
		p.logger.Error("sessions: notify grant", "event_id", req.EventID, "node_id", meta.NodeID, "error", err)
	}
}

// Connection returns the live session of a running request, from the cache
// when possible.
func (p *Pool) Connection(ctx context.Context, eventID string) (Session, error) {
	if s, ok := p.cache.Get(eventID); ok {
		return s, nil
	}
	if p.provider == nil {
		return Session{}, ErrNoProvider
	}
	v, err, _ := p.lookups.Do(eventID, func() (any, error) {
		req, err := p.store.GetSessionRequest(ctx, eventID)
		if err != nil {
			return Session{}, err
		}
		if req.Status != model.SessionRunning {
			return Session{}, fmt.Errorf("sessions: request %s is %s", eventID, req.Status)
		}
		s, err := p.provider.Get(ctx, req.SessionID)
		if err != nil {
			return Session{}, err
		}
		p.cache.Set(eventID, s)
		return s, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// DoneWithSession releases a request's session: the browsing context is
// saved for the account, the provider session stopped and the request
// completed. Waiting requests are then promoted.
func (p *Pool) DoneWithSession(ctx context.Context, eventID string) error {
	req, err := p.store.GetSessionRequest(ctx, eventID)
	if err != nil {
		return err
	}
	if req.Status == model.SessionComplete {
		return nil
	}
	if err := p.release(ctx, req, true, "done"); err != nil {
		return err
	}
	return p.promote(ctx)
}

// StopSession force-stops a session during cascade abort. A session without
// a running request is still stopped at the provider.
func (p *Pool) StopSession(ctx context.Context, sessionID string) error {
	if p.provider == nil {
		return ErrNoProvider
	}
	req, err := p.store.GetSessionRequestBySession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.provider.Stop(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	return p.release(ctx, req, true, "stopped")
}

// release ends a request. saveContext is false for sessions the provider
// has already lost.
func (p *Pool) release(ctx context.Context, req model.BrowserSessionRequest, saveContext bool, reason string) error {
	if req.Status == model.SessionRunning && req.SessionID != "" && p.provider != nil {
		if saveContext {
			p.saveContext(ctx, req)
		}
		if err := p.provider.Stop(ctx, req.SessionID); err != nil {
			p.logger.Warn("sessions: stop provider session", "session_id", req.SessionID, "error", err)
		}
	}
	won, err := p.store.CompleteSessionRequest(ctx, req.EventID)
	if err != nil {
		return err
	}
	p.cache.Delete(req.EventID)
	if won {
		p.released.Add(ctx, 1, "reason", reason)
		p.logger.Info("sessions: session released", "event_id", req.EventID, "session_id", req.SessionID, "reason", reason)
	}
	return nil
}

func (p *Pool) saveContext(ctx context.Context, req model.BrowserSessionRequest) {
	bc, err := p.provider.Context(ctx, req.SessionID)
	if err != nil {
		p.logger.Warn("sessions: export browsing context", "session_id", req.SessionID, "error", err)
		return
	}
	if len(bc) == 0 {
		return
	}
	err = p.store.SaveBrowserProfile(ctx, model.BrowserProfile{
		AccountID: req.AccountID,
		Provider:  p.provider.Name(),
		Context:   bc,
	})
	if err != nil {
		p.logger.Warn("sessions: save browser profile", "account_id", req.AccountID, "error", err)
	}
}

// promote grants waiting requests, oldest first, up to free capacity.
func (p *Pool) promote(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.admit.Lock()
	defer p.admit.Unlock()

	running, err := p.store.CountRunningSessions(ctx)
	if err != nil {
		return err
	}
	free := p.cfg.Capacity - running
	if free <= 0 {
		return nil
	}
	waiting, err := p.store.ListSessionRequests(ctx, model.SessionWaiting, free)
	if err != nil {
		return err
	}
	var errs []error
	for _, req := range waiting {
		if _, err := p.start(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("promote %s: %w", req.EventID, err))
		}
	}
	return errors.Join(errs...)
}

// Sweep runs one reclamation pass: the hard reaper, then reclamation of
// dead or orphaned sessions, then promotion of waiting requests.
func (p *Pool) Sweep(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	running, err := p.store.ListSessionRequests(ctx, model.SessionRunning, 1000)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, req := range running {
		g.Go(func() error {
			p.sweepOne(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return p.promote(ctx)
}

func (p *Pool) sweepOne(ctx context.Context, req model.BrowserSessionRequest) {
	if started := startedAt(req); p.now().Sub(started) > p.cfg.MaxAge {
		p.logger.Warn("sessions: reaping session past max age", "event_id", req.EventID, "session_id", req.SessionID, "started_at", started)
		p.releaseLogged(ctx, req, true, "max_age")
		return
	}
	if reason := p.orphaned(ctx, req); reason != "" {
		p.releaseLogged(ctx, req, true, reason)
		return
	}
	sess, err := p.provider.Get(ctx, req.SessionID)
	switch {
	case errors.Is(err, ErrSessionGone) || (err == nil && !sess.Running()):
		p.releaseLogged(ctx, req, false, "provider_gone")
	case err != nil:
		p.logger.Warn("sessions: health check", "session_id", req.SessionID, "error", err)
	}
}

// startedAt is when the request's session started, or when the request was
// created if the start was never recorded.
func startedAt(req model.BrowserSessionRequest) time.Time {
	if req.StartedAt != nil {
		return *req.StartedAt
	}
	return req.CreatedAt
}

// orphaned reports why a running request no longer has a live owner.
func (p *Pool) orphaned(ctx context.Context, req model.BrowserSessionRequest) string {
	if req.Metadata.RunID != uuid.Nil {
		run, err := p.store.GetRun(ctx, req.Metadata.RunID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !run.Status.IsActive()) {
			return "run_inactive"
		}
	}
	if req.Metadata.FlowID != uuid.Nil {
		flow, err := p.store.GetFlow(ctx, req.Metadata.FlowID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && flow.Status != model.FlowStatusActive) {
			return "flow_inactive"
		}
	}
	return ""
}

func (p *Pool) releaseLogged(ctx context.Context, req model.BrowserSessionRequest, saveContext bool, reason string) {
	if err := p.release(ctx, req, saveContext, reason); err != nil {
		p.logger.Error("sessions: release", "event_id", req.EventID, "reason", reason, "error", err)
	}
}

// Start runs Sweep every SweepInterval until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("sessions: sweep", "error", err)
			}
		}
	}
}

// registerMetrics registers an observable gauge of running sessions.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("jarvis/sessions")
	_, _ = meter.Int64ObservableGauge("jarvis.browser_sessions.running",
		metric.WithDescription("Browser sessions currently running"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := p.store.CountRunningSessions(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}
