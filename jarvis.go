// Package jarvis is the public entry point for embedding the jarvis run
// engine.
//
//	app, err := jarvis.New(
//	    jarvis.WithVersion(version),
//	    jarvis.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// New connects to Postgres, runs migrations and wires every subsystem: the
// job queue, LLM admission control, the decision engine, the browser session
// pool, the orchestrator and the failure sweeper. Run starts the workers and
// blocks until ctx is cancelled.
package jarvis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/agent/qa"
	"github.com/ashita-ai/jarvis/internal/alert"
	"github.com/ashita-ai/jarvis/internal/config"
	"github.com/ashita-ai/jarvis/internal/decision"
	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/orchestrator"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
	"github.com/ashita-ai/jarvis/internal/sessions"
	"github.com/ashita-ai/jarvis/internal/storage"
	"github.com/ashita-ai/jarvis/internal/sweeper"
	"github.com/ashita-ai/jarvis/internal/telemetry"
	"github.com/ashita-ai/jarvis/migrations"
)

// drainTimeout bounds how long in-flight jobs may run after shutdown starts.
const drainTimeout = 30 * time.Second

// App is the jarvis engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	queue        *queue.Queue
	counter      ratelimit.Counter
	pool         *sessions.Pool
	orch         *orchestrator.Orchestrator
	sweeper      *sweeper.Sweeper
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It does not start any goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("jarvis starting", "version", version)

	ctx := context.Background()
	app := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	app.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := app.db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := app.db.RunMigrations(ctx, extra); err != nil {
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	app.queue = queue.New(app.db.Pool(), logger, queue.Options{
		PollInterval: cfg.QueuePollInterval,
		Lease:        cfg.QueueLease,
		Concurrency:  cfg.QueueConcurrency,
	})

	if cfg.RedisURL != "" {
		rc, err := ratelimit.DialRedisCounter(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.counter = rc
		logger.Info("ratelimit: using redis counters")
	} else {
		app.counter = ratelimit.NewMemoryCounter()
		logger.Info("ratelimit: using in-memory counters")
	}
	limiter := ratelimit.NewChecker(app.counter, ratelimit.Limits{
		PerThread:       cfg.LimitPerThread,
		PerNode:         cfg.LimitPerNode,
		PerRun:          cfg.LimitPerRun,
		PerFlowDaily:    cfg.LimitPerFlowDaily,
		PerAccountDaily: cfg.LimitPerAccountDaily,
	}, logger)

	completer, err := newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	agents, err := agent.NewRegistry(append([]agent.Agent{qa.New()}, o.agents...)...)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	alerter := alert.New(cfg.AlertWebhookURL, logger)

	var provider sessions.Provider
	if cfg.BrowserProviderURL != "" {
		provider = sessions.NewRemoteProvider(cfg.BrowserProviderName, cfg.BrowserProviderURL, cfg.BrowserProviderAPIKey)
	} else {
		logger.Info("sessions: no browser provider configured, browser sessions disabled")
	}
	app.pool = sessions.NewPool(app.db, provider, app.queue, sessions.Config{
		Capacity:      cfg.ConcurrentBrowserSessions,
		SweepInterval: cfg.SessionSweepInterval,
		MaxAge:        cfg.SessionMaxAge,
	}, logger)

	app.orch = orchestrator.New(orchestrator.Deps{
		Store:    app.db,
		Results:  app.db,
		Queue:    app.queue,
		Agents:   agents,
		Decider:  decision.New(completer, logger),
		LLM:      completer,
		Limiter:  limiter,
		Sessions: app.pool,
		Alerter:  alerter,
	}, orchestrator.Config{PickSettleDelay: cfg.PickSettleDelay}, logger)
	app.orch.Register(app.queue)

	app.sweeper = sweeper.New(app.queue, app.orch, alerter, cfg.FailureSweepInterval, logger)

	ok = true
	return app, nil
}

// newLLMClient registers a provider for every configured API key.
func newLLMClient(cfg config.Config, logger *slog.Logger) (*llm.Client, error) {
	var providers []llm.Provider
	if cfg.AnthropicAPIKey != "" {
		p, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, "")
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		providers = append(providers, p)
	}
	c, err := llm.NewClient(cfg.DecisionModels, cfg.LLMRetries, logger, providers...)
	if err != nil {
		return nil, fmt.Errorf("llm: %w (set ANTHROPIC_API_KEY or OPENAI_API_KEY)", err)
	}
	logger.Info("llm: models configured", "models", len(c.Models()))
	return c, nil
}

// Run starts the queue workers, the notification waker, the session pool
// sweep and the failure sweeper, then blocks until ctx is cancelled and
// shuts down.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.db.HasNotify() {
		g.Go(func() error {
			queue.NewWaker(a.db, a.queue, a.logger).Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.pool.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.sweeper.Start(gctx)
		return nil
	})
	_ = g.Wait()

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight jobs and releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("jarvis shutting down")
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	a.queue.Drain(drainCtx)
	cancel()
	a.close()
	a.logger.Info("jarvis stopped")
	return nil
}

func (a *App) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.counter != nil {
		_ = a.counter.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// SubmitTask enqueues creation of a one-shot flow for task and its run.
func (a *App) SubmitTask(ctx context.Context, accountID, userID, task string) error {
	if task == "" {
		return errors.New("jarvis: task is required")
	}
	_, err := a.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueFlow,
		Name:    queue.JobTaskCreator,
		Payload: queue.TaskCreatorPayload{AccountID: accountID, UserID: userID, Task: task},
	})
	if err != nil {
		return fmt.Errorf("jarvis: submit task: %w", err)
	}
	return nil
}

// StartRun enqueues a run of an existing flow.
func (a *App) StartRun(ctx context.Context, flowID uuid.UUID, input string, triggerInput json.RawMessage) error {
	_, err := a.queue.Enqueue(ctx, queue.Spec{
		Queue:   queue.QueueFlow,
		Name:    queue.JobCreateRun,
		Payload: queue.CreateRunPayload{FlowID: flowID, Input: input, TriggerInput: triggerInput},
	})
	if err != nil {
		return fmt.Errorf("jarvis: start run: %w", err)
	}
	return nil
}

// SetFlowActive activates or deactivates a flow. Deactivation aborts its
// active runs.
func (a *App) SetFlowActive(ctx context.Context, flowID uuid.UUID, active bool) error {
	status := model.FlowStatusInactive
	if active {
		status = model.FlowStatusActive
	}
	return a.orch.ChangeFlowStatus(ctx, flowID, status)
}

// AnswerRun delivers a user's answer to a run waiting for input.
func (a *App) AnswerRun(ctx context.Context, runID uuid.UUID, waitID, input string) error {
	return a.orch.ProcessUserInputForRun(ctx, runID, waitID, input)
}

// AnswerNode delivers a user's answer to a node waiting for input.
func (a *App) AnswerNode(ctx context.Context, runID, nodeID uuid.UUID, waitID, input string) error {
	return a.orch.ProcessUserInputForNode(ctx, runID, nodeID, waitID, input)
}

// Trigger delivers an external event to a node waiting in trigger_wait.
func (a *App) Trigger(ctx context.Context, runID, nodeID uuid.UUID, waitID, eventType string, data json.RawMessage) error {
	return a.orch.SubmitTrigger(ctx, runID, nodeID, waitID, agent.Event{Type: eventType, Data: data})
}
