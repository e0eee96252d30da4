// Package llm is the model-agnostic LLM client used by the decision engine
// and by agents.
//
// A Client holds an ordered list of models, each bound to a Provider by the
// "provider:model" prefix. Complete tries each model in order, retrying a
// failing model up to a fixed budget before falling back to the next.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jarvis/internal/telemetry"
)

// ErrNoModels is returned when a Client has no usable model.
var ErrNoModels = errors.New("llm: no models configured")

// Role is a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn. ImageURL is optional and attaches a single image.
type Message struct {
	Role     Role
	Text     string
	ImageURL string
}

// Request is a provider-neutral completion request.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Response is a completion result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider sends a request to one vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model string, req Request) (Response, error)
}

// Completer is the interface consumers depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ModelRef binds a model name to a provider.
type ModelRef struct {
	Provider string
	Model    string
}

func (m ModelRef) String() string { return m.Provider + ":" + m.Model }

// ParseModelRef parses "provider:model".
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("llm: invalid model %q (want provider:model)", s)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

const (
	defaultMaxTokens = 4096
	retryDelay       = 500 * time.Millisecond
)

// Client routes requests over an ordered model fallback list.
type Client struct {
	providers map[string]Provider
	models    []ModelRef
	attempts  int
	logger    *slog.Logger
	tracer    trace.Tracer
	sleep     func(context.Context, time.Duration) error
}

// NewClient builds a client. Models whose provider is not registered are
// skipped with a warning (typically a missing API key); an empty result is
// an error. attempts below 1 is treated as 1.
func NewClient(models []string, attempts int, logger *slog.Logger, providers ...Provider) (*Client, error) {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	var refs []ModelRef
	for _, s := range models {
		ref, err := ParseModelRef(s)
		if err != nil {
			return nil, err
		}
		if _, ok := byName[ref.Provider]; !ok {
			logger.Warn("llm: provider not configured, skipping model", "model", ref.String())
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, ErrNoModels
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		providers: byName,
		models:    refs,
		attempts:  attempts,
		logger:    logger,
		tracer:    telemetry.Tracer("jarvis/llm"),
		sleep:     sleepCtx,
	}, nil
}

type admissionKey struct{}

// WithRetryAdmission returns a context under which Complete calls admit
// before every provider call after the first, so retries and fallbacks are
// charged like the call itself. The first call is charged by the caller
// before Complete. A non-nil error from admit stops Complete with that
// error.
func WithRetryAdmission(ctx context.Context, admit func(context.Context) error) context.Context {
	return context.WithValue(ctx, admissionKey{}, admit)
}

func retryAdmission(ctx context.Context) func(context.Context) error {
	admit, _ := ctx.Value(admissionKey{}).(func(context.Context) error)
	return admit
}

// Models returns the fallback order.
func (c *Client) Models() []ModelRef { return append([]ModelRef(nil), c.models...) }

// Complete tries every model in order, each up to the attempt budget, and
// returns the first success. When all fail the joined errors are returned.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete")
	defer span.End()

	admit := retryAdmission(ctx)
	var errs []error
	for _, ref := range c.models {
		p := c.providers[ref.Provider]
		for attempt := 1; attempt <= c.attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if len(errs) > 0 && admit != nil {
				if err := admit(ctx); err != nil {
					span.RecordError(err)
					return Response{}, err
				}
			}
			resp, err := p.Complete(ctx, ref.Model, req)
			if err == nil {
				if resp.Model == "" {
					resp.Model = ref.String()
				}
				span.SetAttributes(attribute.String("llm.model", ref.String()), attribute.Int("llm.attempt", attempt))
				return resp, nil
			}
			errs = append(errs, fmt.Errorf("%s attempt %d: %w", ref, attempt, err))
			c.logger.Warn("llm: completion failed", "model", ref.String(), "attempt", attempt, "error", err)
			if attempt < c.attempts {
				if err := c.sleep(ctx, retryDelay*time.Duration(attempt)); err != nil {
					return Response{}, err
				}
			}
		}
	}

	err := fmt.Errorf("llm: all models failed: %w", errors.Join(errs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, "all models failed")
	return Response{}, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
