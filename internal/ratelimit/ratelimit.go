// Package ratelimit provides admission control for LLM calls.
//
// A Checker enforces five ceilings on every LLM-backed call: calls per
// thread, per node and per run over a 30-day window (EntityWindow), and
// daily calls per flow and per account. Counts live in a Counter; the single-process deployment uses
// MemoryCounter and multi-instance deployments use RedisCounter so every
// worker sees the same totals.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jarvis/internal/telemetry"
)

// ErrLimitExceeded is wrapped by every *LimitExceededError.
var ErrLimitExceeded = errors.New("ratelimit: LLM call limit exceeded")

// Counter atomically increments a named counter and returns the new value.
// A positive ttl sets the expiry when the key is first created; later
// increments leave it unchanged. Implementations must be safe for
// concurrent use.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Limits are the call ceilings. A call is rejected when any applicable
// count exceeds its limit, so a limit of N admits exactly N calls.
type Limits struct {
	PerThread       int
	PerNode         int
	PerRun          int
	PerFlowDaily    int
	PerAccountDaily int
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{PerThread: 100, PerNode: 50, PerRun: 1000, PerFlowDaily: 1000, PerAccountDaily: 1000}
}

// Scope names the entities an LLM call is charged to. ThreadID and NodeID
// are optional; their ceilings apply only when set.
type Scope struct {
	AccountID string
	FlowID    uuid.UUID
	RunID     uuid.UUID
	ThreadID  *uuid.UUID
	NodeID    *uuid.UUID
}

// LimitExceededError reports which ceiling rejected a call. Err is set when
// the rejection came from a counter failure rather than a count.
type LimitExceededError struct {
	Scope string
	Count int64
	Limit int
	Err   error
}

func (e *LimitExceededError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("LLM call limit exceeded (%s: counter unavailable: %v)", e.Scope, e.Err)
	}
	return fmt.Sprintf("LLM call limit exceeded (%s: %d/%d)", e.Scope, e.Count, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// EntityWindow is how long thread, node and run counters live after their
// first call. A run that outlasts it starts counting from zero again; the
// expiry keeps the counter store bounded.
const EntityWindow = 30 * 24 * time.Hour

// dailyTTL keeps a daily counter until its UTC day is safely over.
const dailyTTL = 48 * time.Hour

// Checker enforces Limits over a Counter.
type Checker struct {
	counter    Counter
	limits     Limits
	logger     *slog.Logger
	now        func() time.Time
	calls      telemetry.Counter
	rejections telemetry.Counter
}

// NewChecker creates a checker. The counter is not closed by the checker.
func NewChecker(counter Counter, limits Limits, logger *slog.Logger) *Checker {
	return &Checker{
		counter:    counter,
		limits:     limits,
		logger:     logger,
		now:        time.Now,
		calls:      telemetry.NewCounter("jarvis/ratelimit", "jarvis.llm.calls", "LLM calls admitted"),
		rejections: telemetry.NewCounter("jarvis/ratelimit", "jarvis.llm.rejections", "LLM calls rejected by admission control"),
	}
}

type ceiling struct {
	scope string
	key   string
	limit int
	ttl   time.Duration
	count int64
	err   error
}

func (c *Checker) ceilings(s Scope) []*ceiling {
	day := c.now().UTC().Format("2006-01-02")
	var out []*ceiling
	if s.ThreadID != nil {
		out = append(out, &ceiling{scope: "thread", key: "llm:thread:" + s.ThreadID.String(), limit: c.limits.PerThread, ttl: EntityWindow})
	}
	if s.NodeID != nil {
		out = append(out, &ceiling{scope: "node", key: "llm:node:" + s.NodeID.String(), limit: c.limits.PerNode, ttl: EntityWindow})
	}
	out = append(out,
		&ceiling{scope: "run", key: "llm:run:" + s.RunID.String(), limit: c.limits.PerRun, ttl: EntityWindow},
		&ceiling{scope: "flow", key: "llm:flow:" + s.FlowID.String() + ":" + day, limit: c.limits.PerFlowDaily, ttl: dailyTTL},
		&ceiling{scope: "account", key: "llm:account:" + s.AccountID + ":" + day, limit: c.limits.PerAccountDaily, ttl: dailyTTL},
	)
	return out
}

// CheckLLMCallLimits charges one call to every applicable counter and
// returns a *LimitExceededError if any count is now over its limit or any
// counter could not be read. Counters are incremented even when the call is
// rejected.
func (c *Checker) CheckLLMCallLimits(ctx context.Context, s Scope) error {
	ceilings := c.ceilings(s)

	var g errgroup.Group
	for _, cl := range ceilings {
		g.Go(func() error {
			cl.count, cl.err = c.counter.Incr(ctx, cl.key, cl.ttl)
			return nil
		})
	}
	_ = g.Wait()

	for _, cl := range ceilings {
		var rejected *LimitExceededError
		switch {
		case cl.err != nil:
			rejected = &LimitExceededError{Scope: cl.scope, Limit: cl.limit, Err: cl.err}
			c.logger.Error("ratelimit: counter failed, rejecting call", "scope", cl.scope, "key", cl.key, "error", cl.err)
		case cl.count > int64(cl.limit):
			rejected = &LimitExceededError{Scope: cl.scope, Count: cl.count, Limit: cl.limit}
			c.logger.Warn("ratelimit: limit exceeded", "scope", cl.scope, "key", cl.key, "count", cl.count, "limit", cl.limit)
		}
		if rejected != nil {
			c.rejections.Add(ctx, 1, "scope", cl.scope)
			return rejected
		}
	}
	c.calls.Add(ctx, 1)
	return nil
}
