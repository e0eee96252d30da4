package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/jarvis/internal/model"
)

var (
	// ErrUnknownAgent is returned for an agent code that is not registered.
	ErrUnknownAgent = errors.New("agent: unknown agent")
	// ErrUnknownAction is returned for an action code or queue function
	// outside an agent's registered set.
	ErrUnknownAction = errors.New("agent: unknown action")
)

// Registry holds the agents the orchestrator may dispatch, keyed by code.
// Agents are validated once at registration.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds an agent.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return errors.New("agent: agent is required")
	}
	if err := validate(a); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Code()]; exists {
		return fmt.Errorf("agent: %s already registered", a.Code())
	}
	r.agents[a.Code()] = a
	return nil
}

func validate(a Agent) error {
	code := a.Code()
	switch {
	case strings.TrimSpace(code) == "":
		return errors.New("agent: code is required")
	case code == model.DecisionNodeCode:
		return fmt.Errorf("agent: %s is reserved", code)
	case strings.TrimSpace(a.Details().Description) == "":
		return fmt.Errorf("agent: %s: description is required", code)
	}

	seen := make(map[string]bool)
	for _, act := range a.Actions() {
		if strings.TrimSpace(act.Code) == "" {
			return fmt.Errorf("agent: %s: action code is required", code)
		}
		if seen[act.Code] {
			return fmt.Errorf("agent: %s: duplicate action %s", code, act.Code)
		}
		seen[act.Code] = true
	}

	if qa, ok := a.(QueueJobAgent); ok {
		fns := make(map[string]bool)
		for _, fn := range qa.QueueFunctions() {
			if strings.TrimSpace(fn) == "" {
				return fmt.Errorf("agent: %s: queue function name is required", code)
			}
			if fns[fn] {
				return fmt.Errorf("agent: %s: duplicate queue function %s", code, fn)
			}
			fns[fn] = true
		}
	}
	return nil
}

// Get returns the agent registered under code.
func (r *Registry) Get(code string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, code)
	}
	return a, nil
}

// Codes returns registered codes in sorted order. When allowed is non-empty
// only codes in it are returned.
func (r *Registry) Codes(allowed []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for code := range r.agents {
		if len(allowed) > 0 && !slices.Contains(allowed, code) {
			continue
		}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ValidateAction checks that code is in the agent's action set.
func ValidateAction(a Agent, code string) error {
	for _, act := range a.Actions() {
		if act.Code == code {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has no action %s", ErrUnknownAction, a.Code(), code)
}

// QueueJobTarget returns a as a QueueJobAgent if fn is one of its queue
// functions.
func QueueJobTarget(a Agent, fn string) (QueueJobAgent, error) {
	qa, ok := a.(QueueJobAgent)
	if !ok || !slices.Contains(qa.QueueFunctions(), fn) {
		return nil, fmt.Errorf("%w: %s has no queue function %s", ErrUnknownAction, a.Code(), fn)
	}
	return qa, nil
}
