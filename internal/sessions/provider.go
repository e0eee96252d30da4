package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSessionGone is returned by a Provider for a session it no longer knows.
var ErrSessionGone = errors.New("sessions: provider session gone")

// Session is a live browser session at a provider.
type Session struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connect_url"`
	Status     string `json:"status"`
}

// Running reports whether the provider still considers the session alive.
func (s Session) Running() bool { return s.Status == "" || s.Status == "running" }

// Provider allocates remote browser sessions.
type Provider interface {
	Name() string
	// Create starts a session, restoring browsingContext when non-empty.
	Create(ctx context.Context, browsingContext json.RawMessage) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Stop(ctx context.Context, id string) error
	// Context exports the session's cookies and storage for the next session.
	Context(ctx context.Context, id string) (json.RawMessage, error)
}

// perCallTimeout bounds a single provider API call.
const perCallTimeout = 30 * time.Second

// RemoteProvider talks to a browser provider over its HTTP API.
type RemoteProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteProvider creates a provider client. name identifies the provider
// in persisted browser profiles.
func NewRemoteProvider(name, baseURL, apiKey string) *RemoteProvider {
	if name == "" {
		name = "remote"
	}
	return &RemoteProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

func (p *RemoteProvider) Name() string { return p.name }

func (p *RemoteProvider) Create(ctx context.Context, browsingContext json.RawMessage) (Session, error) {
	body := map[string]any{}
	if len(browsingContext) > 0 {
		body["context"] = browsingContext
	}
	var s Session
	if err := p.do(ctx, http.MethodPost, "/v1/sessions", body, &s); err != nil {
		return Session{}, fmt.Errorf("sessions: create: %w", err)
	}
	if s.ID == "" {
		return Session{}, errors.New("sessions: create: provider returned no session id")
	}
	return s, nil
}

func (p *RemoteProvider) Get(ctx context.Context, id string) (Session, error) {
	var s Session
	if err := p.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &s); err != nil {
		return Session{}, fmt.Errorf("sessions: get %s: %w", id, err)
	}
	return s, nil
}

func (p *RemoteProvider) Stop(ctx context.Context, id string) error {
	err := p.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/stop", nil, nil)
	if err != nil && !errors.Is(err, ErrSessionGone) {
		return fmt.Errorf("sessions: stop %s: %w", id, err)
	}
	return nil
}

func (p *RemoteProvider) Context(ctx context.Context, id string) (json.RawMessage, error) {
	var out struct {
		Context json.RawMessage `json:"context"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/sessions/"+id+"/context", nil, &out); err != nil {
		return nil, fmt.Errorf("sessions: context %s: %w", id, err)
	}
	return out.Context, nil
}

func (p *RemoteProvider) do(ctx context.Context, method, path string, in, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(callCtx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
