// Package alert delivers operator alerts for orchestration failures that
// need a human: limit breaches, dead jobs and internal invariant errors.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/telemetry"
)

// Alert is one operator notification.
type Alert struct {
	Subject  string     `json:"subject"`
	Message  string     `json:"message"`
	RunID    *uuid.UUID `json:"run_id,omitempty"`
	ThreadID *uuid.UUID `json:"thread_id,omitempty"`
	NodeID   *uuid.UUID `json:"node_id,omitempty"`
	Time     time.Time  `json:"time"`
}

// Alerter delivers alerts. Delivery is best effort and never fails the
// caller.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// New returns a webhook alerter when url is set and a log-only alerter
// otherwise.
func New(url string, logger *slog.Logger) Alerter {
	if url == "" {
		return &LogAlerter{logger: logger}
	}
	return NewWebhookAlerter(url, logger)
}

// LogAlerter writes alerts to the process log at error level.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a log-only alerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter { return &LogAlerter{logger: logger} }

func (l *LogAlerter) Alert(_ context.Context, a Alert) {
	l.logger.Error("alert: "+a.Subject, alertAttrs(a)...)
}

func alertAttrs(a Alert) []any {
	attrs := []any{"message", a.Message}
	if a.RunID != nil {
		attrs = append(attrs, "run_id", *a.RunID)
	}
	if a.ThreadID != nil {
		attrs = append(attrs, "thread_id", *a.ThreadID)
	}
	if a.NodeID != nil {
		attrs = append(attrs, "node_id", *a.NodeID)
	}
	return attrs
}

const webhookTimeout = 10 * time.Second

// WebhookAlerter POSTs alerts as JSON and also logs them.
type WebhookAlerter struct {
	url        string
	httpClient *http.Client
	log        *LogAlerter
	sent       telemetry.Counter
}

// NewWebhookAlerter creates an alerter that posts to url.
func NewWebhookAlerter(url string, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        &LogAlerter{logger: logger},
		sent:       telemetry.NewCounter("jarvis/alert", "jarvis.alerts", "Operator alerts raised"),
	}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	w.log.Alert(ctx, a)
	w.sent.Add(ctx, 1, "subject", a.Subject)
	if err := w.post(context.WithoutCancel(ctx), a); err != nil {
		w.log.logger.Warn("alert: webhook delivery failed", "error", err)
	}
}

func (w *WebhookAlerter) post(ctx context.Context, a Alert) error {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("alert: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
