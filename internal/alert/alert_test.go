package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAlerterWritesFields(t *testing.T) {
	var buf bytes.Buffer
	a := New("", slog.New(slog.NewJSONHandler(&buf, nil)))

	run := uuid.New()
	a.Alert(context.Background(), Alert{Subject: "job failed", Message: "job pick-node failed: boom", RunID: &run})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "alert: job failed", rec["msg"])
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, run.String(), rec["run_id"])
}

func TestWebhookAlerterPosts(t *testing.T) {
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		got <- a
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	a := New(srv.URL, slog.New(slog.NewTextHandler(&buf, nil)))
	a.Alert(context.Background(), Alert{Subject: "limit", Message: "LLM call limit exceeded (node: 51/50)"})

	received := <-got
	assert.Equal(t, "limit", received.Subject)
	assert.False(t, received.Time.IsZero())
	assert.Contains(t, buf.String(), "alert: limit")
}

func TestWebhookAlerterSurvivesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	a := NewWebhookAlerter(srv.URL, slog.New(slog.NewTextHandler(&buf, nil)))
	a.Alert(context.Background(), Alert{Subject: "x"})
	assert.Contains(t, buf.String(), "webhook delivery failed")
	assert.Contains(t, buf.String(), "status 500")
}
