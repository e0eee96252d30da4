// Package sweeper reconciles jobs that exhausted their attempt budget.
//
// A job lands in the failed state only when its worker crashed (or its lease
// expired) on every attempt, so no handler ran its own error path. The
// sweeper does that on its behalf: it terminates the thread or run the job
// belonged to, alerts, and removes the job so its dedup key is free again.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jarvis/internal/alert"
	"github.com/ashita-ai/jarvis/internal/queue"
	"github.com/ashita-ai/jarvis/internal/telemetry"
)

// Jobs lists and removes failed jobs.
type Jobs interface {
	ListFailed(ctx context.Context, limit int) ([]queue.Job, error)
	Remove(ctx context.Context, id int64) error
}

// Terminator ends the owners of failed jobs.
type Terminator interface {
	EndThread(ctx context.Context, runID, threadID uuid.UUID, errMsg string) error
	FailRun(ctx context.Context, runID uuid.UUID, msg string) error
}

// batchSize bounds the failed jobs handled in one pass.
const batchSize = 100

// Sweeper periodically reconciles failed jobs.
type Sweeper struct {
	jobs     Jobs
	owners   Terminator
	alerter  alert.Alerter
	interval time.Duration
	logger   *slog.Logger
	swept    telemetry.Counter
}

// New creates a sweeper. A non-positive interval defaults to two minutes.
func New(jobs Jobs, owners Terminator, alerter alert.Alerter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	return &Sweeper{
		jobs:     jobs,
		owners:   owners,
		alerter:  alerter,
		interval: interval,
		logger:   logger,
		swept:    telemetry.NewCounter("jarvis/sweeper", "jarvis.sweeper.jobs", "Failed jobs reconciled by the sweeper"),
	}
}

// Start runs a pass every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweeper: pass failed", "error", err)
			}
		}
	}
}

// scopeKind is what a failed job's owner is.
type scopeKind int

const (
	scopeThread scopeKind = iota
	scopeRun
	scopeFlow
)

func kindOf(name string) scopeKind {
	switch name {
	case queue.JobPickNode, queue.JobSchedulePickNode:
		return scopeRun
	case queue.JobCreateRun, queue.JobTaskCreator:
		return scopeFlow
	default:
		return scopeThread
	}
}

// Sweep handles one batch of failed jobs and returns how many were removed.
// A job whose owner could not be terminated is kept for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	failed, err := s.jobs.ListFailed(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list failed: %w", err)
	}
	removed := 0
	var errs []error
	for _, job := range failed {
		if err := s.reconcile(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("sweeper: job %d (%s): %w", job.ID, job.Name, err))
			continue
		}
		if err := s.jobs.Remove(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("sweeper: remove job %d: %w", job.ID, err))
			continue
		}
		removed++
		s.swept.Add(ctx, 1, "job", job.Name)
	}
	return removed, errors.Join(errs...)
}

func (s *Sweeper) reconcile(ctx context.Context, job queue.Job) error {
	msg := fmt.Sprintf("job %s failed: %s", job.Name, job.LastError)
	scope, err := queue.ParseScope(job.Payload)
	if err != nil {
		s.logger.Error("sweeper: unreadable payload", "job", job.Name, "job_id", job.JobID, "error", err)
		s.alerter.Alert(ctx, alert.Alert{Subject: "failed job with unreadable payload", Message: msg})
		return nil
	}

	s.logger.Warn("sweeper: reconciling failed job", "job", job.Name, "job_id", job.JobID, "attempts", job.Attempts, "last_error", job.LastError)
	s.alerter.Alert(ctx, alert.Alert{
		Subject:  "job failed",
		Message:  msg,
		RunID:    scope.RunID,
		ThreadID: scope.ThreadID,
		NodeID:   scope.NodeID,
	})

	kind := kindOf(job.Name)
	switch {
	case kind == scopeFlow || scope.RunID == nil:
		return nil
	case kind == scopeThread && scope.ThreadID != nil:
		return s.owners.EndThread(ctx, *scope.RunID, *scope.ThreadID, msg)
	default:
		return s.owners.FailRun(ctx, *scope.RunID, msg)
	}
}
