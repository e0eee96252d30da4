package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jarvis/internal/telemetry"
)

// Start launches the worker pools and the stall-recovery loop. It is safe to
// call only once; subsequent calls are no-ops and log a warning.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		q.logger.Warn("queue: Start called more than once, ignoring")
		return
	}
	q.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	// Handlers keep running after the loops stop so in-flight jobs can
	// finish during Drain; abortJobs cancels them if the drain deadline hits.
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	q.abortJobs = abort

	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.topics {
		for range t.concurrency {
			q.wg.Add(1)
			go q.work(loopCtx, jobCtx, t)
		}
		q.logger.Info("queue: workers started", "queue", t.queue, "job", t.name, "concurrency", t.concurrency)
	}
	q.wg.Add(1)
	go q.maintain(loopCtx)
}

// Drain stops claiming new jobs and blocks until in-flight handlers return
// or ctx expires, in which case their contexts are cancelled.
func (q *Queue) Drain(ctx context.Context) {
	if !q.started.Load() {
		return
	}
	q.cancelLoop()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("queue: drain timed out, cancelling in-flight jobs")
		q.abortJobs()
		<-done
	}
	q.abortJobs()
}

// wake nudges idle workers of a topic. Non-blocking.
func (q *Queue) wake(queueName, name string) {
	q.mu.RLock()
	t, ok := q.topics[topicKey{queueName, name}]
	q.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work(loopCtx, jobCtx context.Context, t *topic) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		for loopCtx.Err() == nil && q.runOne(loopCtx, jobCtx, t) {
		}
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		case <-t.wake:
		}
	}
}

// runOne claims and processes a single job. It reports whether a job was
// found so the caller keeps draining the topic.
func (q *Queue) runOne(loopCtx, jobCtx context.Context, t *topic) bool {
	job, err := q.claim(loopCtx, t)
	if err != nil {
		if loopCtx.Err() == nil {
			q.logger.Error("queue: claim", "job", t.name, "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	ctx, span := telemetry.Tracer("jarvis/queue").Start(jobCtx, "job "+job.Name,
		trace.WithAttributes(
			attribute.String("jarvis.queue", job.Queue),
			attribute.String("jarvis.job", job.Name),
			attribute.Int("jarvis.job.attempt", job.Attempts),
		))
	defer span.End()

	stopHeartbeat := q.heartbeat(ctx, job)
	herr := q.invoke(ctx, t.handler, *job)
	stopHeartbeat()

	// Acknowledge on a context that survives a drain deadline long enough
	// to record the outcome.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		q.logger.Warn("queue: job failed",
			"queue", job.Queue, "job", job.Name, "job_id", job.JobID,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", herr)
		if err := q.fail(ackCtx, job, herr); err != nil {
			q.logger.Error("queue: record failure", "job", job.Name, "error", err)
		}
		return true
	}
	if err := q.ack(ackCtx, job); err != nil {
		q.logger.Error("queue: ack", "job", job.Name, "error", err)
	}
	return true
}

// invoke runs the handler, converting a panic into an error.
func (q *Queue) invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue: handler panic", "job", job.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// heartbeat extends the job's lease at a third of the lease period until the
// returned stop function is called.
func (q *Queue) heartbeat(ctx context.Context, job *Job) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.opts.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := q.extendLease(hbCtx, job); err != nil && hbCtx.Err() == nil {
					q.logger.Warn("queue: extend lease", "job", job.Name, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// maintain periodically recovers stalled jobs.
func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(max(q.opts.PollInterval, q.opts.Lease/10))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("queue: recover stalled", "error", err)
				}
				continue
			}
			if n > 0 {
				q.logger.Warn("queue: recovered stalled jobs", "count", n)
			}
		}
	}
}

// registerMetrics registers an observable gauge of stored jobs per state.
func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("jarvis/queue")
	_, _ = meter.Int64ObservableGauge("jarvis.queue.jobs",
		metric.WithDescription("Number of stored jobs by state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := q.Counts(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}),
	)
}
