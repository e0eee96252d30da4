// Package queue implements a durable, Postgres-backed job queue with named
// queues, per-topic worker pools, jobId deduplication, delayed jobs, lease
// based stall recovery and an attempt budget.
//
// A job's identity for deduplication is (queue, job_id). Completed jobs are
// deleted, so a job_id can be reused once its job has been acknowledged. A
// job whose lease expires while active returns to waiting if it has attempts
// left and is moved to failed otherwise; failed jobs stay until removed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/jarvis/internal/storage"
)

// State is the lifecycle state of a stored job.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// Job is a claimed or listed queue row.
type Job struct {
	ID          int64
	Queue       string
	Name        string
	JobID       string
	Payload     json.RawMessage
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	State       State
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", j.Name, err)
	}
	return nil
}

// Spec describes a job to enqueue.
type Spec struct {
	Queue    string
	Name     string
	Payload  any
	Delay    time.Duration
	JobID    string // Optional dedup key, unique per queue while the job exists.
	Attempts int    // Zero means DefaultAttempts.
}

// Handler processes one job. A returned error (or panic) consumes an attempt.
type Handler func(ctx context.Context, job Job) error

// Options tune polling and leasing.
type Options struct {
	PollInterval time.Duration
	Lease        time.Duration
	Concurrency  int // Overrides DefaultConcurrency for every topic when positive.
}

type topicKey struct{ queue, name string }

type topic struct {
	queue       string
	name        string
	handler     Handler
	concurrency int
	wake        chan struct{}
}

// Queue is the job queue. Register handlers, then Start; Enqueue may be
// called at any time.
type Queue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	opts   Options

	mu     sync.RWMutex
	topics map[topicKey]*topic

	started    atomic.Bool
	cancelLoop context.CancelFunc
	abortJobs  context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue over the jobs table reachable through pool.
func New(pool *pgxpool.Pool, logger *slog.Logger, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	return &Queue{
		pool:   pool,
		logger: logger,
		opts:   opts,
		topics: make(map[topicKey]*topic),
	}
}

// Register installs the handler for a job name on a queue. It must be called
// before Start.
func (q *Queue) Register(queueName, name string, h Handler) {
	n := DefaultConcurrency(name)
	if q.opts.Concurrency > 0 {
		n = q.opts.Concurrency
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.topics[topicKey{queueName, name}] = &topic{
		queue:       queueName,
		name:        name,
		handler:     h,
		concurrency: n,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue stores a job. It reports false when a job with the same JobID
// already exists in the queue.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (bool, error) {
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return false, fmt.Errorf("queue: marshal %s payload: %w", spec.Name, err)
	}
	attempts := spec.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var jobID *string
	if spec.JobID != "" {
		jobID = &spec.JobID
	}

	tag, err := q.pool.Exec(ctx,
		`INSERT INTO jobs (queue, name, job_id, payload, run_at, max_attempts)
		 VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5), $6)
		 ON CONFLICT (queue, job_id) DO NOTHING`,
		spec.Queue, spec.Name, jobID, payload, spec.Delay.Seconds(), attempts,
	)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", spec.Name, err)
	}
	if tag.RowsAffected() == 0 {
		q.logger.Debug("queue: duplicate job id, skipped", "job", spec.Name, "job_id", spec.JobID)
		return false, nil
	}
	if spec.Delay <= 0 {
		if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
			storage.ChannelJobs, spec.Queue+":"+spec.Name); err != nil {
			q.logger.Warn("queue: notify", "job", spec.Name, "error", err)
		}
	}
	return true, nil
}

const jobColumns = `id, queue, name, COALESCE(job_id, ''), payload, run_at, attempts, max_attempts,
	state, last_error, created_at, updated_at`

func scanJob(row pgx.CollectableRow) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.JobID, &j.Payload, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.State, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// claim leases the oldest runnable job of a topic. It returns nil when none
// is runnable.
func (q *Queue) claim(ctx context.Context, t *topic) (*Job, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE jobs
		 SET state = 'active', attempts = attempts + 1,
		     locked_until = now() + make_interval(secs => $3), updated_at = now()
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE queue = $1 AND name = $2 AND state = 'waiting' AND run_at <= now()
		     ORDER BY run_at, id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		t.queue, t.name, q.opts.Lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", t.name, err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("queue: scan claimed %s: %w", t.name, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ack deletes a completed job.
func (q *Queue) ack(ctx context.Context, j *Job) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID); err != nil {
		return fmt.Errorf("queue: ack %s: %w", j.Name, err)
	}
	return nil
}

// retryBackoff is the delay before a failed attempt is retried.
func retryBackoff(attempts int) time.Duration {
	d := time.Second << min(attempts, 8)
	return min(d, time.Minute)
}

// fail records a failed attempt: the job returns to waiting while attempts
// remain and moves to failed otherwise.
func (q *Queue) fail(ctx context.Context, j *Job, cause error) error {
	if _, err := q.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = CASE WHEN attempts < max_attempts THEN 'waiting' ELSE 'failed' END,
		     run_at = now() + make_interval(secs => $2),
		     locked_until = NULL, last_error = $3, updated_at = now()
		 WHERE id = $1`,
		j.ID, retryBackoff(j.Attempts).Seconds(), cause.Error(),
	); err != nil {
		return fmt.Errorf("queue: fail %s: %w", j.Name, err)
	}
	return nil
}

// extendLease pushes the lease of an active job forward.
func (q *Queue) extendLease(ctx context.Context, j *Job) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET locked_until = now() + make_interval(secs => $2)
		 WHERE id = $1 AND state = 'active'`, j.ID, q.opts.Lease.Seconds())
	return err
}

const stalledError = "job stalled: lease expired while active"

// RecoverStalled returns jobs whose lease expired to waiting, or to failed
// when their attempt budget is spent. It returns the number of jobs moved.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = CASE WHEN attempts < max_attempts THEN 'waiting' ELSE 'failed' END,
		     locked_until = NULL, last_error = $1, updated_at = now()
		 WHERE state = 'active' AND locked_until < now()`, stalledError)
	if err != nil {
		return 0, fmt.Errorf("queue: recover stalled: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailed returns up to limit failed jobs, oldest first.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = 'failed' ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("queue: scan failed jobs: %w", err)
	}
	return jobs, nil
}

// Remove deletes a job by row ID.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("queue: remove job %d: %w", id, err)
	}
	return nil
}

// Counts returns the number of stored jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue: count jobs: %w", err)
	}
	defer rows.Close()
	out := map[State]int64{StateWaiting: 0, StateActive: 0, StateFailed: 0}
	for rows.Next() {
		var (
			s State
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("queue: scan counts: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}
