// Package queue is Conductor's durable job queue: four named queues with
// delayed delivery, caller-supplied dedup keys, exponential backoff retries,
// and bounded-concurrency consumers (spec §4.3). It generalises the
// teacher's cursor client retry loop (doRequest's exponential backoff over a
// single HTTP call) to retrying one durable job delivery at a time, backed
// by a Postgres claim table instead of an in-process counter.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/conductor-dev/conductor/internal/store"
)

// Name identifies one of the four durable queues.
type Name string

const (
	Tasks         Name = "tasks"
	Subtasks      Name = "subtasks"
	Notifications Name = "notifications"
	CodeReview    Name = "code-review"
)

const (
	retryBaseDelay = 5 * time.Second
	retryCapDelay  = 60 * time.Second
	defaultMaxAttempts = 3
)

// ErrDuplicateJob is returned by Enqueue when jobID already exists; callers
// treat this as a no-op, not a failure (spec §4.3 dedup semantics).
var ErrDuplicateJob = errors.New("queue: duplicate job id")

// Job is one claimed unit of work.
type Job struct {
	ID          int64
	JobID       string
	Queue       Name
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

// ProgressFunc is the side channel a Handler may call to report
// {stage, message} without altering queue semantics (spec §4.3).
type ProgressFunc func(stage, message string)

// Handler processes one job's payload. Returning an error triggers the
// retry policy; exhausting retries surfaces as a permanent failure the
// caller (typically the Task Processor) must react to.
type Handler func(ctx context.Context, job Job, progress ProgressFunc) error

// Queue is a Postgres-backed durable job queue.
type Queue struct {
	db     *sqlx.DB
	log    zerolog.Logger
}

// New wraps an existing database handle. Queue does not own the connection
// pool's lifecycle.
func New(db *sqlx.DB, log zerolog.Logger) *Queue {
	return &Queue{db: db, log: log.With().Str("component", "queue").Logger()}
}

// Enqueue inserts a job with the given dedup key, queue, and payload,
// available for delivery at availableAt. If jobID already exists the
// enqueue is a no-op and ErrDuplicateJob is returned so callers can choose
// to ignore it.
func (q *Queue) Enqueue(ctx context.Context, jobID string, queueName Name, payload interface{}, availableAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "queue: failed to marshal payload")
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, queue, payload, max_attempts, available_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, string(queueName), raw, defaultMaxAttempts, availableAt,
	)
	if err != nil {
		return errors.Wrap(err, "queue: failed to enqueue job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "queue: failed to read rows affected")
	}
	if n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

// EnqueueNow is a convenience wrapper for immediate delivery.
func (q *Queue) EnqueueNow(ctx context.Context, jobID string, queueName Name, payload interface{}) error {
	return q.Enqueue(ctx, jobID, queueName, payload, time.Now())
}

// claim atomically pops the oldest available job on queueName using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent consumers never contend
// on the same row.
func (q *Queue) claim(ctx context.Context, queueName Name) (*Job, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "queue: failed to begin claim transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var row struct {
		ID          int64           `db:"id"`
		JobID       string          `db:"job_id"`
		Payload     json.RawMessage `db:"payload"`
		Attempts    int             `db:"attempts"`
		MaxAttempts int             `db:"max_attempts"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT id, job_id, payload, attempts, max_attempts FROM jobs
		WHERE queue = $1 AND status = 'queued' AND available_at <= now()
		ORDER BY available_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, string(queueName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue: failed to claim job")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "queue: failed to mark job running")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "queue: failed to commit claim")
	}

	return &Job{
		ID:          row.ID,
		JobID:       row.JobID,
		Queue:       queueName,
		Payload:     row.Payload,
		Attempts:    row.Attempts + 1,
		MaxAttempts: row.MaxAttempts,
	}, nil
}

func (q *Queue) markDone(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, id)
	return errors.Wrap(err, "queue: failed to mark job done")
}

// backoffDelay is retryBaseDelay * 2^(attempt-1), capped at retryCapDelay,
// mirroring the cursor client's doRequest retry math.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > retryCapDelay {
		return retryCapDelay
	}
	return d
}

func (q *Queue) handleFailure(ctx context.Context, job *Job, handlerErr error) error {
	if job.Attempts >= job.MaxAttempts || errors.Is(handlerErr, store.ErrInvalidTransition) {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', last_error = $1, updated_at = now() WHERE id = $2`,
			handlerErr.Error(), job.ID)
		return errors.Wrap(err, "queue: failed to mark job permanently failed")
	}

	nextAt := time.Now().Add(backoffDelay(job.Attempts))
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', available_at = $1, last_error = $2, updated_at = now()
		WHERE id = $3`, nextAt, handlerErr.Error(), job.ID)
	return errors.Wrap(err, "queue: failed to reschedule job")
}

// Consumer runs Handler against queueName with bounded concurrency until ctx
// is cancelled.
type Consumer struct {
	queue       *Queue
	queueName   Name
	handler     Handler
	concurrency int64
	pollInterval time.Duration
}

// NewConsumer builds a consumer with the given bounded concurrency (spec
// §4.3: tasks=2, subtasks=configured maxParallel, notifications=5).
func NewConsumer(q *Queue, queueName Name, concurrency int, handler Handler) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		queue:        q,
		queueName:    queueName,
		handler:      handler,
		concurrency:  int64(concurrency),
		pollInterval: time.Second,
	}
}

// Run blocks, dispatching claimed jobs to the handler on a bounded
// goroutine pool, until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(c.concurrency)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sem.TryAcquire(1) {
				break
			}
			job, err := c.queue.claim(ctx, c.queueName)
			if err != nil {
				sem.Release(1)
				c.queue.log.Error().Err(err).Str("queue", string(c.queueName)).Msg("failed to claim job")
				break
			}
			if job == nil {
				sem.Release(1)
				break
			}

			go func(j *Job) {
				defer sem.Release(1)
				c.process(ctx, j)
			}(job)
		}
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	progress := func(stage, message string) {
		c.queue.log.Debug().
			Str("queue", string(c.queueName)).
			Str("job_id", job.JobID).
			Str("stage", stage).
			Str("message", message).
			Msg("job progress")
	}

	err := c.handler(ctx, *job, progress)
	if err != nil {
		if failErr := c.queue.handleFailure(ctx, job, err); failErr != nil {
			c.queue.log.Error().Err(failErr).Msg("failed to record job failure")
		}
		return
	}
	if err := c.queue.markDone(ctx, job.ID); err != nil {
		c.queue.log.Error().Err(err).Msg("failed to mark job done")
	}
}

// ReclaimStuck requeues jobs left in 'running' for longer than olderThan,
// the janitor sweep for a worker that claimed a job and then crashed
// before marking it done or failed. It returns the number of jobs
// reclaimed.
func (q *Queue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = now()
		WHERE status = 'running' AND updated_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, errors.Wrap(err, "queue: failed to reclaim stuck jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "queue: failed to read rows affected")
	}
	return n, nil
}
