package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Ensure Queue implements JobQueue
var _ driven.JobQueue = (*Queue)(nil)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultClaimTimeout = 45 * time.Minute
)

// Queue implements JobQueue on the job_queue table with SKIP LOCKED so
// concurrent workers never claim the same row. This is the fallback queue
// when Redis is not configured.
type Queue struct {
	db           *sql.DB
	pollInterval time.Duration
	claimTimeout time.Duration
}

// Option configures the queue.
type Option func(*Queue)

// WithPollInterval sets how often an empty queue is polled while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithClaimTimeout sets how long a claimed job may stay unacked before
// another worker may take it. It must exceed the longest job timeout.
func WithClaimTimeout(d time.Duration) Option {
	return func(q *Queue) { q.claimTimeout = d }
}

// NewQueue creates a new PostgreSQL-backed job queue.
// Assumes the job_queue table has been created by the schema.
func NewQueue(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, pollInterval: defaultPollInterval, claimTimeout: defaultClaimTimeout}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job, held until its ScheduledFor time
func (q *Queue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	availableAt := job.ScheduledFor
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	query := `
		INSERT INTO job_queue (job_id, payload, status, available_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (job_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			status = 'pending',
			available_at = EXCLUDED.available_at,
			claimed_at = NULL
	`
	if _, err := q.db.ExecContext(ctx, query, job.ID, payload, availableAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DequeueWithTimeout claims the next due job, polling until timeout
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.SyncJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.claim(ctx)
		if err != nil || job != nil {
			return job, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		wait := min(q.pollInterval, time.Until(deadline))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*domain.SyncJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Jobs claimed longer ago than the claim timeout belong to a dead worker.
	selectQuery := `
		SELECT job_id, payload
		FROM job_queue
		WHERE (status = 'pending' AND available_at <= NOW())
		   OR (status = 'processing' AND claimed_at < NOW() - make_interval(secs => $1))
		ORDER BY available_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var id string
	var payload []byte
	err = tx.QueryRowContext(ctx, selectQuery, q.claimTimeout.Seconds()).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job_queue SET status = 'processing', claimed_at = NOW() WHERE job_id = $1`, id); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	var job domain.SyncJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Ack removes a processed job
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack releases a claimed job to be retried after delay
func (q *Queue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'pending', available_at = $2, claimed_at = NULL
		WHERE job_id = $1`, jobID, time.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("nack job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending' AND available_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'pending' AND available_at > NOW()),
			COUNT(*) FILTER (WHERE status = 'processing')
		FROM job_queue
	`
	var stats driven.QueueStats
	if err := q.db.QueryRowContext(ctx, query).Scan(&stats.PendingCount, &stats.ScheduledCount, &stats.ProcessingCount); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}

// Ping checks if the queue backend is healthy
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close is a no-op; the pool is shared with the stores.
func (q *Queue) Close() error {
	return nil
}
