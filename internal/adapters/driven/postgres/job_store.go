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

// Verify interface compliance
var _ driven.JobStore = (*JobStore)(nil)

// JobStore implements the append-only sync job audit log. The partial
// unique index on active jobs backs the single-flight guarantee even when
// two engine instances race.
type JobStore struct {
	db *DB
}

// NewJobStore creates a new JobStore
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, connection_id, tenant_id, seq, kind, status, attempt, staleness_window_ms,
	timeout_ms, documents_processed, documents_failed, errors, failure_kind, failure_message,
	created_at, scheduled_for, started_at, completed_at`

// CreateIfIdle inserts job unless the connection already has an active job
func (s *JobStore) CreateIfIdle(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, bool, error) {
	var existing *domain.SyncJob
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Serialize creators of one connection so seq stays gap free.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('evergreen:jobs:' || $1))`, job.ConnectionID); err != nil {
			return fmt.Errorf("lock connection jobs: %w", err)
		}

		active, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM sync_jobs WHERE connection_id = $1 AND status IN ('queued', 'running')`,
			job.ConnectionID))
		if err == nil {
			existing = active
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find active job: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_jobs WHERE connection_id = $1`,
			job.ConnectionID).Scan(&seq); err != nil {
			return fmt.Errorf("next job seq: %w", err)
		}
		job.Seq = seq

		errs, err := json.Marshal(jobErrors(job.Errors))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			job.ID,
			job.ConnectionID,
			job.TenantID,
			job.Seq,
			string(job.Kind),
			string(job.Status),
			job.Attempt,
			job.StalenessWindow.Milliseconds(),
			job.Timeout.Milliseconds(),
			job.DocumentsProcessed,
			job.DocumentsFailed,
			errs,
			string(job.FailureKind),
			job.FailureMessage,
			job.CreatedAt,
			job.ScheduledFor,
			NullTime(job.StartedAt),
			NullTime(job.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err) {
		active, aerr := s.Active(ctx, job.ConnectionID)
		if aerr != nil {
			return nil, false, aerr
		}
		return active, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return job, true, nil
}

// Get retrieves a job by ID
func (s *JobStore) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update persists progress or the terminal transition of an active job
func (s *JobStore) Update(ctx context.Context, job *domain.SyncJob) error {
	errs, err := json.Marshal(jobErrors(job.Errors))
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_jobs SET
			status = $2,
			documents_processed = $3,
			documents_failed = $4,
			errors = $5,
			failure_kind = $6,
			failure_message = $7,
			started_at = $8,
			completed_at = $9
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.DocumentsProcessed,
		job.DocumentsFailed,
		errs,
		string(job.FailureKind),
		job.FailureMessage,
		NullTime(job.StartedAt),
		NullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists {
		return domain.ErrJobFinalized
	}
	return domain.ErrNotFound
}

// Active returns the queued or running job of a connection
func (s *JobStore) Active(ctx context.Context, connectionID string) (*domain.SyncJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE connection_id = $1 AND status IN ('queued', 'running')`,
		connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// LastTerminal returns the most recent finished job of a connection
func (s *JobStore) LastTerminal(ctx context.Context, connectionID string) (*domain.SyncJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE connection_id = $1 AND status IN ('succeeded', 'failed')
		ORDER BY seq DESC
		LIMIT 1`, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last job: %w", err)
	}
	return job, nil
}

// List returns the jobs of a connection newest first
func (s *JobStore) List(ctx context.Context, connectionID string, limit int) ([]*domain.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE connection_id = $1 ORDER BY seq DESC`
	args := []any{connectionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.SyncJob, error) {
	var job domain.SyncJob
	var stalenessMS, timeoutMS int64
	var errs []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.ConnectionID,
		&job.TenantID,
		&job.Seq,
		&job.Kind,
		&job.Status,
		&job.Attempt,
		&stalenessMS,
		&timeoutMS,
		&job.DocumentsProcessed,
		&job.DocumentsFailed,
		&errs,
		&job.FailureKind,
		&job.FailureMessage,
		&job.CreatedAt,
		&job.ScheduledFor,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.StalenessWindow = time.Duration(stalenessMS) * time.Millisecond
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	job.StartedAt = TimePtr(startedAt)
	job.CompletedAt = TimePtr(completedAt)
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors: %w", err)
		}
	}
	return &job, nil
}

// jobErrors keeps the column non-null.
func jobErrors(errs []domain.JobError) []domain.JobError {
	if errs == nil {
		return []domain.JobError{}
	}
	return errs
}
