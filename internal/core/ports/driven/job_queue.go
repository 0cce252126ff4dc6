package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// JobQueue hands sync jobs to workers.
// Implementations can use Redis (preferred) or Postgres (fallback).
// The JobStore stays the source of truth for job state; the queue only
// carries work items.
type JobQueue interface {
	// Enqueue adds a job. Jobs scheduled in the future are held until due.
	Enqueue(ctx context.Context, job *domain.SyncJob) error

	// DequeueWithTimeout retrieves the next due job, waiting up to timeout.
	// Returns nil, nil if timeout is reached with no jobs available.
	DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.SyncJob, error)

	// Ack removes a processed job from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a job to the queue to be retried after delay.
	Nack(ctx context.Context, jobID string, delay time.Duration) error

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// QueueStats contains queue statistics
type QueueStats struct {
	// PendingCount is the number of jobs waiting to be processed
	PendingCount int64 `json:"pending_count"`

	// ScheduledCount is the number of jobs held for a future time
	ScheduledCount int64 `json:"scheduled_count"`

	// ProcessingCount is the number of jobs currently claimed by workers
	ProcessingCount int64 `json:"processing_count"`
}
