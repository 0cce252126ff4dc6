package domain

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	return uuid.NewString()
}

// JobKind identifies what a sync job fetches
type JobKind string

const (
	// JobKindFull re-enumerates the whole source
	JobKindFull JobKind = "full"
	// JobKindDelta resumes from the stored delta cursor
	JobKindDelta JobKind = "delta"
	// JobKindCatchUp recovers notifications missed while a webhook lease was lapsed
	JobKindCatchUp JobKind = "catch_up"
)

// JobStatus represents the current state of a sync job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// MaxJobErrors bounds the per-job error list
const MaxJobErrors = 20

// JobError is one recorded failure within a job
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	DocumentID string    `json:"document_id,omitempty"`
	At         time.Time `json:"at"`
}

// SyncJob is one execution of a sync for a connection. Jobs are immutable
// once terminal and form an append-only audit log keyed by (connection, seq).
type SyncJob struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	TenantID     string    `json:"tenant_id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`

	// Seq is the position in the connection's audit log, assigned by the store
	Seq int64 `json:"seq"`

	// Attempt is 1 for a fresh request and grows with each automatic retry
	Attempt int `json:"attempt"`

	// StalenessWindow bounds how far back a catch-up job looks
	StalenessWindow time.Duration `json:"staleness_window,omitempty"`

	// Timeout is the execution deadline relative to start
	Timeout time.Duration `json:"timeout"`

	DocumentsProcessed int        `json:"documents_processed"`
	DocumentsFailed    int        `json:"documents_failed"`
	Errors             []JobError `json:"errors,omitempty"`

	// FailureKind and FailureMessage describe why a failed job failed
	FailureKind    ErrorKind `json:"failure_kind,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewSyncJob creates a queued job with default values
func NewSyncJob(conn *Connection, kind JobKind, timeout time.Duration) *SyncJob {
	now := time.Now()
	return &SyncJob{
		ID:           GenerateID(),
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Kind:         kind,
		Status:       JobStatusQueued,
		Attempt:      1,
		Timeout:      timeout,
		CreatedAt:    now,
		ScheduledFor: now,
	}
}

// Terminal reports whether the job has finished.
func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// Active reports whether the job occupies the connection's single-flight slot.
func (j *SyncJob) Active() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

// Deadline returns the absolute deadline of a started job.
func (j *SyncJob) Deadline() time.Time {
	if j.StartedAt == nil || j.Timeout <= 0 {
		return time.Time{}
	}
	return j.StartedAt.Add(j.Timeout)
}

// MarkRunning updates the job to running state
func (j *SyncJob) MarkRunning() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// MarkSucceeded updates the job to succeeded state
func (j *SyncJob) MarkSucceeded() {
	now := time.Now()
	j.Status = JobStatusSucceeded
	j.CompletedAt = &now
}

// MarkFailed updates the job to failed state with a classified reason
func (j *SyncJob) MarkFailed(kind ErrorKind, message string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.FailureKind = kind
	j.FailureMessage = message
	j.AddError(JobError{Kind: kind, Message: message, At: now})
}

// AddError records an error, keeping at most MaxJobErrors entries.
func (j *SyncJob) AddError(e JobError) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if len(j.Errors) >= MaxJobErrors {
		return
	}
	j.Errors = append(j.Errors, e)
}

// NextAttempt creates the retry job that follows a failed job.
func (j *SyncJob) NextAttempt(delay time.Duration) *SyncJob {
	now := time.Now()
	return &SyncJob{
		ID:              GenerateID(),
		ConnectionID:    j.ConnectionID,
		TenantID:        j.TenantID,
		Kind:            j.Kind,
		Status:          JobStatusQueued,
		Attempt:         j.Attempt + 1,
		StalenessWindow: j.StalenessWindow,
		Timeout:         j.Timeout,
		CreatedAt:       now,
		ScheduledFor:    now.Add(delay),
	}
}

// SyncStatus is the externally visible view of a connection's sync state.
type SyncStatus struct {
	ConnectionID     string           `json:"connection_id"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	State            ReconcilerState  `json:"state"`
	LastJob          *SyncJob         `json:"last_job,omitempty"`
	ActiveJob        *SyncJob         `json:"active_job,omitempty"`
	CursorKind       CursorKind       `json:"cursor_kind"`
	LeaseExpiresAt   *time.Time       `json:"lease_expires_at,omitempty"`
	LeaseLapsed      bool             `json:"lease_lapsed"`
}
