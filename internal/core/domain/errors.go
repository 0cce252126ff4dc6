package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrSyncInProgress indicates a sync is already running
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConnectorNotFound indicates no connector is registered for the provider
	ErrConnectorNotFound = errors.New("connector not found")

	// ErrCheckpointConflict indicates a checkpoint CAS lost against another writer
	ErrCheckpointConflict = errors.New("checkpoint version conflict")

	// ErrCursorInvalid indicates the provider rejected a delta cursor
	ErrCursorInvalid = errors.New("cursor invalid")

	// ErrConnectionHalted indicates the connection is in error or revoked state
	ErrConnectionHalted = errors.New("connection halted")

	// ErrLeaseUnsupported indicates the provider has no push subscriptions
	ErrLeaseUnsupported = errors.New("webhook lease unsupported")

	// ErrJobFinalized indicates an attempt to modify a terminal sync job
	ErrJobFinalized = errors.New("sync job already finalized")

	// ErrTokenInvalid indicates a client state token or provider credential is malformed, expired or invalid
	ErrTokenInvalid = errors.New("token invalid")

	// ErrServiceUnavailable indicates a downstream service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrWriteUnrecorded indicates a failed document write that neither the
	// retry queue nor the stale ledger could record
	ErrWriteUnrecorded = errors.New("failed write not recorded")
)

// ErrorKind is the stable classification surfaced in job status.
type ErrorKind string

const (
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindThrottled     ErrorKind = "throttled"
	ErrorKindCursorInvalid ErrorKind = "cursor_invalid"
	ErrorKindPartialWrite  ErrorKind = "partial_write"
	ErrorKindAuth          ErrorKind = "auth"
	ErrorKindInvariant     ErrorKind = "invariant"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindInternal      ErrorKind = "internal"
)

// Retryable reports whether a job failing with this kind may be retried automatically.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAuth, ErrorKindInvariant:
		return false
	default:
		return true
	}
}

// SyncError is a classified error. Message is safe to expose in job status;
// Err carries the underlying cause for logs only.
type SyncError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error

	// RetryAfter is the provider's retry hint for throttled errors
	RetryAfter time.Duration
}

// NewSyncError creates a classified error.
func NewSyncError(kind ErrorKind, op, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Throttled builds a throttled error carrying the provider's retry hint.
func Throttled(op string, retryAfter time.Duration) *SyncError {
	return &SyncError{
		Kind:       ErrorKindThrottled,
		Op:         op,
		Message:    "provider throttled the request",
		RetryAfter: retryAfter,
	}
}

// RetryAfterOf returns the retry hint of a throttled error, or zero.
func RetryAfterOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) && se.Kind == ErrorKindThrottled {
		return se.RetryAfter
	}
	return 0
}

// KindOf classifies an arbitrary error. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrCursorInvalid):
		return ErrorKindCursorInvalid
	case errors.Is(err, ErrCheckpointConflict):
		return ErrorKindInvariant
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrServiceUnavailable):
		return ErrorKindTransient
	}
	return ErrorKindInternal
}

// MessageOf returns the status-safe message of an error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Message
	}
	switch KindOf(err) {
	case ErrorKindTimeout:
		return "job deadline exceeded"
	case ErrorKindCursorInvalid:
		return "delta cursor rejected by provider"
	case ErrorKindInvariant:
		return "checkpoint modified concurrently"
	case ErrorKindTransient:
		return "downstream service unavailable"
	}
	return "internal error"
}
