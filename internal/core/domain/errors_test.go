package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrAlreadyExists", ErrAlreadyExists, "already exists"},
		{"ErrInvalidInput", ErrInvalidInput, "invalid input"},
		{"ErrSyncInProgress", ErrSyncInProgress, "sync already in progress"},
		{"ErrConnectorNotFound", ErrConnectorNotFound, "connector not found"},
		{"ErrCheckpointConflict", ErrCheckpointConflict, "checkpoint version conflict"},
		{"ErrCursorInvalid", ErrCursorInvalid, "cursor invalid"},
		{"ErrConnectionHalted", ErrConnectionHalted, "connection halted"},
		{"ErrLeaseUnsupported", ErrLeaseUnsupported, "webhook lease unsupported"},
		{"ErrJobFinalized", ErrJobFinalized, "sync job already finalized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.msg {
				t.Errorf("expected %q, got %q", tt.msg, tt.err.Error())
			}
		})
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	allErrors := []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrInvalidInput,
		ErrSyncInProgress,
		ErrConnectorNotFound,
		ErrCheckpointConflict,
		ErrCursorInvalid,
		ErrConnectionHalted,
		ErrLeaseUnsupported,
		ErrJobFinalized,
		ErrTokenInvalid,
		ErrServiceUnavailable,
	}

	for i, err1 := range allErrors {
		for j, err2 := range allErrors {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("errors should be distinct: %v and %v", err1, err2)
			}
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"classified", NewSyncError(ErrorKindAuth, "fetch", "token revoked", nil), ErrorKindAuth},
		{"wrapped classified", fmt.Errorf("page 3: %w", NewSyncError(ErrorKindTransient, "fetch", "503", nil)), ErrorKindTransient},
		{"cursor sentinel", fmt.Errorf("delta: %w", ErrCursorInvalid), ErrorKindCursorInvalid},
		{"checkpoint conflict", ErrCheckpointConflict, ErrorKindInvariant},
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"unavailable", ErrServiceUnavailable, ErrorKindTransient},
		{"unknown", errors.New("boom"), ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMessageOfHidesCause(t *testing.T) {
	err := NewSyncError(ErrorKindTransient, "fetch", "provider unavailable", errors.New(`{"secret":"payload"}`))

	if got := MessageOf(err); got != "provider unavailable" {
		t.Errorf("expected safe message, got %q", got)
	}
	if got := MessageOf(errors.New(`raw body`)); got != "internal error" {
		t.Errorf("expected generic message, got %q", got)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	if ErrorKindAuth.Retryable() {
		t.Error("auth failures must not retry")
	}
	if ErrorKindInvariant.Retryable() {
		t.Error("invariant violations must not retry")
	}
	for _, k := range []ErrorKind{ErrorKindTransient, ErrorKindThrottled, ErrorKindTimeout, ErrorKindCursorInvalid} {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
}

func TestThrottled(t *testing.T) {
	err := fmt.Errorf("list: %w", Throttled("fetch_delta", 42*time.Second))

	if KindOf(err) != ErrorKindThrottled {
		t.Errorf("expected throttled, got %s", KindOf(err))
	}
	if RetryAfterOf(err) != 42*time.Second {
		t.Errorf("expected 42s hint, got %v", RetryAfterOf(err))
	}
	if RetryAfterOf(errors.New("x")) != 0 {
		t.Error("expected no hint for unclassified error")
	}
}
