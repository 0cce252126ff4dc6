package domain

import "time"

// CursorKind describes what a stored cursor can resume
type CursorKind string

const (
	CursorKindNone           CursorKind = "none"
	CursorKindFullInProgress CursorKind = "full_in_progress"
	CursorKindDelta          CursorKind = "delta"
)

// SyncCheckpoint is the durable resume point for one connection.
// Version increases by one on every write; zero means no checkpoint exists.
type SyncCheckpoint struct {
	ConnectionID  string     `json:"connection_id"`
	Cursor        string     `json:"cursor,omitempty"`
	CursorKind    CursorKind `json:"cursor_kind"`
	Version       int64      `json:"version"`
	LastAppliedAt time.Time  `json:"last_applied_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasDeltaCursor reports whether the checkpoint can resume incrementally.
func (c *SyncCheckpoint) HasDeltaCursor() bool {
	return c != nil && c.CursorKind == CursorKindDelta && c.Cursor != ""
}

// ReconcilerState is the per-connection sync state machine position
type ReconcilerState string

const (
	ReconcilerIdle    ReconcilerState = "idle"
	ReconcilerSyncing ReconcilerState = "syncing"
	ReconcilerIndexed ReconcilerState = "indexed"
	ReconcilerError   ReconcilerState = "error"
)

// CanTransition reports whether the state machine allows from -> to.
func (s ReconcilerState) CanTransition(to ReconcilerState) bool {
	switch s {
	case ReconcilerIdle, ReconcilerIndexed:
		return to == ReconcilerSyncing
	case ReconcilerSyncing:
		return to == ReconcilerIndexed || to == ReconcilerError
	case ReconcilerError:
		return to == ReconcilerIdle
	}
	return false
}
