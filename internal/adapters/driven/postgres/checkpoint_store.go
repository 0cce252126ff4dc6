package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore implements driven.CheckpointStore with a version column.
// A write only lands when the stored version still equals the version the
// writer read.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a new CheckpointStore
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Get retrieves the checkpoint of a connection
func (s *CheckpointStore) Get(ctx context.Context, connectionID string) (*domain.SyncCheckpoint, error) {
	query := `
		SELECT connection_id, cursor, cursor_kind, version, last_applied_at, updated_at
		FROM sync_checkpoints
		WHERE connection_id = $1
	`

	var cp domain.SyncCheckpoint
	err := s.db.QueryRowContext(ctx, query, connectionID).Scan(
		&cp.ConnectionID,
		&cp.Cursor,
		&cp.CursorKind,
		&cp.Version,
		&cp.LastAppliedAt,
		&cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// CompareAndSwap writes cp when the stored version equals expectedVersion.
// Expected version zero means the row must not exist yet.
func (s *CheckpointStore) CompareAndSwap(ctx context.Context, cp *domain.SyncCheckpoint, expectedVersion int64) (int64, error) {
	now := time.Now()
	lastApplied := cp.LastAppliedAt
	if lastApplied.IsZero() {
		lastApplied = now
	}

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO sync_checkpoints (connection_id, cursor, cursor_kind, version, last_applied_at, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5)
			ON CONFLICT (connection_id) DO NOTHING
			RETURNING version
		`
	} else {
		query = `
			UPDATE sync_checkpoints
			SET cursor = $2, cursor_kind = $3, version = version + 1, last_applied_at = $4, updated_at = $5
			WHERE connection_id = $1 AND version = $6
			RETURNING version
		`
	}

	args := []any{cp.ConnectionID, cp.Cursor, string(cp.CursorKind), lastApplied, now}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}

	var version int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrCheckpointConflict
	}
	if err != nil {
		return 0, fmt.Errorf("swap checkpoint: %w", err)
	}

	cp.Version = version
	cp.LastAppliedAt = lastApplied
	cp.UpdatedAt = now
	return version, nil
}

// Delete removes the checkpoint of a connection
func (s *CheckpointStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
