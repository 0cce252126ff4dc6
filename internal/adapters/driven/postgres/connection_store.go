package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ConnectionStore = (*ConnectionStore)(nil)

// ConnectionStore implements driven.ConnectionStore using PostgreSQL
type ConnectionStore struct {
	db *DB
}

// NewConnectionStore creates a new ConnectionStore
func NewConnectionStore(db *DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `id, tenant_id, provider, credential_ref, status, last_error,
	consecutive_failures, last_sync_at, created_at, updated_at`

// Save creates or updates a connection
func (s *ConnectionStore) Save(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			credential_ref = EXCLUDED.credential_ref,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.TenantID,
		string(conn.Provider),
		conn.CredentialRef,
		string(conn.Status),
		conn.LastError,
		conn.ConsecutiveFailures,
		NullTime(conn.LastSyncAt),
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

// Get retrieves a connection by ID
func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// List retrieves connections, filtered by status when one is given
func (s *ConnectionStore) List(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	var conn domain.Connection
	var lastSyncAt sql.NullTime
	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.Provider,
		&conn.CredentialRef,
		&conn.Status,
		&conn.LastError,
		&conn.ConsecutiveFailures,
		&lastSyncAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conn.LastSyncAt = TimePtr(lastSyncAt)
	return &conn, nil
}
