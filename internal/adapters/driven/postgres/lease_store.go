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
var _ driven.LeaseStore = (*LeaseStore)(nil)

// LeaseStore implements driven.LeaseStore using PostgreSQL
type LeaseStore struct {
	db *DB
}

// NewLeaseStore creates a new LeaseStore
func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

const leaseColumns = `connection_id, subscription_id, resource, expires_at, renewed_at,
	renewal_attempts, last_known_good, lapsed`

// Save creates or updates a lease
func (s *LeaseStore) Save(ctx context.Context, lease *domain.WebhookLease) error {
	query := `
		INSERT INTO webhook_leases (` + leaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			resource = EXCLUDED.resource,
			expires_at = EXCLUDED.expires_at,
			renewed_at = EXCLUDED.renewed_at,
			renewal_attempts = EXCLUDED.renewal_attempts,
			last_known_good = EXCLUDED.last_known_good,
			lapsed = EXCLUDED.lapsed
	`
	_, err := s.db.ExecContext(ctx, query,
		lease.ConnectionID,
		lease.SubscriptionID,
		lease.Resource,
		lease.ExpiresAt,
		lease.RenewedAt,
		lease.RenewalAttempts,
		lease.LastKnownGood,
		lease.Lapsed,
	)
	if err != nil {
		return fmt.Errorf("save lease: %w", err)
	}
	return nil
}

// Get retrieves the lease of a connection
func (s *LeaseStore) Get(ctx context.Context, connectionID string) (*domain.WebhookLease, error) {
	lease, err := scanLease(s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM webhook_leases WHERE connection_id = $1`, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return lease, nil
}

// Delete removes the lease of a connection
func (s *LeaseStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_leases WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// List returns every lease, soonest expiry first
func (s *LeaseStore) List(ctx context.Context) ([]*domain.WebhookLease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+leaseColumns+` FROM webhook_leases ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var leases []*domain.WebhookLease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

func scanLease(row rowScanner) (*domain.WebhookLease, error) {
	var l domain.WebhookLease
	err := row.Scan(
		&l.ConnectionID,
		&l.SubscriptionID,
		&l.Resource,
		&l.ExpiresAt,
		&l.RenewedAt,
		&l.RenewalAttempts,
		&l.LastKnownGood,
		&l.Lapsed,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
