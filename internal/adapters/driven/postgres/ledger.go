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
var (
	_ driven.StaleLedger = (*StaleLedger)(nil)
	_ driven.RetryQueue  = (*RetryQueue)(nil)
)

// StaleLedger records documents whose vector and graph stores may disagree
type StaleLedger struct {
	db *DB
}

// NewStaleLedger creates a new StaleLedger
func NewStaleLedger(db *DB) *StaleLedger {
	return &StaleLedger{db: db}
}

// Mark records or refreshes a stale document
func (l *StaleLedger) Mark(ctx context.Context, rec *domain.StaleRecord) error {
	query := `
		INSERT INTO stale_documents (tenant_id, document_id, stage, reason, attempts, marked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, document_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			marked_at = EXCLUDED.marked_at
	`
	_, err := l.db.ExecContext(ctx, query,
		rec.TenantID, rec.DocumentID, string(rec.Stage), rec.Reason, rec.Attempts, rec.MarkedAt)
	if err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	return nil
}

// Clear removes a stale mark
func (l *StaleLedger) Clear(ctx context.Context, tenantID, documentID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM stale_documents WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("clear stale: %w", err)
	}
	return nil
}

// IsStale reports whether a document is marked
func (l *StaleLedger) IsStale(ctx context.Context, tenantID, documentID string) (bool, error) {
	var stale bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stale_documents WHERE tenant_id = $1 AND document_id = $2)`,
		tenantID, documentID).Scan(&stale)
	if err != nil {
		return false, fmt.Errorf("check stale: %w", err)
	}
	return stale, nil
}

// List returns the stale documents of a tenant
func (l *StaleLedger) List(ctx context.Context, tenantID string) ([]*domain.StaleRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tenant_id, document_id, stage, reason, attempts, marked_at
		FROM stale_documents WHERE tenant_id = $1 ORDER BY document_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var records []*domain.StaleRecord
	for rows.Next() {
		var r domain.StaleRecord
		if err := rows.Scan(&r.TenantID, &r.DocumentID, &r.Stage, &r.Reason, &r.Attempts, &r.MarkedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// RetryQueue is the PostgreSQL fallback for pending dual-write compensations.
// The whole item is stored as JSON; version, attempts and due time are
// columns so the CAS and the due scan stay in SQL.
type RetryQueue struct {
	db *DB
}

// NewRetryQueue creates a new RetryQueue
func NewRetryQueue(db *DB) *RetryQueue {
	return &RetryQueue{db: db}
}

// Put stores item, superseding any pending item for the same document
func (q *RetryQueue) Put(ctx context.Context, item *domain.RetryItem) (int64, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal retry item: %w", err)
	}

	query := `
		INSERT INTO write_retries (tenant_id, document_id, payload, attempts, next_attempt_at, version)
		VALUES ($1, $2, $3, $4, $5, nextval('write_retries_version_seq'))
		ON CONFLICT (tenant_id, document_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			version = EXCLUDED.version
		RETURNING version
	`
	var version int64
	err = q.db.QueryRowContext(ctx, query,
		item.TenantID, item.DocumentID, payload, item.Attempts, item.NextAttemptAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put retry item: %w", err)
	}
	item.Version = version
	return version, nil
}

// Get returns the pending item of a document
func (q *RetryQueue) Get(ctx context.Context, tenantID, documentID string) (*domain.RetryItem, error) {
	var payload []byte
	var version int64
	err := q.db.QueryRowContext(ctx,
		`SELECT payload, version FROM write_retries WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load retry item: %w", err)
	}
	var item domain.RetryItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("decode retry item: %w", err)
	}
	item.Version = version
	return &item, nil
}

// Due returns up to limit items whose next attempt has passed
func (q *RetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error) {
	query := `
		SELECT payload, version FROM write_retries
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var items []*domain.RetryItem
	for rows.Next() {
		var payload []byte
		var version int64
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, err
		}
		var item domain.RetryItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("decode retry item: %w", err)
		}
		item.Version = version
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Complete removes the item if no newer mutation replaced it
func (q *RetryQueue) Complete(ctx context.Context, tenantID, documentID string, version int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM write_retries WHERE tenant_id = $1 AND document_id = $2 AND version = $3`,
		tenantID, documentID, version)
	if err != nil {
		return false, fmt.Errorf("complete retry item: %w", err)
	}
	return affected(res), nil
}

// Reschedule records a failed attempt if no newer mutation replaced the item
func (q *RetryQueue) Reschedule(ctx context.Context, item *domain.RetryItem) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal retry item: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE write_retries SET payload = $3, attempts = $4, next_attempt_at = $5
		WHERE tenant_id = $1 AND document_id = $2 AND version = $6`,
		item.TenantID, item.DocumentID, payload, item.Attempts, item.NextAttemptAt, item.Version)
	if err != nil {
		return false, fmt.Errorf("reschedule retry item: %w", err)
	}
	return affected(res), nil
}

// Remove drops any pending item for the document
func (q *RetryQueue) Remove(ctx context.Context, tenantID, documentID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM write_retries WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("remove retry item: %w", err)
	}
	return nil
}

// Len returns the number of pending items
func (q *RetryQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM write_retries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retry items: %w", err)
	}
	return n, nil
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
