package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

//go:embed schema.sql
var schema string

// schemaLockKey serializes InitSchema across instances starting together.
const schemaLockKey int64 = 0x65766572677265

// DB is the pool shared by every PostgreSQL-backed store, the advisory lock
// and the fallback job queue.
type DB struct {
	*sql.DB
}

// Config holds pool settings. Zero values keep the database/sql defaults.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectAttempts bounds the startup ping loop (default: 5)
	ConnectAttempts int
	// ConnectBackoff spaces startup pings (default: 500ms doubling to 5s)
	ConnectBackoff domain.Backoff
}

// Connect opens the pool and waits for the server to answer, so the engine
// can start alongside its database.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	connector, err := pq.NewConnector(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := cfg.ConnectBackoff
	if backoff.Base <= 0 {
		backoff = domain.Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second}
	}

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return &DB{DB: db}, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			db.Close()
			return nil, fmt.Errorf("ping database after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff.Delay(attempt)):
		}
	}
}

// InitSchema applies schema.sql. The statements are idempotent; the
// transaction-scoped advisory lock keeps concurrent starts from racing on
// CREATE TABLE.
func (db *DB) InitSchema(ctx context.Context) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		return nil
	})
}

// Ping is the health check registered with the runtime.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Transaction runs fn in a transaction, rolling back when it fails.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// NullTime converts a time pointer to sql.NullTime
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr converts sql.NullTime to time pointer
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
