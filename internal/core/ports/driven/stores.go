package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// CheckpointStore persists sync checkpoints with versioned compare-and-swap.
type CheckpointStore interface {
	// Get returns the checkpoint for a connection, or domain.ErrNotFound.
	Get(ctx context.Context, connectionID string) (*domain.SyncCheckpoint, error)

	// CompareAndSwap writes cp if the stored version equals expectedVersion
	// (zero when no checkpoint exists). It returns the new version, or
	// domain.ErrCheckpointConflict when another writer got there first.
	CompareAndSwap(ctx context.Context, cp *domain.SyncCheckpoint, expectedVersion int64) (int64, error)

	// Delete removes the checkpoint. Missing checkpoints are not an error.
	Delete(ctx context.Context, connectionID string) error
}

// ConnectionStore persists connections.
type ConnectionStore interface {
	Get(ctx context.Context, id string) (*domain.Connection, error)
	Save(ctx context.Context, conn *domain.Connection) error

	// List returns connections with the given status, or all when status is empty.
	List(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error)
}

// JobStore is the append-only sync job audit log.
type JobStore interface {
	// CreateIfIdle inserts job unless the connection already has a queued or
	// running job. It returns the job occupying the slot and whether job was
	// the one inserted. The store assigns Seq.
	CreateIfIdle(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, bool, error)

	// Get returns a job by ID, or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.SyncJob, error)

	// Update persists a non-terminal job. Updating a job that is already
	// terminal in the store returns domain.ErrJobFinalized.
	Update(ctx context.Context, job *domain.SyncJob) error

	// Active returns the queued or running job of a connection, or domain.ErrNotFound.
	Active(ctx context.Context, connectionID string) (*domain.SyncJob, error)

	// LastTerminal returns the most recent finished job, or domain.ErrNotFound.
	LastTerminal(ctx context.Context, connectionID string) (*domain.SyncJob, error)

	// List returns a connection's jobs newest first.
	List(ctx context.Context, connectionID string, limit int) ([]*domain.SyncJob, error)
}

// LeaseStore persists webhook leases.
type LeaseStore interface {
	Get(ctx context.Context, connectionID string) (*domain.WebhookLease, error)
	Save(ctx context.Context, lease *domain.WebhookLease) error
	Delete(ctx context.Context, connectionID string) error
	List(ctx context.Context) ([]*domain.WebhookLease, error)
}

// EntityStore persists canonical entities and relationships per tenant.
type EntityStore interface {
	// Get returns an entity by ID, or domain.ErrNotFound.
	Get(ctx context.Context, tenantID, id string) (*domain.CanonicalEntity, error)

	// FindByIdentifier returns the entity of the given type holding identifier, or domain.ErrNotFound.
	FindByIdentifier(ctx context.Context, tenantID string, typ domain.EntityType, identifier string) (*domain.CanonicalEntity, error)

	// ListByType returns all entities of a type for name matching.
	ListByType(ctx context.Context, tenantID string, typ domain.EntityType) ([]*domain.CanonicalEntity, error)

	// Save creates or updates an entity. A new entity gets its CreatedSeq assigned.
	Save(ctx context.Context, entity *domain.CanonicalEntity) error

	// Neighbors returns the IDs of entities related to entityID.
	Neighbors(ctx context.Context, tenantID, entityID string) ([]string, error)

	// GetRelationship returns an edge, or domain.ErrNotFound.
	GetRelationship(ctx context.Context, tenantID, sourceID, targetID, relType string) (*domain.Relationship, error)

	// SaveRelationship creates or updates an edge.
	SaveRelationship(ctx context.Context, rel *domain.Relationship) error

	// MergeEntity saves winner, moves the loser's relationships onto it and
	// removes the loser, in one step. Edges between the two are dropped.
	MergeEntity(ctx context.Context, tenantID string, winner *domain.CanonicalEntity, loserID string) error
}

// RetryQueue holds pending dual-write compensations keyed by (tenant, document).
type RetryQueue interface {
	// Put stores item, replacing any pending item for the same document.
	// It returns the new version.
	Put(ctx context.Context, item *domain.RetryItem) (int64, error)

	// Get returns the pending item of a document, or domain.ErrNotFound.
	Get(ctx context.Context, tenantID, documentID string) (*domain.RetryItem, error)

	// Due returns up to limit items whose NextAttemptAt has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error)

	// Complete removes the item if its version is unchanged. It reports
	// whether the item was removed.
	Complete(ctx context.Context, tenantID, documentID string, version int64) (bool, error)

	// Reschedule records a failed attempt if the version is unchanged.
	Reschedule(ctx context.Context, item *domain.RetryItem) (bool, error)

	// Remove drops any pending item for the document.
	Remove(ctx context.Context, tenantID, documentID string) error

	// Len returns the number of pending items.
	Len(ctx context.Context) (int, error)
}

// StaleLedger records documents whose stores may disagree.
type StaleLedger interface {
	Mark(ctx context.Context, rec *domain.StaleRecord) error
	Clear(ctx context.Context, tenantID, documentID string) error
	IsStale(ctx context.Context, tenantID, documentID string) (bool, error)
	List(ctx context.Context, tenantID string) ([]*domain.StaleRecord, error)
}
