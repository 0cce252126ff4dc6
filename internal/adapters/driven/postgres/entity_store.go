package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.EntityStore = (*EntityStore)(nil)

// EntityStore persists canonical entities and their relationships. Set
// columns are stored as sorted TEXT arrays.
type EntityStore struct {
	db *DB
}

// NewEntityStore creates a new EntityStore
func NewEntityStore(db *DB) *EntityStore {
	return &EntityStore{db: db}
}

const entityColumns = `id, tenant_id, type, canonical_name, aliases, identifiers, provenance,
	evidence_count, created_seq, created_at, updated_at`

// Get retrieves an entity by ID within a tenant
func (s *EntityStore) Get(ctx context.Context, tenantID, id string) (*domain.CanonicalEntity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM canonical_entities WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// FindByIdentifier returns the oldest entity of a type holding identifier
func (s *EntityStore) FindByIdentifier(ctx context.Context, tenantID string, typ domain.EntityType, identifier string) (*domain.CanonicalEntity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM canonical_entities
		WHERE tenant_id = $1 AND type = $2 AND identifiers @> ARRAY[$3]::TEXT[]
		ORDER BY created_seq
		LIMIT 1`, tenantID, string(typ), identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entity by identifier: %w", err)
	}
	return e, nil
}

// ListByType returns the entities of a type, oldest first
func (s *EntityStore) ListByType(ctx context.Context, tenantID string, typ domain.EntityType) ([]*domain.CanonicalEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM canonical_entities
		WHERE tenant_id = $1 AND type = $2
		ORDER BY created_seq`, tenantID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []*domain.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Save creates or updates an entity. The database assigns CreatedSeq on insert.
func (s *EntityStore) Save(ctx context.Context, e *domain.CanonicalEntity) error {
	return saveEntity(ctx, s.db, e)
}

// Neighbors returns the IDs of entities linked to entityID in either direction
func (s *EntityStore) Neighbors(ctx context.Context, tenantID, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id FROM entity_relationships WHERE tenant_id = $1 AND source_id = $2
		UNION
		SELECT source_id FROM entity_relationships WHERE tenant_id = $1 AND target_id = $2
		ORDER BY 1`, tenantID, entityID)
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const relationshipColumns = `id, tenant_id, source_id, target_id, type, strength, evidence,
	evidence_count, first_seen, last_seen`

// GetRelationship retrieves one edge
func (s *EntityStore) GetRelationship(ctx context.Context, tenantID, sourceID, targetID, relType string) (*domain.Relationship, error) {
	r, err := getRelationship(ctx, s.db, tenantID, sourceID, targetID, relType)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return r, err
}

// SaveRelationship creates or updates an edge. Strength never decreases.
func (s *EntityStore) SaveRelationship(ctx context.Context, r *domain.Relationship) error {
	return saveRelationship(ctx, s.db, r)
}

// MergeEntity folds loserID into winner inside one transaction. Each of the
// loser's edges is re-pointed at the winner, folded into a parallel edge the
// winner already has, or dropped when it would become a self loop.
func (s *EntityStore) MergeEntity(ctx context.Context, tenantID string, winner *domain.CanonicalEntity, loserID string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT 1 FROM canonical_entities WHERE tenant_id = $1 AND id = ANY($2) FOR UPDATE`,
			tenantID, pq.StringArray{winner.ID, loserID}); err != nil {
			return fmt.Errorf("lock entities: %w", err)
		}
		if err := saveEntity(ctx, tx, winner); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+relationshipColumns+` FROM entity_relationships
			WHERE tenant_id = $1 AND (source_id = $2 OR target_id = $2)
			ORDER BY id`, tenantID, loserID)
		if err != nil {
			return fmt.Errorf("list loser relationships: %w", err)
		}
		var edges []*domain.Relationship
		for rows.Next() {
			r, err := scanRelationship(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan relationship: %w", err)
			}
			edges = append(edges, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list loser relationships: %w", err)
		}

		for _, r := range edges {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entity_relationships WHERE id = $1`, r.ID); err != nil {
				return fmt.Errorf("remove loser relationship: %w", err)
			}
			if !repointEdge(r, loserID, winner.ID) {
				continue
			}
			existing, err := getRelationship(ctx, tx, tenantID, r.SourceID, r.TargetID, r.Type)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				existing = r
			case err != nil:
				return fmt.Errorf("get relationship: %w", err)
			default:
				existing.Fold(r)
			}
			if err := saveRelationship(ctx, tx, existing); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM canonical_entities WHERE tenant_id = $1 AND id = $2`, tenantID, loserID); err != nil {
			return fmt.Errorf("remove merged entity: %w", err)
		}
		return nil
	})
}

// repointEdge moves the loser end of r onto the winner. It returns false when
// the edge would then connect the winner to itself.
func repointEdge(r *domain.Relationship, loserID, winnerID string) bool {
	if r.SourceID == loserID {
		r.SourceID = winnerID
	}
	if r.TargetID == loserID {
		r.TargetID = winnerID
	}
	return r.SourceID != r.TargetID
}

// querier is satisfied by *DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveEntity(ctx context.Context, q querier, e *domain.CanonicalEntity) error {
	query := `
		INSERT INTO canonical_entities (id, tenant_id, type, canonical_name, aliases, identifiers,
			provenance, evidence_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			canonical_name = EXCLUDED.canonical_name,
			aliases = EXCLUDED.aliases,
			identifiers = EXCLUDED.identifiers,
			provenance = EXCLUDED.provenance,
			evidence_count = EXCLUDED.evidence_count,
			updated_at = EXCLUDED.updated_at
		RETURNING created_seq
	`
	err := q.QueryRowContext(ctx, query,
		e.ID,
		e.TenantID,
		string(e.Type),
		e.CanonicalName,
		pq.StringArray(e.Aliases),
		pq.StringArray(e.Identifiers),
		pq.StringArray(e.Provenance),
		e.EvidenceCount,
		e.CreatedAt,
		e.UpdatedAt,
	).Scan(&e.CreatedSeq)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	return nil
}

func getRelationship(ctx context.Context, q querier, tenantID, sourceID, targetID, relType string) (*domain.Relationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM entity_relationships
		WHERE tenant_id = $1 AND source_id = $2 AND target_id = $3 AND type = $4`,
		tenantID, sourceID, targetID, relType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return r, err
}

func saveRelationship(ctx context.Context, q querier, r *domain.Relationship) error {
	query := `
		INSERT INTO entity_relationships (` + relationshipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, source_id, target_id, type) DO UPDATE SET
			strength = GREATEST(entity_relationships.strength, EXCLUDED.strength),
			evidence = EXCLUDED.evidence,
			evidence_count = EXCLUDED.evidence_count,
			first_seen = LEAST(entity_relationships.first_seen, EXCLUDED.first_seen),
			last_seen = EXCLUDED.last_seen
	`
	_, err := q.ExecContext(ctx, query,
		r.ID,
		r.TenantID,
		r.SourceID,
		r.TargetID,
		r.Type,
		r.Strength,
		pq.StringArray(r.Evidence),
		r.EvidenceCount,
		r.FirstSeen,
		r.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save relationship: %w", err)
	}
	return nil
}

func scanRelationship(row rowScanner) (*domain.Relationship, error) {
	var r domain.Relationship
	var evidence pq.StringArray
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.SourceID,
		&r.TargetID,
		&r.Type,
		&r.Strength,
		&evidence,
		&r.EvidenceCount,
		&r.FirstSeen,
		&r.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	r.Evidence = []string(evidence)
	return &r, nil
}

func scanEntity(row rowScanner) (*domain.CanonicalEntity, error) {
	var e domain.CanonicalEntity
	var aliases, identifiers, provenance pq.StringArray
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.Type,
		&e.CanonicalName,
		&aliases,
		&identifiers,
		&provenance,
		&e.EvidenceCount,
		&e.CreatedSeq,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Aliases = []string(aliases)
	e.Identifiers = []string(identifiers)
	e.Provenance = []string(provenance)
	return &e, nil
}
