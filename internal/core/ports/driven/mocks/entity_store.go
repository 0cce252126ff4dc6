package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockEntityStore is an in-memory EntityStore for testing
type MockEntityStore struct {
	mu            sync.Mutex
	entities      map[string]*domain.CanonicalEntity
	relationships map[string]*domain.Relationship
	seq           int64
}

func NewMockEntityStore() *MockEntityStore {
	return &MockEntityStore{
		entities:      make(map[string]*domain.CanonicalEntity),
		relationships: make(map[string]*domain.Relationship),
	}
}

func cloneEntity(e *domain.CanonicalEntity) *domain.CanonicalEntity {
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	c.Identifiers = append([]string(nil), e.Identifiers...)
	c.Provenance = append([]string(nil), e.Provenance...)
	return &c
}

func relKey(tenantID, sourceID, targetID, relType string) string {
	return tenantID + "|" + sourceID + "|" + targetID + "|" + relType
}

func (m *MockEntityStore) Get(ctx context.Context, tenantID, id string) (*domain.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok || e.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return cloneEntity(e), nil
}

func (m *MockEntityStore) FindByIdentifier(ctx context.Context, tenantID string, typ domain.EntityType, identifier string) (*domain.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.CanonicalEntity
	for _, e := range m.entities {
		if e.TenantID != tenantID || e.Type != typ || !e.HasIdentifier(identifier) {
			continue
		}
		if found == nil || e.CreatedSeq < found.CreatedSeq {
			found = e
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return cloneEntity(found), nil
}

func (m *MockEntityStore) ListByType(ctx context.Context, tenantID string, typ domain.EntityType) ([]*domain.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.CanonicalEntity
	for _, e := range m.entities {
		if e.TenantID == tenantID && e.Type == typ {
			result = append(result, cloneEntity(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedSeq < result[j].CreatedSeq })
	return result, nil
}

func (m *MockEntityStore) Save(ctx context.Context, entity *domain.CanonicalEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entity.ID]; !ok && entity.CreatedSeq == 0 {
		m.seq++
		entity.CreatedSeq = m.seq
	}
	m.entities[entity.ID] = cloneEntity(entity)
	return nil
}

func (m *MockEntityStore) Neighbors(ctx context.Context, tenantID, entityID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range m.relationships {
		if r.TenantID != tenantID {
			continue
		}
		switch entityID {
		case r.SourceID:
			seen[r.TargetID] = true
		case r.TargetID:
			seen[r.SourceID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockEntityStore) GetRelationship(ctx context.Context, tenantID, sourceID, targetID, relType string) (*domain.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relationships[relKey(tenantID, sourceID, targetID, relType)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *r
	c.Evidence = append([]string(nil), r.Evidence...)
	return &c, nil
}

func (m *MockEntityStore) SaveRelationship(ctx context.Context, rel *domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rel
	c.Evidence = append([]string(nil), rel.Evidence...)
	m.relationships[relKey(rel.TenantID, rel.SourceID, rel.TargetID, rel.Type)] = &c
	return nil
}

func (m *MockEntityStore) MergeEntity(ctx context.Context, tenantID string, winner *domain.CanonicalEntity, loserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[winner.ID] = cloneEntity(winner)
	delete(m.entities, loserID)

	keys := make([]string, 0, len(m.relationships))
	for k := range m.relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := m.relationships[k]
		if r.TenantID != tenantID || (r.SourceID != loserID && r.TargetID != loserID) {
			continue
		}
		delete(m.relationships, k)
		moved := *r
		if moved.SourceID == loserID {
			moved.SourceID = winner.ID
		}
		if moved.TargetID == loserID {
			moved.TargetID = winner.ID
		}
		if moved.SourceID == moved.TargetID {
			continue
		}
		key := relKey(tenantID, moved.SourceID, moved.TargetID, moved.Type)
		if existing, ok := m.relationships[key]; ok {
			existing.Fold(&moved)
			continue
		}
		m.relationships[key] = &moved
	}
	return nil
}

// Relationships returns all edges of a tenant (for test assertions)
func (m *MockEntityStore) Relationships(tenantID string) []*domain.Relationship {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Relationship
	for _, r := range m.relationships {
		if r.TenantID == tenantID {
			c := *r
			c.Evidence = append([]string(nil), r.Evidence...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entities returns all entities of a tenant (for test assertions)
func (m *MockEntityStore) Entities(tenantID string) []*domain.CanonicalEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CanonicalEntity
	for _, e := range m.entities {
		if e.TenantID == tenantID {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedSeq < out[j].CreatedSeq })
	return out
}
