package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven/mocks"
)

func newTestResolver() (*Resolver, *mocks.MockEntityStore) {
	store := mocks.NewMockEntityStore()
	return NewResolver(ResolverConfig{Store: store, Logger: discardLogger()}), store
}

func person(name, identifier string) domain.RawEntity {
	return domain.RawEntity{Type: domain.EntityPerson, Name: name, Identifier: identifier, Confidence: 0.9}
}

func org(name string) domain.RawEntity {
	return domain.RawEntity{Type: domain.EntityOrganization, Name: name, Confidence: 0.9}
}

func resolveDoc(t *testing.T, r *Resolver, tenantID, docID string, ext *domain.Extraction) *domain.GraphWrite {
	t.Helper()
	w, err := r.Resolve(context.Background(), tenantID, &domain.DocumentMutation{NativeID: docID, Title: docID}, ext)
	require.NoError(t, err)
	return w
}

func TestResolver_SharedIdentifierMergesInAnyOrder(t *testing.T) {
	a := &domain.Extraction{Entities: []domain.RawEntity{person("J. Smith", "john@acme.com")}}
	b := &domain.Extraction{Entities: []domain.RawEntity{person("John Smith", "John@ACME.com")}}

	orders := map[string][]string{
		"a then b": {"doc-a", "doc-b"},
		"b then a": {"doc-b", "doc-a"},
	}
	docs := map[string]*domain.Extraction{"doc-a": a, "doc-b": b}

	var ids []string
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			r, store := newTestResolver()
			for _, doc := range order {
				resolveDoc(t, r, testTenant, doc, docs[doc])
			}

			entities := store.Entities(testTenant)
			require.Len(t, entities, 1)
			e := entities[0]
			assert.Equal(t, []string{"J. Smith", "John Smith"}, e.Aliases)
			assert.Equal(t, []string{"john@acme.com"}, e.Identifiers)
			assert.Equal(t, []string{"doc-a", "doc-b"}, e.Provenance)
			assert.Equal(t, "John Smith", e.CanonicalName)
			assert.Equal(t, 2, e.EvidenceCount)
			ids = append(ids, e.ID)
		})
	}
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "entity identity does not depend on processing order")
}

func TestResolver_ExactAliasMerges(t *testing.T) {
	r, store := newTestResolver()

	resolveDoc(t, r, testTenant, "doc-a", &domain.Extraction{Entities: []domain.RawEntity{person("Grace Hopper", "")}})
	resolveDoc(t, r, testTenant, "doc-b", &domain.Extraction{Entities: []domain.RawEntity{person("grace  HOPPER", "")}})

	entities := store.Entities(testTenant)
	require.Len(t, entities, 1)
	assert.Equal(t, 2, entities[0].EvidenceCount)
}

func TestResolver_SimilarNameWithoutEvidenceStaysSeparate(t *testing.T) {
	r, store := newTestResolver()

	resolveDoc(t, r, testTenant, "doc-a", &domain.Extraction{Entities: []domain.RawEntity{person("Jonathan Smith", "")}})
	resolveDoc(t, r, testTenant, "doc-b", &domain.Extraction{Entities: []domain.RawEntity{person("Jonathon Smith", "")}})

	assert.Len(t, store.Entities(testTenant), 2)
}

func TestResolver_SimilarNameWithSharedNeighbourMerges(t *testing.T) {
	r, store := newTestResolver()

	resolveDoc(t, r, testTenant, "doc-a", &domain.Extraction{
		Entities: []domain.RawEntity{person("Jonathan Smith", ""), org("Acme Corp")},
		Relationships: []domain.RawRelationship{
			{SourceName: "Jonathan Smith", TargetName: "Acme Corp", Type: "works_at", Confidence: 0.8},
		},
	})
	w := resolveDoc(t, r, testTenant, "doc-b", &domain.Extraction{
		Entities: []domain.RawEntity{person("Jonathon Smith", ""), org("Acme Corp")},
	})

	entities := store.Entities(testTenant)
	require.Len(t, entities, 2)
	var p *domain.CanonicalEntity
	for _, e := range entities {
		if e.Type == domain.EntityPerson {
			p = e
		}
	}
	require.NotNil(t, p)
	assert.Equal(t, []string{"Jonathan Smith", "Jonathon Smith"}, p.Aliases)
	assert.Len(t, w.Entities, 2)
}

func TestResolver_TenantsNeverMerge(t *testing.T) {
	r, store := newTestResolver()
	ext := &domain.Extraction{Entities: []domain.RawEntity{person("John Smith", "john@acme.com")}}

	wa := resolveDoc(t, r, "tenant-a", "doc-1", ext)
	wb := resolveDoc(t, r, "tenant-b", "doc-1", ext)

	require.Len(t, store.Entities("tenant-a"), 1)
	require.Len(t, store.Entities("tenant-b"), 1)
	assert.NotEqual(t, wa.Entities[0].ID, wb.Entities[0].ID)
}

func TestResolver_ReplayIsIdempotent(t *testing.T) {
	r, store := newTestResolver()
	ext := &domain.Extraction{
		Entities: []domain.RawEntity{person("Ada Lovelace", "ada@example.com"), org("Analytical Engines")},
		Relationships: []domain.RawRelationship{
			{SourceName: "Ada Lovelace", TargetName: "Analytical Engines", Type: "works_at", Confidence: 0.6},
		},
	}

	first := resolveDoc(t, r, testTenant, "doc-1", ext)
	second := resolveDoc(t, r, testTenant, "doc-1", ext)

	require.Len(t, first.Relationships, 1)
	require.Len(t, second.Relationships, 1)
	assert.InDelta(t, 0.6, second.Relationships[0].Strength, 1e-9)
	assert.Equal(t, 1, second.Relationships[0].EvidenceCount)
	for _, e := range store.Entities(testTenant) {
		assert.Equal(t, 1, e.EvidenceCount)
	}
}

func TestResolver_RelationshipStrengthGrowsWithEvidence(t *testing.T) {
	r, _ := newTestResolver()
	ext := &domain.Extraction{
		Entities: []domain.RawEntity{person("Ada Lovelace", "ada@example.com"), org("Analytical Engines")},
		Relationships: []domain.RawRelationship{
			{SourceName: "Ada Lovelace", TargetName: "Analytical Engines", Type: "works_at", Confidence: 0.5},
		},
	}

	resolveDoc(t, r, testTenant, "doc-1", ext)
	w := resolveDoc(t, r, testTenant, "doc-2", ext)

	require.Len(t, w.Relationships, 1)
	rel := w.Relationships[0]
	assert.Equal(t, "WORKS_AT", rel.Type)
	assert.InDelta(t, 0.75, rel.Strength, 1e-9)
	assert.Equal(t, []string{"doc-1", "doc-2"}, rel.Evidence)
}

func TestResolver_ConflictPrefersEvidenceThenAge(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name          string
		olderEvidence int
		newerEvidence int
		wantOlder     bool
	}{
		{"more evidence wins", 1, 3, false},
		{"tie goes to older", 2, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver()
			older := &domain.CanonicalEntity{
				ID: "e-older", TenantID: testTenant, Type: domain.EntityPerson,
				CanonicalName: "John Smith", Aliases: []string{"John Smith"},
				Identifiers: []string{"john@acme.com"}, EvidenceCount: tt.olderEvidence,
			}
			newer := &domain.CanonicalEntity{
				ID: "e-newer", TenantID: testTenant, Type: domain.EntityPerson,
				CanonicalName: "Johnny Smith", Aliases: []string{"Johnny Smith"},
				Identifiers: []string{"jsmith@acme.com"}, EvidenceCount: tt.newerEvidence,
			}
			require.NoError(t, store.Save(ctx, older))
			require.NoError(t, store.Save(ctx, newer))

			w := resolveDoc(t, r, testTenant, "doc-x", &domain.Extraction{Entities: []domain.RawEntity{
				person("John Smith", "john@acme.com"),
				person("John Smith", "jsmith@acme.com"),
			}})

			require.Len(t, w.Entities, 1)
			want, lost := "e-newer", "e-older"
			if tt.wantOlder {
				want, lost = lost, want
			}
			assert.Equal(t, want, w.Entities[0].ID)
			assert.Equal(t, []domain.EntityMerge{{LoserID: lost, WinnerID: want}}, w.Merges)

			entities := store.Entities(testTenant)
			require.Len(t, entities, 1, "the losing candidate is folded into the winner")
			assert.Equal(t, []string{"john@acme.com", "jsmith@acme.com"}, entities[0].Identifiers)
			assert.Equal(t, []string{"John Smith", "Johnny Smith"}, entities[0].Aliases)
		})
	}
}

func TestResolver_IdentifiersHeldByTwoEntitiesAreFolded(t *testing.T) {
	r, store := newTestResolver()

	resolveDoc(t, r, testTenant, "d1", &domain.Extraction{Entities: []domain.RawEntity{person("Alice Jones", "a@x.com")}})
	resolveDoc(t, r, testTenant, "d2", &domain.Extraction{
		Entities: []domain.RawEntity{person("Ally Q", "b@x.com"), org("Initech")},
		Relationships: []domain.RawRelationship{
			{SourceName: "Ally Q", TargetName: "Initech", Type: "works_at", Confidence: 0.5},
		},
	})
	require.Len(t, store.Entities(testTenant), 3)

	w := resolveDoc(t, r, testTenant, "d3", &domain.Extraction{Entities: []domain.RawEntity{
		person("Alice Jones", "a@x.com"),
		person("Alice Jones", "b@x.com"),
	}})
	require.Len(t, w.Entities, 1)
	require.Len(t, w.Merges, 1)
	winner := w.Entities[0]

	var people []*domain.CanonicalEntity
	for _, e := range store.Entities(testTenant) {
		if e.Type == domain.EntityPerson {
			people = append(people, e)
		}
	}
	require.Len(t, people, 1, "no two entities may hold the same identifier")
	assert.Equal(t, winner.ID, people[0].ID)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, people[0].Identifiers)
	assert.Equal(t, []string{"Alice Jones", "Ally Q"}, people[0].Aliases)
	assert.Equal(t, []string{"d1", "d2", "d3"}, people[0].Provenance)
	assert.Equal(t, 3, people[0].EvidenceCount)

	for _, id := range []string{"a@x.com", "b@x.com"} {
		e, err := store.FindByIdentifier(context.Background(), testTenant, domain.EntityPerson, id)
		require.NoError(t, err)
		assert.Equal(t, winner.ID, e.ID)
	}

	rels := store.Relationships(testTenant)
	require.Len(t, rels, 1)
	assert.Equal(t, winner.ID, rels[0].SourceID, "the loser's edges move to the winner")
}

func TestResolver_SkipsNonResolvableTypes(t *testing.T) {
	r, store := newTestResolver()

	w := resolveDoc(t, r, testTenant, "doc-1", &domain.Extraction{Entities: []domain.RawEntity{
		{Type: domain.EntityDocument, Name: "Q3 plan"},
		{Type: domain.EntityPerson, Name: "   "},
	}})

	assert.Empty(t, w.Entities)
	assert.Empty(t, store.Entities(testTenant))
}

func TestResolver_NoExtraction(t *testing.T) {
	r, _ := newTestResolver()

	w := resolveDoc(t, r, testTenant, "doc-1", nil)
	assert.Equal(t, "doc-1", w.DocumentID)
	assert.Empty(t, w.Entities)
}
