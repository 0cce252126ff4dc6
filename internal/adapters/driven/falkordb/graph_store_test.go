package falkordb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

type call struct {
	graph string
	query string
}

type fakeClient struct {
	calls   []call
	failOn  string
	pingErr error
}

func (f *fakeClient) Do(ctx context.Context, args ...any) *redis.Cmd {
	c := call{graph: args[1].(string), query: args[2].(string)}
	f.calls = append(f.calls, c)
	if f.failOn != "" && strings.Contains(c.query, f.failOn) {
		return redis.NewCmdResult(nil, errors.New("ERR graph error"))
	}
	return redis.NewCmdResult([]any{}, nil)
}

func (f *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func TestParamPrefix(t *testing.T) {
	got := paramPrefix(map[string]any{
		"name":     `J. "Jay" Smith\`,
		"aliases":  []string{"J. Smith", "John"},
		"evidence": 3,
		"strength": 0.75,
		"doc":      "doc-1",
	})
	want := `CYPHER aliases=["J. Smith", "John"] doc="doc-1" evidence=3 name="J. \"Jay\" Smith\\" strength=0.75 `
	assert.Equal(t, want, got)
	assert.Empty(t, paramPrefix(nil))
}

func TestGraphStore_UpsertDocument(t *testing.T) {
	client := &fakeClient{}
	s := NewGraphStore(client)

	write := &domain.GraphWrite{
		DocumentID: "doc-1",
		Title:      "Quarterly plan",
		Entities: []*domain.CanonicalEntity{
			{ID: "e1", Type: domain.EntityPerson, CanonicalName: "John Smith", Aliases: []string{"J. Smith"}, EvidenceCount: 2},
			{ID: "e2", Type: domain.EntityOrganization, CanonicalName: "Acme"},
		},
		Relationships: []*domain.Relationship{
			{SourceID: "e1", TargetID: "e2", Type: "works_at", Strength: 0.9, EvidenceCount: 1},
		},
	}
	require.NoError(t, s.UpsertDocument(context.Background(), "acme", write))

	require.Len(t, client.calls, 5)
	for _, c := range client.calls {
		assert.Equal(t, "evergreen_acme", c.graph)
	}
	assert.Contains(t, client.calls[0].query, `MERGE (d:Document {id: $doc})`)
	assert.Contains(t, client.calls[1].query, `DELETE m`)
	assert.Contains(t, client.calls[2].query, `id="e1"`)
	assert.Contains(t, client.calls[2].query, `aliases=["J. Smith"]`)
	assert.Contains(t, client.calls[4].query, `type="works_at"`)
	assert.Contains(t, client.calls[4].query, `MERGE (a)-[r:RELATED {type: $type}]->(b)`)
}

func TestGraphStore_UpsertDocumentRedirectsMergedEntities(t *testing.T) {
	client := &fakeClient{}
	s := NewGraphStore(client)

	write := &domain.GraphWrite{
		DocumentID: "doc-3",
		Entities:   []*domain.CanonicalEntity{{ID: "winner", Type: domain.EntityPerson, CanonicalName: "Alice Jones"}},
		Merges:     []domain.EntityMerge{{LoserID: "loser", WinnerID: "winner"}},
	}
	require.NoError(t, s.UpsertDocument(context.Background(), "acme", write))

	require.Len(t, client.calls, 3+len(redirectEntityQueries))
	for _, c := range client.calls[3:] {
		assert.Contains(t, c.query, `loser="loser"`)
		assert.Contains(t, c.query, `winner="winner"`)
	}
	assert.Contains(t, client.calls[3].query, `MERGE (d)-[:MENTIONS]->(w)`)
	assert.Contains(t, client.calls[len(client.calls)-1].query, `DETACH DELETE e`)
}

func TestGraphStore_WriteFailureIsTransient(t *testing.T) {
	client := &fakeClient{failOn: "RELATED"}
	s := NewGraphStore(client)

	write := &domain.GraphWrite{
		DocumentID:    "doc-1",
		Relationships: []*domain.Relationship{{SourceID: "a", TargetID: "b", Type: "knows"}},
	}
	err := s.UpsertDocument(context.Background(), "acme", write)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
}

func TestGraphStore_DeleteDocument(t *testing.T) {
	client := &fakeClient{}
	s := NewGraphStore(client)

	require.NoError(t, s.DeleteDocument(context.Background(), "acme", "doc-1"))
	require.Len(t, client.calls, 1)
	assert.Equal(t, `CYPHER doc="doc-1" MATCH (d:Document {id: $doc}) DETACH DELETE d`, client.calls[0].query)
}

func TestGraphStore_HealthCheck(t *testing.T) {
	client := &fakeClient{}
	s := NewGraphStore(client)
	assert.NoError(t, s.HealthCheck(context.Background()))

	client.pingErr = errors.New("connection refused")
	assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(s.HealthCheck(context.Background())))
}
