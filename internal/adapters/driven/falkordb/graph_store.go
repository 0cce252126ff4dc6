package falkordb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.GraphStore = (*GraphStore)(nil)

// commander is the slice of the go-redis client the store needs.
type commander interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// GraphStore implements driven.GraphStore on FalkorDB with one graph per
// tenant. Every write is a MERGE, so replays converge on the same graph.
type GraphStore struct {
	client commander
}

// NewGraphStore creates a FalkorDB-backed GraphStore over a Redis client.
func NewGraphStore(client commander) *GraphStore {
	return &GraphStore{client: client}
}

// GraphName returns the graph key of a tenant.
func GraphName(tenantID string) string {
	return "evergreen_" + tenantID
}

const (
	upsertDocumentQuery = `MERGE (d:Document {id: $doc}) SET d.title = $title`

	// Mentions are rebuilt from the current extraction on every upsert.
	clearMentionsQuery = `MATCH (d:Document {id: $doc})-[m:MENTIONS]->() DELETE m`

	upsertEntityQuery = `MERGE (e:Entity {id: $id})
SET e.type = $type, e.name = $name, e.aliases = $aliases, e.evidence = $evidence
WITH e
MATCH (d:Document {id: $doc})
MERGE (d)-[:MENTIONS]->(e)`

	upsertRelationshipQuery = `MATCH (a:Entity {id: $source}), (b:Entity {id: $target})
MERGE (a)-[r:RELATED {type: $type}]->(b)
SET r.strength = $strength, r.evidence = $evidence`

	deleteDocumentQuery = `MATCH (d:Document {id: $doc}) DETACH DELETE d`
)

// A merged entity hands its mentions and edges to the winner before its node
// is removed. The winner keeps the stronger of two parallel edges.
var redirectEntityQueries = []string{
	`MATCH (d:Document)-[:MENTIONS]->(:Entity {id: $loser})
MATCH (w:Entity {id: $winner})
MERGE (d)-[:MENTIONS]->(w)`,

	`MATCH (:Entity {id: $loser})-[r:RELATED]->(b:Entity)
MATCH (w:Entity {id: $winner})
WHERE b.id <> $winner
MERGE (w)-[n:RELATED {type: r.type}]->(b)
SET n.strength = CASE WHEN n.strength IS NULL OR n.strength < r.strength THEN r.strength ELSE n.strength END`,

	`MATCH (a:Entity)-[r:RELATED]->(:Entity {id: $loser})
MATCH (w:Entity {id: $winner})
WHERE a.id <> $winner
MERGE (a)-[n:RELATED {type: r.type}]->(w)
SET n.strength = CASE WHEN n.strength IS NULL OR n.strength < r.strength THEN r.strength ELSE n.strength END`,

	`MATCH (e:Entity {id: $loser}) DETACH DELETE e`,
}

// UpsertDocument writes the document node, its entity mentions and the
// relationships between those entities. Entities merged away during
// resolution are redirected to their winner.
func (s *GraphStore) UpsertDocument(ctx context.Context, tenantID string, write *domain.GraphWrite) error {
	graph := GraphName(tenantID)
	doc := write.DocumentID

	if err := s.query(ctx, graph, upsertDocumentQuery, map[string]any{"doc": doc, "title": write.Title}); err != nil {
		return err
	}
	if err := s.query(ctx, graph, clearMentionsQuery, map[string]any{"doc": doc}); err != nil {
		return err
	}
	for _, e := range write.Entities {
		params := map[string]any{
			"id":       e.ID,
			"type":     string(e.Type),
			"name":     e.CanonicalName,
			"aliases":  e.Aliases,
			"evidence": e.EvidenceCount,
			"doc":      doc,
		}
		if err := s.query(ctx, graph, upsertEntityQuery, params); err != nil {
			return err
		}
	}
	for _, m := range write.Merges {
		params := map[string]any{"loser": m.LoserID, "winner": m.WinnerID}
		for _, q := range redirectEntityQueries {
			if err := s.query(ctx, graph, q, params); err != nil {
				return err
			}
		}
	}
	for _, r := range write.Relationships {
		params := map[string]any{
			"source":   r.SourceID,
			"target":   r.TargetID,
			"type":     r.Type,
			"strength": r.Strength,
			"evidence": r.EvidenceCount,
		}
		if err := s.query(ctx, graph, upsertRelationshipQuery, params); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes the document node and its mentions. Entities stay:
// other documents may still reference them.
func (s *GraphStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	return s.query(ctx, GraphName(tenantID), deleteDocumentQuery, map[string]any{"doc": documentID})
}

// HealthCheck pings the FalkorDB server.
func (s *GraphStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return domain.NewSyncError(domain.ErrorKindTransient, "falkordb", "graph store unreachable", err)
	}
	return nil
}

func (s *GraphStore) query(ctx context.Context, graph, cypher string, params map[string]any) error {
	q := paramPrefix(params) + cypher
	if err := s.client.Do(ctx, "GRAPH.QUERY", graph, q).Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewSyncError(domain.ErrorKindTransient, "falkordb", "graph write failed", err)
	}
	return nil
}

// paramPrefix renders params as the "CYPHER k=v ..." header FalkorDB reads
// query parameters from. Keys are sorted for a stable query text.
func paramPrefix(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("CYPHER")
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(literal(params[k]))
	}
	b.WriteByte(' ')
	return b.String()
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return quote(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []string:
		parts := make([]string, len(x))
		for i, s := range x {
			parts[i] = quote(s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return quote(fmt.Sprint(x))
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
