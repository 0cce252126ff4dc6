package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// entityNamespace seeds deterministic entity and relationship IDs
var entityNamespace = uuid.MustParse("6f1c7b9e-3a51-4c2e-9d0a-2b8e5f4a7c13")

// Resolver merges raw entity mentions into canonical entities, one tenant at a time.
//
// A mention joins an existing entity when it shares a normalised identifier
// (email) or a normalised alias with it. Otherwise it joins when its name is
// similar above the merge threshold and there is corroborating evidence: the
// candidate was already seen in the same document, or one of the candidate's
// graph neighbours is mentioned in the same document. When several entities
// qualify the one with more evidence wins, ties go to the older entity, and
// the others are folded into the winner so no two entities keep overlapping
// identities. Entities never merge across tenants and resolution only ever
// adds aliases and evidence.
type Resolver struct {
	store     driven.EntityStore
	lock      driven.DistributedLock
	threshold float64
	lockTTL   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// ResolverConfig holds configuration for the resolver.
type ResolverConfig struct {
	Store          driven.EntityStore
	Lock           driven.DistributedLock // Optional: serializes a tenant across instances
	MergeThreshold float64                // Minimum name similarity for a merge (default: 0.88)
	LockTTL        time.Duration          // TTL of the tenant lock (default: 30s)
	Logger         *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.MergeThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.88
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store:     cfg.Store,
		lock:      cfg.Lock,
		threshold: threshold,
		lockTTL:   ttl,
		logger:    logger,
		tenants:   make(map[string]*sync.Mutex),
	}
}

// mentionGroup is the set of mentions in one document that refer to the same entity
type mentionGroup struct {
	typ         domain.EntityType
	aliases     []string
	names       []string
	identifiers []string
}

func (g *mentionGroup) key() string {
	if len(g.identifiers) > 0 {
		return "id:" + g.identifiers[0]
	}
	return "name:" + g.names[0]
}

// Resolve maps the extraction of one document onto canonical entities and
// relationships and returns the graph payload for the document.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, m *domain.DocumentMutation, ext *domain.Extraction) (*domain.GraphWrite, error) {
	write := &domain.GraphWrite{DocumentID: m.NativeID, Title: m.Title}
	if ext == nil || len(ext.Entities) == 0 {
		return write, nil
	}

	unlock, err := r.lockTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	groups := groupMentions(ext.Entities)
	mentioned := make(map[string]bool)
	for _, g := range groups {
		for _, n := range g.names {
			mentioned[n] = true
		}
	}

	now := time.Now()
	byName := make(map[string]*domain.CanonicalEntity)
	resolved := make(map[string]*domain.CanonicalEntity)

	merged := make(map[string]*domain.CanonicalEntity)

	for _, g := range groups {
		entity, losers, err := r.resolveGroup(ctx, tenantID, m.NativeID, g, mentioned)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			entity = &domain.CanonicalEntity{
				ID:        uuid.NewSHA1(entityNamespace, []byte(tenantID+"|"+string(g.typ)+"|"+g.key())).String(),
				TenantID:  tenantID,
				Type:      g.typ,
				CreatedAt: now,
			}
		}

		changed := false
		for _, loser := range losers {
			if entity.Fold(loser, now) {
				changed = true
			}
		}
		for _, alias := range g.aliases {
			if entity.Absorb(alias, "", m.NativeID, now) {
				changed = true
			}
		}
		for _, id := range g.identifiers {
			if entity.Absorb("", id, m.NativeID, now) {
				changed = true
			}
		}
		if entity.CanonicalName == "" && len(g.identifiers) > 0 {
			entity.CanonicalName = g.identifiers[0]
		}
		for _, loser := range losers {
			if err := r.store.MergeEntity(ctx, tenantID, entity, loser.ID); err != nil {
				return nil, fmt.Errorf("merge entity %s: %w", loser.ID, err)
			}
			merged[loser.ID] = entity
			write.Merges = append(write.Merges, domain.EntityMerge{LoserID: loser.ID, WinnerID: entity.ID})
			r.logger.Info("merged overlapping entities",
				"tenant_id", tenantID,
				"winner", entity.ID,
				"loser", loser.ID,
			)
		}
		if len(losers) == 0 && (changed || entity.CreatedSeq == 0) {
			if err := r.store.Save(ctx, entity); err != nil {
				return nil, fmt.Errorf("save entity: %w", err)
			}
		}

		resolved[entity.ID] = entity
		for _, n := range g.names {
			byName[n] = entity
		}
	}

	// An entity resolved by an earlier group may have been folded away since.
	for id := range merged {
		delete(resolved, id)
	}
	for n, e := range byName {
		for w, ok := merged[e.ID]; ok; w, ok = merged[e.ID] {
			e = w
		}
		byName[n] = e
	}

	for _, e := range resolved {
		write.Entities = append(write.Entities, e)
	}
	sort.Slice(write.Entities, func(i, j int) bool { return write.Entities[i].ID < write.Entities[j].ID })

	rels, err := r.resolveRelationships(ctx, tenantID, m.NativeID, ext.Relationships, byName, now)
	if err != nil {
		return nil, err
	}
	write.Relationships = rels

	r.logger.Debug("resolved document entities",
		"tenant_id", tenantID,
		"document_id", m.NativeID,
		"entities", len(write.Entities),
		"relationships", len(write.Relationships),
	)
	return write, nil
}

// resolveGroup finds the existing entity a mention group belongs to, or nil,
// along with any other entities that matched and must be folded into it.
func (r *Resolver) resolveGroup(ctx context.Context, tenantID, documentID string, g *mentionGroup, mentioned map[string]bool) (*domain.CanonicalEntity, []*domain.CanonicalEntity, error) {
	var candidates []*domain.CanonicalEntity
	seen := make(map[string]bool)

	for _, id := range g.identifiers {
		e, err := r.store.FindByIdentifier(ctx, tenantID, g.typ, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("find entity by identifier: %w", err)
		}
		if !seen[e.ID] {
			seen[e.ID] = true
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		all, err := r.store.ListByType(ctx, tenantID, g.typ)
		if err != nil {
			return nil, nil, fmt.Errorf("list entities: %w", err)
		}
		for _, e := range all {
			matched, exact := r.nameMatches(g, e)
			if !matched {
				continue
			}
			if !exact {
				ok, err := r.corroborated(ctx, tenantID, documentID, e, mentioned)
				if err != nil {
					return nil, nil, err
				}
				if !ok {
					continue
				}
			}
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		return nil, nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.EvidenceCount != b.EvidenceCount {
			return a.EvidenceCount > b.EvidenceCount
		}
		if a.CreatedSeq != b.CreatedSeq {
			return a.CreatedSeq < b.CreatedSeq
		}
		return a.ID < b.ID
	})
	return candidates[0], candidates[1:], nil
}

// nameMatches reports whether any alias of e is similar to a name of the
// group, and whether one of them is an exact normalised match.
func (r *Resolver) nameMatches(g *mentionGroup, e *domain.CanonicalEntity) (matched, exact bool) {
	for _, n := range g.names {
		for _, alias := range e.Aliases {
			score := NameSimilarity(n, domain.NormalizeName(alias))
			if score >= 1 {
				return true, true
			}
			if score >= r.threshold {
				matched = true
			}
		}
	}
	return matched, false
}

// corroborated reports whether e has evidence tying it to this document
// beyond the name: prior provenance in the document or a neighbour that the
// document also mentions.
func (r *Resolver) corroborated(ctx context.Context, tenantID, documentID string, e *domain.CanonicalEntity, mentioned map[string]bool) (bool, error) {
	if e.HasProvenance(documentID) {
		return true, nil
	}
	neighbors, err := r.store.Neighbors(ctx, tenantID, e.ID)
	if err != nil {
		return false, fmt.Errorf("load neighbors: %w", err)
	}
	for _, id := range neighbors {
		n, err := r.store.Get(ctx, tenantID, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load neighbor: %w", err)
		}
		if n.Type == domain.EntityDocument {
			continue
		}
		for _, alias := range n.Aliases {
			if mentioned[domain.NormalizeName(alias)] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Resolver) resolveRelationships(ctx context.Context, tenantID, documentID string, raws []domain.RawRelationship, byName map[string]*domain.CanonicalEntity, now time.Time) ([]*domain.Relationship, error) {
	var out []*domain.Relationship
	seen := make(map[string]bool)

	for _, raw := range raws {
		src := byName[domain.NormalizeName(raw.SourceName)]
		tgt := byName[domain.NormalizeName(raw.TargetName)]
		relType := strings.ToUpper(strings.TrimSpace(raw.Type))
		if src == nil || tgt == nil || src.ID == tgt.ID || relType == "" {
			continue
		}
		key := src.ID + "|" + tgt.ID + "|" + relType
		if seen[key] {
			continue
		}
		seen[key] = true

		rel, err := r.store.GetRelationship(ctx, tenantID, src.ID, tgt.ID, relType)
		if errors.Is(err, domain.ErrNotFound) {
			rel = &domain.Relationship{
				ID:       uuid.NewSHA1(entityNamespace, []byte(tenantID+"|"+key)).String(),
				TenantID: tenantID,
				SourceID: src.ID,
				TargetID: tgt.ID,
				Type:     relType,
			}
		} else if err != nil {
			return nil, fmt.Errorf("load relationship: %w", err)
		}

		if rel.AddEvidence(documentID, raw.Confidence, now) {
			if err := r.store.SaveRelationship(ctx, rel); err != nil {
				return nil, fmt.Errorf("save relationship: %w", err)
			}
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Resolver) lockTenant(ctx context.Context, tenantID string) (func(), error) {
	r.mu.Lock()
	mu, ok := r.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		r.tenants[tenantID] = mu
	}
	r.mu.Unlock()
	mu.Lock()

	if r.lock == nil {
		return mu.Unlock, nil
	}

	name := "resolve:" + tenantID
	for {
		acquired, err := r.lock.Acquire(ctx, name, r.lockTTL)
		if err != nil {
			mu.Unlock()
			return nil, fmt.Errorf("acquire resolver lock: %w", err)
		}
		if acquired {
			break
		}
		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			mu.Unlock()
			return nil, err
		}
	}
	return func() {
		if err := r.lock.Release(context.WithoutCancel(ctx), name); err != nil {
			r.logger.Warn("failed to release resolver lock", "tenant_id", tenantID, "error", err)
		}
		mu.Unlock()
	}, nil
}

// groupMentions unions the resolvable mentions of one document that share a
// type and either an identifier or a normalised name. Groups come back in a
// stable order so resolution does not depend on extractor output order.
func groupMentions(raws []domain.RawEntity) []*mentionGroup {
	type mention struct {
		typ   domain.EntityType
		alias string
		name  string
		id    string
	}
	var ms []mention
	for _, raw := range raws {
		if !raw.Type.Resolvable() {
			continue
		}
		name := domain.NormalizeName(raw.Name)
		id := domain.NormalizeIdentifier(raw.Identifier)
		if name == "" && id == "" {
			continue
		}
		alias := strings.TrimSpace(raw.Name)
		if name == "" {
			name = id
			alias = ""
		}
		ms = append(ms, mention{typ: raw.Type, alias: alias, name: name, id: id})
	}

	parent := make([]int, len(ms))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	byKey := make(map[string]int)
	for i, m := range ms {
		keys := []string{string(m.typ) + "|n|" + m.name}
		if m.id != "" {
			keys = append(keys, string(m.typ)+"|i|"+m.id)
		}
		for _, k := range keys {
			if j, ok := byKey[k]; ok {
				union(j, i)
			} else {
				byKey[k] = i
			}
		}
	}

	byRoot := make(map[int]*mentionGroup)
	for i, m := range ms {
		root := find(i)
		g, ok := byRoot[root]
		if !ok {
			g = &mentionGroup{typ: m.typ}
			byRoot[root] = g
		}
		if m.alias != "" {
			g.aliases = appendUnique(g.aliases, m.alias)
		}
		g.names = appendUnique(g.names, m.name)
		if m.id != "" {
			g.identifiers = appendUnique(g.identifiers, m.id)
		}
	}

	groups := make([]*mentionGroup, 0, len(byRoot))
	for _, g := range byRoot {
		sort.Strings(g.aliases)
		sort.Strings(g.names)
		sort.Strings(g.identifiers)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].typ != groups[j].typ {
			return groups[i].typ < groups[j].typ
		}
		return groups[i].key() < groups[j].key()
	})
	return groups
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
