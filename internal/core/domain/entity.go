package domain

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// EntityType classifies canonical entities
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityProject      EntityType = "project"
	EntityDocument     EntityType = "document"
)

// Resolvable reports whether mentions of this type are merged into canonical entities.
func (t EntityType) Resolvable() bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityProject:
		return true
	}
	return false
}

// RelationMentionedIn links an entity to a document it appears in
const RelationMentionedIn = "MENTIONED_IN"

// RawEntity is one entity mention produced by the extractor
type RawEntity struct {
	Type       EntityType `json:"type"`
	Name       string     `json:"name"`
	Identifier string     `json:"identifier,omitempty"`
	Confidence float64    `json:"confidence"`
}

// RawRelationship is one relationship mention produced by the extractor
type RawRelationship struct {
	SourceName string  `json:"source"`
	TargetName string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the extractor output for one document
type Extraction struct {
	Entities      []RawEntity       `json:"entities"`
	Relationships []RawRelationship `json:"relationships"`
}

// CanonicalEntity is the merged identity of a real-world entity within a tenant.
// Aliases, Identifiers and Provenance only ever grow.
type CanonicalEntity struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Type          EntityType `json:"type"`
	CanonicalName string     `json:"canonical_name"`
	Aliases       []string   `json:"aliases"`
	Identifiers   []string   `json:"identifiers"`
	Provenance    []string   `json:"provenance"`
	EvidenceCount int        `json:"evidence_count"`

	// CreatedSeq orders entities by creation for tie-breaking
	CreatedSeq int64     `json:"created_seq"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasIdentifier reports whether the entity carries the normalised identifier.
func (e *CanonicalEntity) HasIdentifier(id string) bool {
	return containsString(e.Identifiers, id)
}

// HasProvenance reports whether documentID already contributed evidence.
func (e *CanonicalEntity) HasProvenance(documentID string) bool {
	return containsString(e.Provenance, documentID)
}

// Absorb merges a mention into the entity. It returns true if anything changed.
func (e *CanonicalEntity) Absorb(alias, identifier, documentID string, at time.Time) bool {
	changed := false
	if alias = strings.TrimSpace(alias); alias != "" {
		e.Aliases, changed = addString(e.Aliases, alias, changed)
	}
	if identifier = NormalizeIdentifier(identifier); identifier != "" {
		e.Identifiers, changed = addString(e.Identifiers, identifier, changed)
	}
	if documentID != "" && !e.HasProvenance(documentID) {
		e.Provenance, changed = addString(e.Provenance, documentID, changed)
		e.EvidenceCount++
	}
	if changed {
		if name := PreferredName(e.Aliases); name != "" {
			e.CanonicalName = name
		}
		e.UpdatedAt = at
	}
	return changed
}

// Fold merges another entity of the same type into e: its aliases,
// identifiers and provenance. It returns true if anything changed.
func (e *CanonicalEntity) Fold(other *CanonicalEntity, at time.Time) bool {
	changed := false
	for _, alias := range other.Aliases {
		if e.Absorb(alias, "", "", at) {
			changed = true
		}
	}
	for _, id := range other.Identifiers {
		if e.Absorb("", id, "", at) {
			changed = true
		}
	}
	for _, doc := range other.Provenance {
		if e.Absorb("", "", doc, at) {
			changed = true
		}
	}
	return changed
}

// PreferredName picks the most descriptive alias: most name tokens, then
// longest, then lexicographically smallest. The choice is order independent.
func PreferredName(aliases []string) string {
	best := ""
	bestTokens := -1
	for _, a := range aliases {
		tokens := len(strings.Fields(NormalizeName(a)))
		switch {
		case tokens > bestTokens,
			tokens == bestTokens && len(a) > len(best),
			tokens == bestTokens && len(a) == len(best) && a < best:
			best, bestTokens = a, tokens
		}
	}
	return best
}

// Relationship is an edge between canonical entities. Strength grows
// monotonically as independent evidence documents accumulate.
type Relationship struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	SourceID      string    `json:"source_id"`
	TargetID      string    `json:"target_id"`
	Type          string    `json:"type"`
	Strength      float64   `json:"strength"`
	Evidence      []string  `json:"evidence"`
	EvidenceCount int       `json:"evidence_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// AddEvidence folds in one evidence document. Repeated evidence is a no-op.
func (r *Relationship) AddEvidence(documentID string, confidence float64, at time.Time) bool {
	if containsString(r.Evidence, documentID) {
		return false
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	r.Evidence = append(r.Evidence, documentID)
	sort.Strings(r.Evidence)
	r.EvidenceCount = len(r.Evidence)
	r.Strength = 1 - (1-r.Strength)*(1-confidence)
	if r.FirstSeen.IsZero() {
		r.FirstSeen = at
	}
	r.LastSeen = at
	return true
}

// Fold merges the evidence of a parallel edge into r. Strength combines
// only when other brings evidence r has not seen, so it never decreases.
func (r *Relationship) Fold(other *Relationship) bool {
	fresh := false
	for _, doc := range other.Evidence {
		if !containsString(r.Evidence, doc) {
			r.Evidence, fresh = addString(r.Evidence, doc, fresh)
		}
	}
	r.EvidenceCount = len(r.Evidence)
	if fresh {
		r.Strength = 1 - (1-r.Strength)*(1-other.Strength)
	} else if other.Strength > r.Strength {
		r.Strength = other.Strength
	}
	if r.FirstSeen.IsZero() || (!other.FirstSeen.IsZero() && other.FirstSeen.Before(r.FirstSeen)) {
		r.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(r.LastSeen) {
		r.LastSeen = other.LastSeen
	}
	return fresh
}

var nameFolder = cases.Fold()

// NormalizeName folds case, strips diacritics and punctuation, and collapses spaces.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	stripped = nameFolder.String(stripped)
	var b strings.Builder
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeIdentifier lowercases and trims an exact identifier such as an email.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func containsString(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}

// addString inserts s keeping list sorted and unique.
func addString(list []string, s string, changed bool) ([]string, bool) {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list, changed
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list, true
}
