package domain

import "time"

// WriteStage names the downstream store a dual write failed on
type WriteStage string

const (
	// WriteStageEntities means entity resolution failed before either store was written
	WriteStageEntities WriteStage = "entities"
	WriteStageGraph    WriteStage = "graph"
	WriteStageVector   WriteStage = "vector"
)

// GraphWrite is the resolved graph payload for one document.
type GraphWrite struct {
	DocumentID    string             `json:"document_id"`
	Title         string             `json:"title,omitempty"`
	Entities      []*CanonicalEntity `json:"entities"`
	Relationships []*Relationship    `json:"relationships"`

	// Merges redirects entities folded away while resolving this document
	Merges []EntityMerge `json:"merges,omitempty"`
}

// EntityMerge records that LoserID was folded into WinnerID.
type EntityMerge struct {
	LoserID  string `json:"loser_id"`
	WinnerID string `json:"winner_id"`
}

// RetryItem is a pending compensation for a partially applied document.
// There is at most one per (tenant, document); a newer mutation replaces the
// older one and bumps Version.
type RetryItem struct {
	TenantID      string            `json:"tenant_id"`
	DocumentID    string            `json:"document_id"`
	Mutation      *DocumentMutation `json:"mutation"`
	Graph         *GraphWrite       `json:"graph,omitempty"`
	FailedStage   WriteStage        `json:"failed_stage"`
	LastError     string            `json:"last_error,omitempty"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	Version       int64             `json:"version"`
}

// Key returns the dedupe key of the item.
func (r *RetryItem) Key() string {
	return r.TenantID + "/" + r.DocumentID
}

// StaleRecord marks a document whose stores may disagree after retries were exhausted.
type StaleRecord struct {
	TenantID   string     `json:"tenant_id"`
	DocumentID string     `json:"document_id"`
	Stage      WriteStage `json:"stage"`
	Reason     string     `json:"reason"`
	Attempts   int        `json:"attempts"`
	MarkedAt   time.Time  `json:"marked_at"`
}
