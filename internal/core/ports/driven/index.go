package driven

import (
	"context"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// VectorRecord is one chunk to index
type VectorRecord struct {
	DocumentID  string
	ChunkIndex  int
	Fingerprint string
	Content     string
	Title       string
	Vector      []float32
}

// VectorStore is the semantic index. Upserts are idempotent on
// (document, chunk) and drop chunks left over from older fingerprints.
type VectorStore interface {
	Upsert(ctx context.Context, tenantID, documentID, fingerprint string, records []VectorRecord) error
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	HealthCheck(ctx context.Context) error
}

// GraphStore is the knowledge graph. Writes are MERGE-style and idempotent.
type GraphStore interface {
	UpsertDocument(ctx context.Context, tenantID string, write *domain.GraphWrite) error
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	HealthCheck(ctx context.Context) error
}

// Extractor produces raw entity and relationship mentions for a document.
type Extractor interface {
	Extract(ctx context.Context, tenantID string, m *domain.DocumentMutation) (*domain.Extraction, error)
}

// EmbeddingService generates text embeddings
type EmbeddingService interface {
	// Embed generates embeddings for multiple texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension size
	Dimensions() int

	// Model returns the model name being used
	Model() string

	// HealthCheck verifies the embedding service is available
	HealthCheck(ctx context.Context) error
}

// Chunk is a piece of document content ready for embedding
type Chunk struct {
	Content     string
	Position    int
	StartOffset int
	EndOffset   int
}

// Chunker splits document content into chunks.
// Implemented by the post-processing pipeline.
type Chunker interface {
	Chunk(content string) []Chunk
}

// ClientStateIssuer signs and verifies the opaque client state attached to
// webhook subscriptions so notifications can be traced back to a connection.
type ClientStateIssuer interface {
	Issue(connectionID, tenantID string) (string, error)

	// Verify returns the connection ID the token was issued for.
	Verify(token string) (string, error)
}
