package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// MockVectorStore keeps the latest records per (tenant, document)
type MockVectorStore struct {
	mu      sync.Mutex
	docs    map[string][]driven.VectorRecord
	Upserts int
	Deletes int

	UpsertFn func(tenantID, documentID string) error
	DeleteFn func(tenantID, documentID string) error
}

func NewMockVectorStore() *MockVectorStore {
	return &MockVectorStore{docs: make(map[string][]driven.VectorRecord)}
}

func (m *MockVectorStore) Upsert(ctx context.Context, tenantID, documentID, fingerprint string, records []driven.VectorRecord) error {
	if m.UpsertFn != nil {
		if err := m.UpsertFn(tenantID, documentID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[tenantID+"/"+documentID] = append([]driven.VectorRecord(nil), records...)
	m.Upserts++
	return nil
}

func (m *MockVectorStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if m.DeleteFn != nil {
		if err := m.DeleteFn(tenantID, documentID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, tenantID+"/"+documentID)
	m.Deletes++
	return nil
}

func (m *MockVectorStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Records returns the indexed records of a document (for test assertions)
func (m *MockVectorStore) Records(tenantID, documentID string) ([]driven.VectorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.docs[tenantID+"/"+documentID]
	return r, ok
}

// Count returns the number of indexed documents
func (m *MockVectorStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// MockGraphStore keeps the latest graph write per (tenant, document)
type MockGraphStore struct {
	mu      sync.Mutex
	docs    map[string]*domain.GraphWrite
	Upserts int
	Deletes int

	UpsertFn func(tenantID string, write *domain.GraphWrite) error
	DeleteFn func(tenantID, documentID string) error
}

func NewMockGraphStore() *MockGraphStore {
	return &MockGraphStore{docs: make(map[string]*domain.GraphWrite)}
}

func (m *MockGraphStore) UpsertDocument(ctx context.Context, tenantID string, write *domain.GraphWrite) error {
	if m.UpsertFn != nil {
		if err := m.UpsertFn(tenantID, write); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[tenantID+"/"+write.DocumentID] = write
	m.Upserts++
	return nil
}

func (m *MockGraphStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if m.DeleteFn != nil {
		if err := m.DeleteFn(tenantID, documentID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, tenantID+"/"+documentID)
	m.Deletes++
	return nil
}

func (m *MockGraphStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Document returns the graph write of a document (for test assertions)
func (m *MockGraphStore) Document(tenantID, documentID string) (*domain.GraphWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.docs[tenantID+"/"+documentID]
	return w, ok
}

// Count returns the number of documents in the graph
func (m *MockGraphStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// MockExtractor returns a fixed or computed extraction
type MockExtractor struct {
	ExtractFn func(m *domain.DocumentMutation) (*domain.Extraction, error)
}

func (e *MockExtractor) Extract(ctx context.Context, tenantID string, m *domain.DocumentMutation) (*domain.Extraction, error) {
	if e.ExtractFn != nil {
		return e.ExtractFn(m)
	}
	return &domain.Extraction{}, nil
}

// MockEmbeddingService returns fixed-size zero vectors
type MockEmbeddingService struct {
	Dims    int
	EmbedFn func(texts []string) ([][]float32, error)
}

func NewMockEmbeddingService(dims int) *MockEmbeddingService {
	return &MockEmbeddingService{Dims: dims}
}

func (m *MockEmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, m.Dims)
	}
	return out, nil
}

func (m *MockEmbeddingService) Dimensions() int { return m.Dims }

func (m *MockEmbeddingService) Model() string { return "mock-embedding" }

func (m *MockEmbeddingService) HealthCheck(ctx context.Context) error { return nil }

// MockChunker returns the whole content as one chunk
type MockChunker struct{}

func (MockChunker) Chunk(content string) []driven.Chunk {
	if content == "" {
		return nil
	}
	return []driven.Chunk{{Content: content, EndOffset: len(content)}}
}
