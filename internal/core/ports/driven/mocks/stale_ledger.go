package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockStaleLedger is a mock implementation of StaleLedger for testing
type MockStaleLedger struct {
	mu      sync.Mutex
	records map[string]domain.StaleRecord

	MarkFn func(rec *domain.StaleRecord) error
}

func NewMockStaleLedger() *MockStaleLedger {
	return &MockStaleLedger{records: make(map[string]domain.StaleRecord)}
}

func (m *MockStaleLedger) Mark(ctx context.Context, rec *domain.StaleRecord) error {
	if m.MarkFn != nil {
		if err := m.MarkFn(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TenantID+"/"+rec.DocumentID] = *rec
	return nil
}

func (m *MockStaleLedger) Clear(ctx context.Context, tenantID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tenantID+"/"+documentID)
	return nil
}

func (m *MockStaleLedger) IsStale(ctx context.Context, tenantID, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[tenantID+"/"+documentID]
	return ok, nil
}

func (m *MockStaleLedger) List(ctx context.Context, tenantID string) ([]*domain.StaleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.StaleRecord
	for _, r := range m.records {
		if r.TenantID == tenantID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}
