package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockLeaseStore is a mock implementation of LeaseStore for testing
type MockLeaseStore struct {
	mu     sync.RWMutex
	leases map[string]domain.WebhookLease
}

func NewMockLeaseStore() *MockLeaseStore {
	return &MockLeaseStore{leases: make(map[string]domain.WebhookLease)}
}

func (m *MockLeaseStore) Get(ctx context.Context, connectionID string) (*domain.WebhookLease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leases[connectionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (m *MockLeaseStore) Save(ctx context.Context, lease *domain.WebhookLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[lease.ConnectionID] = *lease
	return nil
}

func (m *MockLeaseStore) Delete(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, connectionID)
	return nil
}

func (m *MockLeaseStore) List(ctx context.Context) ([]*domain.WebhookLease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.WebhookLease, 0, len(m.leases))
	for _, l := range m.leases {
		l := l
		result = append(result, &l)
	}
	return result, nil
}
