package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockConnectionStore is a mock implementation of ConnectionStore for testing
type MockConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]domain.Connection
}

func NewMockConnectionStore(conns ...*domain.Connection) *MockConnectionStore {
	m := &MockConnectionStore{connections: make(map[string]domain.Connection)}
	for _, c := range conns {
		m.connections[c.ID] = *c
	}
	return m
}

func (m *MockConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (m *MockConnectionStore) Save(ctx context.Context, conn *domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = *conn
	return nil
}

func (m *MockConnectionStore) List(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Connection
	for _, c := range m.connections {
		if status != "" && c.Status != status {
			continue
		}
		c := c
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
