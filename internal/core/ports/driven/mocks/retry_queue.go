package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockRetryQueue is an in-memory RetryQueue with per-document versions
type MockRetryQueue struct {
	mu    sync.Mutex
	items map[string]domain.RetryItem
	seq   int64

	PutFn func(item *domain.RetryItem) error
	// DueFn runs after Due has loaded its items
	DueFn func(items []*domain.RetryItem)
}

func NewMockRetryQueue() *MockRetryQueue {
	return &MockRetryQueue{items: make(map[string]domain.RetryItem)}
}

func (m *MockRetryQueue) Put(ctx context.Context, item *domain.RetryItem) (int64, error) {
	if m.PutFn != nil {
		if err := m.PutFn(item); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *item
	m.seq++
	stored.Version = m.seq
	m.items[item.Key()] = stored
	item.Version = stored.Version
	return stored.Version, nil
}

func (m *MockRetryQueue) Get(ctx context.Context, tenantID, documentID string) (*domain.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[tenantID+"/"+documentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &it, nil
}

func (m *MockRetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error) {
	due := m.due(now, limit)
	if m.DueFn != nil {
		m.DueFn(due)
	}
	return due, nil
}

func (m *MockRetryQueue) due(now time.Time, limit int) []*domain.RetryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*domain.RetryItem
	for _, it := range m.items {
		if !it.NextAttemptAt.After(now) {
			it := it
			due = append(due, &it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (m *MockRetryQueue) Complete(ctx context.Context, tenantID, documentID string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + documentID
	if it, ok := m.items[key]; ok && it.Version == version {
		delete(m.items, key)
		return true, nil
	}
	return false, nil
}

func (m *MockRetryQueue) Reschedule(ctx context.Context, item *domain.RetryItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[item.Key()]; !ok || it.Version != item.Version {
		return false, nil
	}
	m.items[item.Key()] = *item
	return true, nil
}

func (m *MockRetryQueue) Remove(ctx context.Context, tenantID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, tenantID+"/"+documentID)
	return nil
}

func (m *MockRetryQueue) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// Item returns the pending item for a document (for test assertions)
func (m *MockRetryQueue) Item(tenantID, documentID string) (*domain.RetryItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[tenantID+"/"+documentID]
	return &it, ok
}
