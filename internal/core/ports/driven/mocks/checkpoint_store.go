package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockCheckpointStore is an in-memory CheckpointStore with CAS semantics
type MockCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]domain.SyncCheckpoint

	// Writes counts successful CompareAndSwap calls
	Writes int

	// CompareAndSwapFn runs before the CAS; a non-nil error is returned as is
	CompareAndSwapFn func(cp *domain.SyncCheckpoint, expectedVersion int64) error
}

func NewMockCheckpointStore() *MockCheckpointStore {
	return &MockCheckpointStore{checkpoints: make(map[string]domain.SyncCheckpoint)}
}

func (m *MockCheckpointStore) Get(ctx context.Context, connectionID string) (*domain.SyncCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[connectionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cp, nil
}

func (m *MockCheckpointStore) CompareAndSwap(ctx context.Context, cp *domain.SyncCheckpoint, expectedVersion int64) (int64, error) {
	if m.CompareAndSwapFn != nil {
		if err := m.CompareAndSwapFn(cp, expectedVersion); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.checkpoints[cp.ConnectionID]
	var version int64
	if ok {
		version = current.Version
	}
	if version != expectedVersion {
		return 0, domain.ErrCheckpointConflict
	}

	stored := *cp
	stored.Version = version + 1
	stored.UpdatedAt = time.Now()
	m.checkpoints[cp.ConnectionID] = stored
	m.Writes++
	return stored.Version, nil
}

func (m *MockCheckpointStore) Delete(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, connectionID)
	return nil
}

// Set stores a checkpoint directly (for test setup)
func (m *MockCheckpointStore) Set(cp domain.SyncCheckpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ConnectionID] = cp
}
