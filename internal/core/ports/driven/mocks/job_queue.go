package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// MockJobQueue is an in-memory JobQueue honoring ScheduledFor
type MockJobQueue struct {
	mu       sync.Mutex
	pending  []*domain.SyncJob
	inflight map[string]*domain.SyncJob

	Enqueued []string
	Acked    []string
	Nacked   []string

	EnqueueFn func(job *domain.SyncJob) error
}

func NewMockJobQueue() *MockJobQueue {
	return &MockJobQueue{inflight: make(map[string]*domain.SyncJob)}
}

func (m *MockJobQueue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	if m.EnqueueFn != nil {
		if err := m.EnqueueFn(job); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, cloneJob(job))
	m.Enqueued = append(m.Enqueued, job.ID)
	return nil
}

func (m *MockJobQueue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.SyncJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		if job := m.pop(); job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MockJobQueue) pop() *domain.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i, j := range m.pending {
		if j.ScheduledFor.After(now) {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.inflight[j.ID] = j
		return cloneJob(j)
	}
	return nil
}

func (m *MockJobQueue) Ack(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, jobID)
	m.Acked = append(m.Acked, jobID)
	return nil
}

func (m *MockJobQueue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.inflight[jobID]; ok {
		delete(m.inflight, jobID)
		j.ScheduledFor = time.Now().Add(delay)
		m.pending = append(m.pending, j)
	}
	m.Nacked = append(m.Nacked, jobID)
	return nil
}

func (m *MockJobQueue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &driven.QueueStats{ProcessingCount: int64(len(m.inflight))}
	now := time.Now()
	for _, j := range m.pending {
		if j.ScheduledFor.After(now) {
			stats.ScheduledCount++
		} else {
			stats.PendingCount++
		}
	}
	return stats, nil
}

func (m *MockJobQueue) Ping(ctx context.Context) error { return nil }

func (m *MockJobQueue) Close() error { return nil }

// Pending returns the number of queued jobs (for test assertions)
func (m *MockJobQueue) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MockClientStateIssuer encodes the connection ID in the clear
type MockClientStateIssuer struct{}

func (MockClientStateIssuer) Issue(connectionID, tenantID string) (string, error) {
	return "state:" + connectionID, nil
}

func (MockClientStateIssuer) Verify(token string) (string, error) {
	if len(token) <= len("state:") || token[:len("state:")] != "state:" {
		return "", domain.ErrTokenInvalid
	}
	return token[len("state:"):], nil
}
