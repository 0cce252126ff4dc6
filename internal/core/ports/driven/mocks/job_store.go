package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// MockJobStore is an in-memory JobStore enforcing one active job per connection
type MockJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.SyncJob
	seqs map[string]int64
}

func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		jobs: make(map[string]*domain.SyncJob),
		seqs: make(map[string]int64),
	}
}

func cloneJob(j *domain.SyncJob) *domain.SyncJob {
	c := *j
	c.Errors = append([]domain.JobError(nil), j.Errors...)
	return &c
}

func (m *MockJobStore) CreateIfIdle(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.ConnectionID == job.ConnectionID && j.Active() {
			return cloneJob(j), false, nil
		}
	}

	m.seqs[job.ConnectionID]++
	job.Seq = m.seqs[job.ConnectionID]
	m.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

func (m *MockJobStore) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MockJobStore) Update(ctx context.Context, job *domain.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Terminal() {
		return domain.ErrJobFinalized
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MockJobStore) Active(ctx context.Context, connectionID string) (*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ConnectionID == connectionID && j.Active() {
			return cloneJob(j), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockJobStore) LastTerminal(ctx context.Context, connectionID string) (*domain.SyncJob, error) {
	jobs, _ := m.List(ctx, connectionID, 0)
	for _, j := range jobs {
		if j.Terminal() {
			return j, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockJobStore) List(ctx context.Context, connectionID string, limit int) ([]*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.SyncJob
	for _, j := range m.jobs {
		if j.ConnectionID == connectionID {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq > result[k].Seq })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ByKind returns all jobs of a connection with the given kind (for test assertions)
func (m *MockJobStore) ByKind(connectionID string, kind domain.JobKind) []*domain.SyncJob {
	jobs, _ := m.List(context.Background(), connectionID, 0)
	var out []*domain.SyncJob
	for _, j := range jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}
