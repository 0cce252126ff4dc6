package services

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven/mocks"
)

const (
	testTenant     = "tenant-1"
	testConnection = "conn-1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() domain.Backoff {
	return domain.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
}

// harness wires the full sync engine over in-memory mocks
type harness struct {
	conn        *domain.Connection
	connector   *mocks.MockConnector
	connections *mocks.MockConnectionStore
	checkpoints *mocks.MockCheckpointStore
	jobs        *mocks.MockJobStore
	leases      *mocks.MockLeaseStore
	queue       *mocks.MockJobQueue
	lock        *mocks.MockDistributedLock
	entities    *mocks.MockEntityStore
	vector      *mocks.MockVectorStore
	graph       *mocks.MockGraphStore
	retries     *mocks.MockRetryQueue
	ledger      *mocks.MockStaleLedger
	extractor   *mocks.MockExtractor

	limiter     *RateLimiter
	reconciler  *Reconciler
	resolver    *Resolver
	coordinator *Coordinator
	pipeline    *DocumentPipeline
	scheduler   *Scheduler
	leaseMgr    *LeaseManager
}

type harnessOption func(*SchedulerConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := discardLogger()

	h := &harness{
		conn: &domain.Connection{
			ID:       testConnection,
			TenantID: testTenant,
			Provider: domain.ProviderMicrosoft365,
			Status:   domain.ConnectionStatusActive,
		},
		connector:   mocks.NewMockConnector(),
		checkpoints: mocks.NewMockCheckpointStore(),
		jobs:        mocks.NewMockJobStore(),
		leases:      mocks.NewMockLeaseStore(),
		queue:       mocks.NewMockJobQueue(),
		lock:        mocks.NewMockDistributedLock(),
		entities:    mocks.NewMockEntityStore(),
		vector:      mocks.NewMockVectorStore(),
		graph:       mocks.NewMockGraphStore(),
		retries:     mocks.NewMockRetryQueue(),
		ledger:      mocks.NewMockStaleLedger(),
		extractor:   &mocks.MockExtractor{},
	}
	h.connections = mocks.NewMockConnectionStore(h.conn)
	factory := mocks.NewMockConnectorFactory(h.connector)

	h.limiter = NewRateLimiter(RateLimiterConfig{
		DefaultQuota: Quota{RequestsPerSecond: 10000, Burst: 10000},
		DefaultPause: 10 * time.Millisecond,
		Logger:       logger,
	})
	h.reconciler = NewReconciler(ReconcilerConfig{
		Checkpoints:     h.checkpoints,
		Limiter:         h.limiter,
		PageBackoff:     fastBackoff(),
		MaxPageAttempts: 2,
		Logger:          logger,
	})
	h.resolver = NewResolver(ResolverConfig{Store: h.entities, Lock: h.lock, Logger: logger})
	h.coordinator = NewCoordinator(CoordinatorConfig{
		Graph:    h.graph,
		Vector:   h.vector,
		Chunker:  mocks.MockChunker{},
		Embedder: mocks.NewMockEmbeddingService(4),
		Retries:  h.retries,
		Ledger:   h.ledger,
		Lock:     h.lock,
		Backoff:  fastBackoff(),
		Logger:   logger,
	})
	h.pipeline = NewDocumentPipeline(DocumentPipelineConfig{
		Extractor:   h.extractor,
		Resolver:    h.resolver,
		Coordinator: h.coordinator,
		Logger:      logger,
	})

	cfg := SchedulerConfig{
		Connections:            h.connections,
		Jobs:                   h.jobs,
		Checkpoints:            h.checkpoints,
		Leases:                 h.leases,
		Queue:                  h.queue,
		Lock:                   h.lock,
		Connectors:             factory,
		Reconciler:             h.reconciler,
		Sink:                   h.pipeline,
		Logger:                 logger,
		Backoff:                fastBackoff(),
		MaxConsecutiveFailures: 3,
		JobTimeout:             5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.scheduler = NewScheduler(cfg)

	h.leaseMgr = NewLeaseManager(LeaseManagerConfig{
		Leases:           h.leases,
		Connections:      h.connections,
		Connectors:       factory,
		Issuer:           mocks.MockClientStateIssuer{},
		Scheduler:        h.scheduler,
		NotificationURL:  "https://sync.example.com/webhooks/microsoft365",
		Backoff:          fastBackoff(),
		MaxRenewAttempts: 2,
		Logger:           logger,
	})
	h.scheduler.SetLeaseTeardown(h.leaseMgr)
	return h
}

// runNext dequeues one job, executes it and returns its stored state.
func (h *harness) runNext(t *testing.T) *domain.SyncJob {
	t.Helper()
	ctx := context.Background()

	queued, err := h.queue.DequeueWithTimeout(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, queued, "expected a queued job")
	require.NoError(t, h.scheduler.Execute(ctx, queued))
	require.NoError(t, h.queue.Ack(ctx, queued.ID))

	job, err := h.jobs.Get(ctx, queued.ID)
	require.NoError(t, err)
	return job
}

// sync requests a job of kind and runs it.
func (h *harness) sync(t *testing.T, kind domain.JobKind) *domain.SyncJob {
	t.Helper()
	_, err := h.scheduler.RequestSync(context.Background(), testConnection, kind)
	require.NoError(t, err)
	return h.runNext(t)
}

func (h *harness) connection(t *testing.T) *domain.Connection {
	t.Helper()
	conn, err := h.connections.Get(context.Background(), testConnection)
	require.NoError(t, err)
	return conn
}

// pagedFull serves pages of size docs each and finishes with cursor.
func pagedFull(pages, size int, cursor string) func(context.Context, string) (*driven.FullPage, error) {
	all := make([][]*domain.DocumentMutation, pages)
	for p := range all {
		all[p] = mocks.PagedMutations("p"+strconv.Itoa(p), size)
	}
	return func(ctx context.Context, token string) (*driven.FullPage, error) {
		idx := 0
		if token != "" {
			idx, _ = strconv.Atoi(token)
		}
		page := &driven.FullPage{Mutations: all[idx]}
		if idx+1 < pages {
			page.NextPageToken = strconv.Itoa(idx + 1)
		} else {
			page.DeltaCursor = cursor
		}
		return page, nil
	}
}
