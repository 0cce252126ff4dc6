package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Coordinator writes every document to the graph store first and the vector
// store second. A failure of either write parks the document in the retry
// queue, keyed by (tenant, document) so only the latest mutation is retried.
// When retries run out the document is recorded in the stale ledger.
//
// Writes of one document are serialized: Apply and Drain hold a per-document
// lock, and Drain re-reads the queued item under it so a compensation never
// overwrites a newer mutation.
type Coordinator struct {
	graph      driven.GraphStore
	vector     driven.VectorStore
	chunker    driven.Chunker
	embedder   driven.EmbeddingService
	retries    driven.RetryQueue
	ledger     driven.StaleLedger
	lock       driven.DistributedLock
	backoff    domain.Backoff
	maxRetries int
	batchSize  int
	interval   time.Duration
	lockTTL    time.Duration
	lockWait   time.Duration
	logger     *slog.Logger

	docs keyedMutex

	mu      sync.Mutex
	builder GraphBuilder
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// GraphBuilder rebuilds the graph payload of a document whose entity
// resolution failed on the first attempt.
type GraphBuilder interface {
	BuildGraph(ctx context.Context, tenantID string, m *domain.DocumentMutation) (*domain.GraphWrite, error)
}

// CoordinatorConfig holds configuration for the dual-write coordinator.
type CoordinatorConfig struct {
	Graph      driven.GraphStore
	Vector     driven.VectorStore
	Chunker    driven.Chunker
	Embedder   driven.EmbeddingService // Optional: records are indexed without vectors when nil
	Retries    driven.RetryQueue
	Ledger     driven.StaleLedger
	Lock       driven.DistributedLock // Optional: serializes writes of a document across instances
	LockTTL    time.Duration          // TTL of a document lock (default: 1m)
	LockWait   time.Duration          // How long Apply waits for a busy document (default: 2s)
	Backoff    domain.Backoff         // Delay between compensation attempts (default: 2s..5m)
	MaxRetries int                    // Attempts before a document is marked stale (default: 5)
	BatchSize  int                    // Items per drain pass (default: 100)
	Interval   time.Duration          // Drain interval of the background loop (default: 10s)
	Logger     *slog.Logger
}

// NewCoordinator creates a dual-write coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = domain.Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &Coordinator{
		graph:      cfg.Graph,
		vector:     cfg.Vector,
		chunker:    cfg.Chunker,
		embedder:   cfg.Embedder,
		retries:    cfg.Retries,
		ledger:     cfg.Ledger,
		lock:       cfg.Lock,
		backoff:    backoff,
		maxRetries: maxRetries,
		batchSize:  batch,
		interval:   interval,
		lockTTL:    lockTTL,
		lockWait:   lockWait,
		logger:     logger,
		docs:       keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

// SetGraphBuilder sets the builder used to retry failed entity resolution.
// Without one such documents are written without entities.
func (c *Coordinator) SetGraphBuilder(b GraphBuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builder = b
}

// Apply writes one mutation to both stores. On partial failure the mutation
// is queued for compensation and a partial-write error is returned.
func (c *Coordinator) Apply(ctx context.Context, tenantID string, m *domain.DocumentMutation, graph *domain.GraphWrite) error {
	unlock, ok, err := c.lockDocument(ctx, tenantID, m.NativeID, c.lockWait)
	if err != nil {
		return err
	}
	if !ok {
		// A compensation elsewhere holds the document; the queued mutation
		// supersedes whatever it writes.
		return c.park(ctx, &domain.RetryItem{
			TenantID:      tenantID,
			DocumentID:    m.NativeID,
			Mutation:      m,
			Graph:         graph,
			FailedStage:   domain.WriteStageGraph,
			LastError:     "document locked by a concurrent write",
			NextAttemptAt: time.Now(),
		}, errors.New("document locked by a concurrent write"))
	}
	defer unlock()

	stage, err := c.write(ctx, tenantID, m, graph)
	if err == nil {
		if err := c.retries.Remove(ctx, tenantID, m.NativeID); err != nil {
			c.logger.Warn("failed to drop superseded retry", "tenant_id", tenantID, "document_id", m.NativeID, "error", err)
		}
		if err := c.ledger.Clear(ctx, tenantID, m.NativeID); err != nil {
			c.logger.Warn("failed to clear stale mark", "tenant_id", tenantID, "document_id", m.NativeID, "error", err)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return c.park(ctx, &domain.RetryItem{
		TenantID:      tenantID,
		DocumentID:    m.NativeID,
		Mutation:      m,
		Graph:         graph,
		FailedStage:   stage,
		LastError:     err.Error(),
		NextAttemptAt: time.Now().Add(c.backoff.Delay(1)),
	}, err)
}

// Defer queues a mutation whose entity resolution failed. Nothing is written
// now; the drain rebuilds the graph payload and writes both stores.
func (c *Coordinator) Defer(ctx context.Context, tenantID string, m *domain.DocumentMutation, cause error) error {
	return c.park(ctx, &domain.RetryItem{
		TenantID:      tenantID,
		DocumentID:    m.NativeID,
		Mutation:      m,
		FailedStage:   domain.WriteStageEntities,
		LastError:     cause.Error(),
		NextAttemptAt: time.Now().Add(c.backoff.Delay(1)),
	}, cause)
}

// park queues item for compensation. When the queue is unavailable the
// document is marked stale instead; when that fails too the returned error
// wraps domain.ErrWriteUnrecorded.
func (c *Coordinator) park(ctx context.Context, item *domain.RetryItem, cause error) error {
	logger := c.logger.With("tenant_id", item.TenantID, "document_id", item.DocumentID, "stage", item.FailedStage)

	_, qerr := c.retries.Put(ctx, item)
	if qerr == nil {
		logger.Warn("partial dual write, compensation queued", "error", cause)
		return domain.NewSyncError(domain.ErrorKindPartialWrite, "dual_write",
			stageMessage(item.FailedStage)+", retry queued", cause)
	}

	logger.Error("failed to queue dual-write compensation", "error", qerr)
	rec := &domain.StaleRecord{
		TenantID:   item.TenantID,
		DocumentID: item.DocumentID,
		Stage:      item.FailedStage,
		Reason:     fmt.Sprintf("retry queue unavailable: %v", cause),
		MarkedAt:   time.Now(),
	}
	if lerr := c.ledger.Mark(ctx, rec); lerr != nil {
		logger.Error("failed to mark unqueued document stale", "error", lerr)
		return domain.NewSyncError(domain.ErrorKindTransient, "dual_write",
			"failed write could not be recorded",
			fmt.Errorf("%w: queue: %v, ledger: %v", domain.ErrWriteUnrecorded, qerr, lerr))
	}
	return domain.NewSyncError(domain.ErrorKindPartialWrite, "dual_write",
		stageMessage(item.FailedStage)+", document marked stale", cause)
}

func stageMessage(stage domain.WriteStage) string {
	if stage == domain.WriteStageEntities {
		return "entity resolution failed"
	}
	return fmt.Sprintf("%s store write failed", stage)
}

// write applies the mutation graph-first and reports the stage that failed.
func (c *Coordinator) write(ctx context.Context, tenantID string, m *domain.DocumentMutation, graph *domain.GraphWrite) (domain.WriteStage, error) {
	if m.Op == domain.MutationDelete {
		if err := c.graph.DeleteDocument(ctx, tenantID, m.NativeID); err != nil {
			return domain.WriteStageGraph, err
		}
		if err := c.vector.DeleteDocument(ctx, tenantID, m.NativeID); err != nil {
			return domain.WriteStageVector, err
		}
		return "", nil
	}

	if graph == nil {
		graph = &domain.GraphWrite{DocumentID: m.NativeID, Title: m.Title}
	}
	if err := c.graph.UpsertDocument(ctx, tenantID, graph); err != nil {
		return domain.WriteStageGraph, err
	}

	records, err := c.records(ctx, m)
	if err != nil {
		return domain.WriteStageVector, err
	}
	if err := c.vector.Upsert(ctx, tenantID, m.NativeID, m.Fingerprint, records); err != nil {
		return domain.WriteStageVector, err
	}
	return "", nil
}

func (c *Coordinator) records(ctx context.Context, m *domain.DocumentMutation) ([]driven.VectorRecord, error) {
	chunks := c.chunker.Chunk(m.Content)
	records := make([]driven.VectorRecord, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		records = append(records, driven.VectorRecord{
			DocumentID:  m.NativeID,
			ChunkIndex:  ch.Position,
			Fingerprint: m.Fingerprint,
			Content:     ch.Content,
			Title:       m.Title,
		})
		texts = append(texts, ch.Content)
	}
	if c.embedder == nil || len(texts) == 0 {
		return records, nil
	}

	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(records) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(records))
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}
	return records, nil
}

// DrainStats summarizes one compensation pass
type DrainStats struct {
	Attempted  int
	Succeeded  int
	Stale      int
	Superseded int
}

// Drain retries due compensations once.
func (c *Coordinator) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	items, err := c.retries.Due(ctx, time.Now(), c.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load due retries: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		logger := c.logger.With("tenant_id", item.TenantID, "document_id", item.DocumentID)

		unlock, ok, err := c.lockDocument(ctx, item.TenantID, item.DocumentID, 0)
		if err != nil {
			return stats, err
		}
		if !ok {
			logger.Debug("document busy, compensation left for the next pass")
			continue
		}
		err = c.compensate(ctx, item, &stats, logger)
		unlock()
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// compensate retries one item. The caller holds the document lock.
func (c *Coordinator) compensate(ctx context.Context, item *domain.RetryItem, stats *DrainStats, logger *slog.Logger) error {
	current, err := c.retries.Get(ctx, item.TenantID, item.DocumentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("load retry item: %w", err)
	}
	if current == nil || current.Version != item.Version {
		stats.Superseded++
		logger.Debug("compensation superseded by a newer write", "version", item.Version)
		return nil
	}
	stats.Attempted++

	graph := item.Graph
	var stage domain.WriteStage
	var werr error
	if item.FailedStage == domain.WriteStageEntities {
		if graph, werr = c.rebuildGraph(ctx, item); werr != nil {
			stage = domain.WriteStageEntities
		}
	}
	if werr == nil {
		stage, werr = c.write(ctx, item.TenantID, item.Mutation, graph)
	}
	if werr == nil {
		if _, err := c.retries.Complete(ctx, item.TenantID, item.DocumentID, item.Version); err != nil {
			return fmt.Errorf("complete retry: %w", err)
		}
		if err := c.ledger.Clear(ctx, item.TenantID, item.DocumentID); err != nil {
			logger.Warn("failed to clear stale mark", "error", err)
		}
		stats.Succeeded++
		logger.Info("dual-write compensation succeeded", "attempts", item.Attempts+1)
		return nil
	}

	item.Attempts++
	item.FailedStage = stage
	item.LastError = werr.Error()
	if stage != domain.WriteStageEntities {
		item.Graph = graph
	}
	if item.Attempts >= c.maxRetries {
		rec := &domain.StaleRecord{
			TenantID:   item.TenantID,
			DocumentID: item.DocumentID,
			Stage:      stage,
			Reason:     werr.Error(),
			Attempts:   item.Attempts,
			MarkedAt:   time.Now(),
		}
		if err := c.ledger.Mark(ctx, rec); err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
		if _, err := c.retries.Complete(ctx, item.TenantID, item.DocumentID, item.Version); err != nil {
			return fmt.Errorf("complete retry: %w", err)
		}
		stats.Stale++
		logger.Error("dual-write compensation exhausted, document marked stale",
			"stage", stage,
			"attempts", item.Attempts,
			"error", werr,
		)
		return nil
	}

	item.NextAttemptAt = time.Now().Add(c.backoff.Delay(item.Attempts + 1))
	if _, err := c.retries.Reschedule(ctx, item); err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	logger.Warn("dual-write compensation failed",
		"stage", stage,
		"attempts", item.Attempts,
		"error", werr,
	)
	return nil
}

func (c *Coordinator) rebuildGraph(ctx context.Context, item *domain.RetryItem) (*domain.GraphWrite, error) {
	c.mu.Lock()
	builder := c.builder
	c.mu.Unlock()
	if builder == nil {
		c.logger.Warn("no graph builder, writing document without entities",
			"tenant_id", item.TenantID,
			"document_id", item.DocumentID,
		)
		return nil, nil
	}
	return builder.BuildGraph(ctx, item.TenantID, item.Mutation)
}

// lockDocument takes the in-process lock of a document and, when a
// distributed lock is configured, the cross-instance one, polling for up to
// wait. ok is false when another instance holds the document.
func (c *Coordinator) lockDocument(ctx context.Context, tenantID, documentID string, wait time.Duration) (unlock func(), ok bool, err error) {
	key := tenantID + "/" + documentID
	release := c.docs.Lock(key)
	if c.lock == nil {
		return release, true, nil
	}

	name := "dualwrite:" + key
	deadline := time.Now().Add(wait)
	for {
		acquired, err := c.lock.Acquire(ctx, name, c.lockTTL)
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			c.logger.Warn("failed to acquire document lock", "document_id", documentID, "error", err)
			return nil, false, nil
		}
		if acquired {
			return func() {
				if err := c.lock.Release(context.WithoutCancel(ctx), name); err != nil {
					c.logger.Warn("failed to release document lock", "document_id", documentID, "error", err)
				}
				release()
			}, true, nil
		}
		if !time.Now().Before(deadline) {
			release()
			return nil, false, nil
		}
		if err := sleepCtx(ctx, 20*time.Millisecond); err != nil {
			release()
			return nil, false, err
		}
	}
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Audit lists documents whose stores may disagree.
func (c *Coordinator) Audit(ctx context.Context, tenantID string) ([]*domain.StaleRecord, error) {
	return c.ledger.List(ctx, tenantID)
}

// Start runs Drain periodically until Stop is called or ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error("retry drain failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the background drain loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.mu.Unlock()

	<-c.doneCh

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}
