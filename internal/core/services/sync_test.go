package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/evergreen-sync/internal/normalisers"
)

func newTestPipeline(h *harness, withNormalisers bool) *DocumentPipeline {
	cfg := DocumentPipelineConfig{
		Extractor:   h.extractor,
		Resolver:    h.resolver,
		Coordinator: h.coordinator,
		Logger:      discardLogger(),
	}
	if withNormalisers {
		cfg.Normalisers = normalisers.DefaultRegistry()
	}
	return NewDocumentPipeline(cfg)
}

func TestDocumentPipeline_NormalisesHTMLBeforeIndexing(t *testing.T) {
	h := newHarness(t)
	p := newTestPipeline(h, true)

	m := &domain.DocumentMutation{
		Op:       domain.MutationCreate,
		NativeID: "msg-1",
		Title:    "Quarterly review",
		MimeType: "text/html",
		Content:  "<html><body><p>Numbers are <b>up</b>.</p></body></html>",
	}
	m.EnsureFingerprint()
	require.NoError(t, p.Apply(context.Background(), h.conn, m))

	records, ok := h.vector.Records(testTenant, "msg-1")
	require.True(t, ok)
	require.NotEmpty(t, records)
	assert.NotContains(t, records[0].Content, "<b>")
	assert.Contains(t, records[0].Content, "Numbers are up.")
}

func TestDocumentPipeline_DeleteSkipsExtraction(t *testing.T) {
	h := newHarness(t)
	p := newTestPipeline(h, false)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, h.conn, upsert("doc-1", "body")))
	require.Equal(t, 1, h.graph.Count())

	extracted := false
	h.extractor.ExtractFn = func(m *domain.DocumentMutation) (*domain.Extraction, error) {
		extracted = true
		return &domain.Extraction{}, nil
	}
	require.NoError(t, p.Apply(ctx, h.conn, &domain.DocumentMutation{Op: domain.MutationDelete, NativeID: "doc-1"}))

	assert.False(t, extracted)
	assert.Zero(t, h.graph.Count())
	assert.Zero(t, h.vector.Count())
}

func TestDocumentPipeline_ExtractionFailureIndexesWithoutEntities(t *testing.T) {
	h := newHarness(t)
	p := newTestPipeline(h, false)
	h.extractor.ExtractFn = func(m *domain.DocumentMutation) (*domain.Extraction, error) {
		return nil, errors.New("extractor unavailable")
	}

	require.NoError(t, p.Apply(context.Background(), h.conn, upsert("doc-1", "body")))

	assert.Equal(t, 1, h.graph.Count())
	assert.Equal(t, 1, h.vector.Count())
	assert.Empty(t, h.entities.Entities(testTenant))
}

func TestDocumentPipeline_UnknownOp(t *testing.T) {
	h := newHarness(t)
	p := newTestPipeline(h, false)

	err := p.Apply(context.Background(), h.conn, &domain.DocumentMutation{Op: "merge", NativeID: "doc-1"})
	assert.Equal(t, domain.ErrorKindInternal, domain.KindOf(err))
}

func TestDocumentPipeline_ResolutionFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resolverDown := true
	h.lock.AcquireFn = func(name string, ttl time.Duration) (bool, error) {
		if resolverDown && strings.HasPrefix(name, "resolve:") {
			return false, errors.New("lock backend unavailable")
		}
		return true, nil
	}
	h.extractor.ExtractFn = func(m *domain.DocumentMutation) (*domain.Extraction, error) {
		return &domain.Extraction{Entities: []domain.RawEntity{person("Alice Jones", "alice@example.com")}}, nil
	}
	h.connector.FetchFullFn = pagedFull(1, 2, "delta-1")

	job := h.sync(t, domain.JobKindFull)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 2, job.DocumentsFailed)
	assert.Zero(t, h.graph.Count(), "nothing is written without a resolved graph")

	item, ok := h.retries.Item(testTenant, "p0-0")
	require.True(t, ok, "the document is queued, not dropped")
	assert.Equal(t, domain.WriteStageEntities, item.FailedStage)

	resolverDown = false
	time.Sleep(10 * time.Millisecond)
	stats, err := h.coordinator.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)

	assert.Len(t, h.entities.Entities(testTenant), 1)
	w, ok := h.graph.Document(testTenant, "p0-0")
	require.True(t, ok)
	require.Len(t, w.Entities, 1)
	assert.Equal(t, 2, h.vector.Count())
}

func TestScheduler_UnrecordedWriteFailsJobAndKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.checkpoints.Set(domain.SyncCheckpoint{ConnectionID: testConnection, Cursor: "c1", CursorKind: domain.CursorKindDelta, Version: 1})
	h.connector.FetchDeltaFn = func(ctx context.Context, cursor string) (*driven.DeltaPage, error) {
		return &driven.DeltaPage{Mutations: mocks.PagedMutations("d", 1), NextCursor: "c2"}, nil
	}
	h.vector.UpsertFn = func(tenantID, documentID string) error {
		return errors.New("vector store unavailable")
	}
	h.retries.PutFn = func(item *domain.RetryItem) error {
		return errors.New("redis unavailable")
	}
	h.ledger.MarkFn = func(rec *domain.StaleRecord) error {
		return errors.New("postgres unavailable")
	}

	job := h.sync(t, domain.JobKindDelta)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindTransient, job.FailureKind)
	cp, err := h.checkpoints.Get(ctx, testConnection)
	require.NoError(t, err)
	assert.Equal(t, "c1", cp.Cursor)
}
