package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Ensure DocumentPipeline implements MutationSink and GraphBuilder
var (
	_ MutationSink = (*DocumentPipeline)(nil)
	_ GraphBuilder = (*DocumentPipeline)(nil)
)

// DocumentPipeline is the mutation sink of a sync job. Creates and updates
// are normalised, passed through the extractor and the entity resolver and
// written by the dual-write coordinator. Deletes go straight to the
// coordinator. A failed extraction counts as zero entities; a failed
// resolution parks the document in the retry queue, which rebuilds the graph
// payload through BuildGraph.
type DocumentPipeline struct {
	normalisers driven.NormaliserRegistry
	extractor   driven.Extractor
	resolver    *Resolver
	coordinator *Coordinator
	logger      *slog.Logger
}

// DocumentPipelineConfig holds dependencies for the document pipeline.
type DocumentPipelineConfig struct {
	Normalisers driven.NormaliserRegistry // Optional: content is used as-is when nil
	Extractor   driven.Extractor          // Optional: no entities are extracted when nil
	Resolver    *Resolver
	Coordinator *Coordinator
	Logger      *slog.Logger
}

// NewDocumentPipeline creates a document pipeline.
func NewDocumentPipeline(cfg DocumentPipelineConfig) *DocumentPipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &DocumentPipeline{
		normalisers: cfg.Normalisers,
		extractor:   cfg.Extractor,
		resolver:    cfg.Resolver,
		coordinator: cfg.Coordinator,
		logger:      logger,
	}
	if cfg.Coordinator != nil {
		cfg.Coordinator.SetGraphBuilder(p)
	}
	return p
}

// Apply processes a single mutation.
func (p *DocumentPipeline) Apply(ctx context.Context, conn *domain.Connection, m *domain.DocumentMutation) error {
	switch m.Op {
	case domain.MutationDelete:
		return p.coordinator.Apply(ctx, conn.TenantID, m, nil)
	case domain.MutationCreate, domain.MutationUpdate:
		return p.processAddOrUpdate(ctx, conn, m)
	default:
		return domain.NewSyncError(domain.ErrorKindInternal, "apply", fmt.Sprintf("unknown mutation op %q", m.Op), nil)
	}
}

func (p *DocumentPipeline) processAddOrUpdate(ctx context.Context, conn *domain.Connection, m *domain.DocumentMutation) error {
	if p.normalisers != nil {
		if n := p.normalisers.Get(m.MimeType); n != nil {
			m.Content = n.Normalise(m.Content, m.MimeType)
		}
	}

	graph, err := p.BuildGraph(ctx, conn.TenantID, m)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.coordinator.Defer(ctx, conn.TenantID, m, fmt.Errorf("resolve entities: %w", err))
	}
	return p.coordinator.Apply(ctx, conn.TenantID, m, graph)
}

// BuildGraph extracts and resolves the entities of a normalised mutation.
// Extraction failures only cost the entities; resolution failures are returned.
func (p *DocumentPipeline) BuildGraph(ctx context.Context, tenantID string, m *domain.DocumentMutation) (*domain.GraphWrite, error) {
	var ext *domain.Extraction
	if p.extractor != nil {
		var err error
		ext, err = p.extractor.Extract(ctx, tenantID, m)
		if err != nil {
			p.logger.Warn("entity extraction failed",
				"tenant_id", tenantID,
				"document_id", m.NativeID,
				"error", err,
			)
			ext = nil
		}
	}
	return p.resolver.Resolve(ctx, tenantID, m, ext)
}
