package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Ensure Factory implements the interface.
var _ driven.ConnectorFactory = (*Factory)(nil)

// Factory keeps a registry of ConnectorBuilders, one per provider kind.
type Factory struct {
	mu       sync.RWMutex
	builders map[domain.ProviderKind]driven.ConnectorBuilder
}

// NewFactory creates a connector factory.
func NewFactory() *Factory {
	return &Factory{builders: make(map[domain.ProviderKind]driven.ConnectorBuilder)}
}

// Register registers a connector builder. A later builder for the same
// provider replaces the earlier one.
func (f *Factory) Register(builder driven.ConnectorBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[builder.Provider()] = builder
}

// Create builds a connector for the connection's provider.
func (f *Factory) Create(ctx context.Context, conn *domain.Connection) (driven.Connector, error) {
	f.mu.RLock()
	builder, ok := f.builders[conn.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectorNotFound, conn.Provider)
	}

	connector, err := builder.Build(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", conn.Provider, err)
	}
	return connector, nil
}

// SupportedProviders returns all registered provider kinds, sorted.
func (f *Factory) SupportedProviders() []domain.ProviderKind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]domain.ProviderKind, 0, len(f.builders))
	for k := range f.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
