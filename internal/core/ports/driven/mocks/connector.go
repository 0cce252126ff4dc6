package mocks

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// MockConnector is a mock implementation of Connector for testing.
// Calls are counted; behavior comes from the Fn hooks.
type MockConnector struct {
	mu sync.Mutex

	Caps driven.ConnectorCapabilities

	AuthenticateFn func(ctx context.Context) error
	FetchFullFn    func(ctx context.Context, pageToken string) (*driven.FullPage, error)
	FetchDeltaFn   func(ctx context.Context, cursor string) (*driven.DeltaPage, error)
	SubscribeFn    func(ctx context.Context, req driven.SubscriptionRequest) (*driven.Subscription, error)
	RenewFn        func(ctx context.Context, subscriptionID string, expiresAt time.Time) (*driven.Subscription, error)
	UnsubscribeFn  func(ctx context.Context, subscriptionID string) error

	FullCalls        int
	DeltaCalls       int
	DeltaCursors     []string
	SubscribeCalls   int
	RenewCalls       int
	UnsubscribeCalls int
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		Caps: driven.ConnectorCapabilities{Push: true, MaxLease: 72 * time.Hour},
	}
}

func (m *MockConnector) Capabilities() driven.ConnectorCapabilities {
	return m.Caps
}

func (m *MockConnector) Authenticate(ctx context.Context) error {
	if m.AuthenticateFn != nil {
		return m.AuthenticateFn(ctx)
	}
	return nil
}

func (m *MockConnector) FetchFull(ctx context.Context, pageToken string) (*driven.FullPage, error) {
	m.mu.Lock()
	m.FullCalls++
	m.mu.Unlock()
	if m.FetchFullFn != nil {
		return m.FetchFullFn(ctx, pageToken)
	}
	return &driven.FullPage{DeltaCursor: "delta-0"}, nil
}

func (m *MockConnector) FetchDelta(ctx context.Context, cursor string) (*driven.DeltaPage, error) {
	m.mu.Lock()
	m.DeltaCalls++
	m.DeltaCursors = append(m.DeltaCursors, cursor)
	m.mu.Unlock()
	if m.FetchDeltaFn != nil {
		return m.FetchDeltaFn(ctx, cursor)
	}
	return &driven.DeltaPage{NextCursor: cursor}, nil
}

func (m *MockConnector) SubscribeWebhook(ctx context.Context, req driven.SubscriptionRequest) (*driven.Subscription, error) {
	m.mu.Lock()
	m.SubscribeCalls++
	m.mu.Unlock()
	if m.SubscribeFn != nil {
		return m.SubscribeFn(ctx, req)
	}
	return &driven.Subscription{ID: "sub-1", Resource: "me/messages", ExpiresAt: req.ExpiresAt}, nil
}

func (m *MockConnector) RenewWebhook(ctx context.Context, subscriptionID string, expiresAt time.Time) (*driven.Subscription, error) {
	m.mu.Lock()
	m.RenewCalls++
	m.mu.Unlock()
	if m.RenewFn != nil {
		return m.RenewFn(ctx, subscriptionID, expiresAt)
	}
	return &driven.Subscription{ID: subscriptionID, ExpiresAt: expiresAt}, nil
}

func (m *MockConnector) UnsubscribeWebhook(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	m.UnsubscribeCalls++
	m.mu.Unlock()
	if m.UnsubscribeFn != nil {
		return m.UnsubscribeFn(ctx, subscriptionID)
	}
	return nil
}

// MockConnectorFactory returns the same connector for every connection
type MockConnectorFactory struct {
	Connector *MockConnector
	CreateFn  func(ctx context.Context, conn *domain.Connection) (driven.Connector, error)
}

func NewMockConnectorFactory(connector *MockConnector) *MockConnectorFactory {
	return &MockConnectorFactory{Connector: connector}
}

func (m *MockConnectorFactory) Register(builder driven.ConnectorBuilder) {}

func (m *MockConnectorFactory) Create(ctx context.Context, conn *domain.Connection) (driven.Connector, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, conn)
	}
	return m.Connector, nil
}

func (m *MockConnectorFactory) SupportedProviders() []domain.ProviderKind {
	return []domain.ProviderKind{domain.ProviderMicrosoft365}
}

// PagedMutations builds n create mutations with stable IDs prefixed by prefix
func PagedMutations(prefix string, n int) []*domain.DocumentMutation {
	out := make([]*domain.DocumentMutation, 0, n)
	for i := 0; i < n; i++ {
		id := prefix + "-" + strconv.Itoa(i)
		out = append(out, &domain.DocumentMutation{
			Op:       domain.MutationCreate,
			NativeID: id,
			Title:    "Document " + id,
			Content:  "Body of " + id,
		})
	}
	return out
}
