// Package microsoft365 implements the Microsoft Graph mail connector.
package microsoft365

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ConnectorBuilder = (*Builder)(nil)

const (
	// DefaultGraphURL is the Microsoft Graph v1.0 endpoint.
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"

	// DefaultResource is the mailbox collection that is synced.
	DefaultResource = "me/mailFolders('Inbox')/messages"

	// MaxLease is the longest mail subscription Graph grants.
	MaxLease = 4230 * time.Minute

	defaultPageSize = 50
	defaultTimeout  = 30 * time.Second
)

// Config holds Microsoft Graph connection settings.
type Config struct {
	GraphURL string
	Resource string
	PageSize int
	Timeout  time.Duration
}

// Builder creates Microsoft 365 connectors.
type Builder struct {
	cfg         Config
	credentials driven.CredentialResolver
	httpClient  *http.Client
}

// NewBuilder creates a new Microsoft 365 connector builder.
func NewBuilder(cfg Config, credentials driven.CredentialResolver) *Builder {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	cfg.GraphURL = strings.TrimSuffix(cfg.GraphURL, "/")
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Builder{
		cfg:         cfg,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Provider returns the provider kind this builder creates.
func (b *Builder) Provider() domain.ProviderKind {
	return domain.ProviderMicrosoft365
}

// Build creates a connector for the connection. The token is resolved per
// request so a credential refreshed mid-sync is picked up.
func (b *Builder) Build(ctx context.Context, conn *domain.Connection) (driven.Connector, error) {
	if conn == nil || conn.CredentialRef == "" {
		return nil, errors.New("microsoft365: connection has no credential reference")
	}
	c := &client{
		baseURL:    b.cfg.GraphURL,
		httpClient: b.httpClient,
		token: func(ctx context.Context) (string, error) {
			return b.credentials.AccessToken(ctx, conn.CredentialRef)
		},
	}
	return &Connector{client: c, resource: b.cfg.Resource, pageSize: b.cfg.PageSize}, nil
}
