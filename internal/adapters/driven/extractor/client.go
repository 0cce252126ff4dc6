// Package extractor calls an external entity extraction service over HTTP.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Extractor = (*Client)(nil)

// maxContentBytes caps the content sent per document.
const maxContentBytes = 256 << 10

// Config holds extractor connection configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements driven.Extractor against POST {BaseURL}/extract.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new extractor client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	MimeType   string `json:"mime_type,omitempty"`
}

// Extract returns raw entity and relationship mentions for one document.
// Mentions with an unknown entity type or an empty name are dropped.
func (c *Client) Extract(ctx context.Context, tenantID string, m *domain.DocumentMutation) (*domain.Extraction, error) {
	content := m.Content
	if len(content) > maxContentBytes {
		content = truncateUTF8(content, maxContentBytes)
	}

	body, err := json.Marshal(extractRequest{
		TenantID:   tenantID,
		DocumentID: m.NativeID,
		Title:      m.Title,
		Content:    content,
		MimeType:   m.MimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.NewSyncError(domain.ErrorKindTransient, "extract", "extractor unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("extractor returned %s: %s", resp.Status, detail)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			te := domain.Throttled("extract", retryAfter(resp.Header.Get("Retry-After")))
			te.Err = cause
			return nil, te
		case resp.StatusCode >= 500:
			return nil, domain.NewSyncError(domain.ErrorKindTransient, "extract", "extractor unavailable", cause)
		default:
			return nil, domain.NewSyncError(domain.ErrorKindInternal, "extract", "extractor rejected document", cause)
		}
	}

	var ext domain.Extraction
	if err := json.NewDecoder(resp.Body).Decode(&ext); err != nil {
		return nil, domain.NewSyncError(domain.ErrorKindInternal, "extract", "malformed extractor response", err)
	}
	return sanitize(&ext), nil
}

func sanitize(ext *domain.Extraction) *domain.Extraction {
	entities := ext.Entities[:0]
	for _, e := range ext.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" || !knownType(e.Type) {
			continue
		}
		e.Confidence = clamp(e.Confidence)
		entities = append(entities, e)
	}
	ext.Entities = entities

	rels := ext.Relationships[:0]
	for _, r := range ext.Relationships {
		if strings.TrimSpace(r.SourceName) == "" || strings.TrimSpace(r.TargetName) == "" || r.Type == "" {
			continue
		}
		r.Confidence = clamp(r.Confidence)
		rels = append(rels, r)
	}
	ext.Relationships = rels
	return ext
}

func knownType(t domain.EntityType) bool {
	switch t {
	case domain.EntityPerson, domain.EntityOrganization, domain.EntityProject, domain.EntityDocument:
		return true
	}
	return false
}

func clamp(f float64) float64 {
	return max(0, min(1, f))
}

func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// HealthCheck calls GET {BaseURL}/health.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("extractor unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("extractor unhealthy: %s", resp.Status)
	}
	return nil
}
