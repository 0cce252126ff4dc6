package qdrant

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorStore = (*VectorStore)(nil)

// pointNamespace derives stable point IDs from "documentID:chunk".
var pointNamespace = uuid.MustParse("6f1c8a52-3c1e-4d7b-9a57-0e6c2f4b8d11")

// Config holds Qdrant connection configuration
type Config struct {
	// BaseURL is the Qdrant REST endpoint (e.g., http://localhost:6333)
	BaseURL string

	// APIKey is sent as the api-key header when set
	APIKey string

	// Dimensions of the vectors; used when a tenant collection is created
	Dimensions int

	// Timeout for HTTP requests
	Timeout time.Duration
}

// VectorStore implements driven.VectorStore on Qdrant with one collection
// per tenant.
type VectorStore struct {
	baseURL    string
	apiKey     string
	dimensions int
	httpClient *http.Client

	mu      sync.Mutex
	ensured map[string]bool
}

// NewVectorStore creates a Qdrant-backed VectorStore
func NewVectorStore(cfg Config) *VectorStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VectorStore{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
		ensured:    make(map[string]bool),
	}
}

// CollectionName returns the collection holding a tenant's chunks. Tenant
// IDs that are already valid names are used as they are. Any other ID is
// sanitised and suffixed with a hash of the raw ID under a distinct prefix,
// so "a.b", "A.B" and "a_b" each get their own collection.
func CollectionName(tenantID string) string {
	var b strings.Builder
	lossy := false
	for _, r := range tenantID {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToLower(r))
			lossy = true
		default:
			b.WriteByte('_')
			lossy = true
		}
	}
	if !lossy {
		return "evergreen_" + b.String()
	}
	sum := blake2b.Sum256([]byte(tenantID))
	return "evergreen-" + b.String() + "-" + hex.EncodeToString(sum[:8])
}

// PointID returns the deterministic point ID of one chunk.
func PointID(documentID string, chunk int) string {
	return uuid.NewSHA1(pointNamespace, []byte(documentID+":"+strconv.Itoa(chunk))).String()
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type matchValue struct {
	Value string `json:"value"`
}

type condition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type filter struct {
	Must    []condition `json:"must,omitempty"`
	MustNot []condition `json:"must_not,omitempty"`
}

// Upsert writes the document's chunks, then deletes chunks that belong to
// an older fingerprint. Replaying the same upsert leaves the same points.
func (s *VectorStore) Upsert(ctx context.Context, tenantID, documentID, fingerprint string, records []driven.VectorRecord) error {
	collection := CollectionName(tenantID)

	if len(records) > 0 {
		dims := len(records[0].Vector)
		if dims == 0 {
			dims = s.dimensions
		}
		if err := s.ensureCollection(ctx, collection, dims); err != nil {
			return err
		}

		points := make([]point, 0, len(records))
		for _, r := range records {
			points = append(points, point{
				ID:     PointID(documentID, r.ChunkIndex),
				Vector: r.Vector,
				Payload: map[string]any{
					"document_id": documentID,
					"chunk_index": r.ChunkIndex,
					"fingerprint": fingerprint,
					"content":     r.Content,
					"title":       r.Title,
				},
			})
		}
		path := "/collections/" + collection + "/points?wait=true"
		if _, err := s.do(ctx, http.MethodPut, path, map[string]any{"points": points}); err != nil {
			return err
		}
	}

	f := filter{
		Must:    []condition{{Key: "document_id", Match: matchValue{Value: documentID}}},
		MustNot: []condition{{Key: "fingerprint", Match: matchValue{Value: fingerprint}}},
	}
	return s.deleteByFilter(ctx, collection, f)
}

// DeleteDocument removes every chunk of a document.
func (s *VectorStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	f := filter{Must: []condition{{Key: "document_id", Match: matchValue{Value: documentID}}}}
	return s.deleteByFilter(ctx, CollectionName(tenantID), f)
}

func (s *VectorStore) deleteByFilter(ctx context.Context, collection string, f filter) error {
	path := "/collections/" + collection + "/points/delete?wait=true"
	status, err := s.do(ctx, http.MethodPost, path, map[string]any{"filter": f})
	if status == http.StatusNotFound {
		// Nothing was ever written for this tenant.
		return nil
	}
	return err
}

// HealthCheck verifies Qdrant is ready.
func (s *VectorStore) HealthCheck(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, "/readyz", nil)
	return err
}

func (s *VectorStore) ensureCollection(ctx context.Context, collection string, dims int) error {
	s.mu.Lock()
	done := s.ensured[collection]
	s.mu.Unlock()
	if done {
		return nil
	}
	if dims <= 0 {
		return domain.NewSyncError(domain.ErrorKindInternal, "qdrant", "vector dimensions unknown", nil)
	}

	body := map[string]any{"vectors": map[string]any{"size": dims, "distance": "Cosine"}}
	status, err := s.do(ctx, http.MethodPut, "/collections/"+collection, body)
	if err != nil && status != http.StatusConflict {
		return err
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

// do sends a JSON request. Non-2xx responses become classified errors; the
// response body is kept out of the status-safe message.
func (s *VectorStore) do(ctx context.Context, method, path string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, domain.NewSyncError(domain.ErrorKindTransient, "qdrant", "vector store unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	cause := fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, detail)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		te := domain.Throttled("qdrant", 0)
		te.Err = cause
		return resp.StatusCode, te
	case resp.StatusCode >= 500:
		return resp.StatusCode, domain.NewSyncError(domain.ErrorKindTransient, "qdrant", "vector store unavailable", cause)
	default:
		return resp.StatusCode, domain.NewSyncError(domain.ErrorKindInternal, "qdrant", "vector store rejected request", cause)
	}
}
