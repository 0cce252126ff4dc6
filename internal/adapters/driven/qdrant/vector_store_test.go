package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// fakeQdrant keeps points in memory and applies document/fingerprint filters.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]int
	points      map[string]map[string]map[string]any // collection -> id -> payload
	creates     int
	apiKeys     []string
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		collections: make(map[string]int),
		points:      make(map[string]map[string]map[string]any),
	}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/readyz":
		w.WriteHeader(http.StatusOK)

	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodPut:
		var body struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.collections[parts[1]]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.creates++
		f.collections[parts[1]] = body.Vectors.Size
		f.points[parts[1]] = make(map[string]map[string]any)

	case len(parts) == 3 && parts[2] == "points" && r.Method == http.MethodPut:
		var body struct {
			Points []point `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			f.points[parts[1]][p.ID] = p.Payload
		}

	case len(parts) == 4 && parts[3] == "delete":
		pts, ok := f.points[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Filter filter `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for id, payload := range pts {
			if matches(payload, body.Filter) {
				delete(pts, id)
			}
		}

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func matches(payload map[string]any, f filter) bool {
	for _, c := range f.Must {
		if payload[c.Key] != c.Match.Value {
			return false
		}
	}
	for _, c := range f.MustNot {
		if payload[c.Key] == c.Match.Value {
			return false
		}
	}
	return true
}

func (f *fakeQdrant) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[collection])
}

func records(n int) []driven.VectorRecord {
	out := make([]driven.VectorRecord, n)
	for i := range out {
		out[i] = driven.VectorRecord{ChunkIndex: i, Content: "chunk", Vector: []float32{0.1, 0.2, 0.3}}
	}
	return out
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "evergreen_acme", CollectionName("acme"))
	assert.Equal(t, "evergreen_a_b", CollectionName("a_b"))
	assert.Regexp(t, `^evergreen-acme_corp_1-[0-9a-f]{16}$`, CollectionName("Acme Corp/1"))
	assert.Equal(t, CollectionName("Acme Corp/1"), CollectionName("Acme Corp/1"))
}

func TestCollectionName_DistinctTenantsNeverShare(t *testing.T) {
	tenants := []string{"a.b", "a_b", "a/b", "A.B", "a b", "A_B"}
	seen := make(map[string]string)
	for _, tenant := range tenants {
		name := CollectionName(tenant)
		if other, ok := seen[name]; ok {
			t.Fatalf("tenants %q and %q share collection %q", other, tenant, name)
		}
		seen[name] = tenant
	}
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("doc-1", 0), PointID("doc-1", 0))
	assert.NotEqual(t, PointID("doc-1", 0), PointID("doc-1", 1))
	assert.NotEqual(t, PointID("doc-1", 10), PointID("doc-11", 0))
}

func TestVectorStore_UpsertIdempotent(t *testing.T) {
	fake := newFakeQdrant()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := NewVectorStore(Config{BaseURL: srv.URL + "/", APIKey: "secret"})
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "acme", "doc-1", "fp-1", records(3)))
	require.NoError(t, s.Upsert(ctx, "acme", "doc-1", "fp-1", records(3)))

	assert.Equal(t, 3, fake.count("evergreen_acme"))
	assert.Equal(t, 1, fake.creates)
	assert.Equal(t, 3, fake.collections["evergreen_acme"])
	assert.Equal(t, "secret", fake.apiKeys[0])
}

func TestVectorStore_UpsertDropsOldChunks(t *testing.T) {
	fake := newFakeQdrant()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := NewVectorStore(Config{BaseURL: srv.URL})
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "acme", "doc-1", "fp-1", records(5)))
	require.NoError(t, s.Upsert(ctx, "acme", "doc-2", "fp-x", records(1)))
	require.NoError(t, s.Upsert(ctx, "acme", "doc-1", "fp-2", records(2)))

	// 2 chunks of the new doc-1 version plus doc-2
	assert.Equal(t, 3, fake.count("evergreen_acme"))
}

func TestVectorStore_DeleteDocument(t *testing.T) {
	fake := newFakeQdrant()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := NewVectorStore(Config{BaseURL: srv.URL})
	ctx := context.Background()

	// Unknown tenant collection is not an error
	require.NoError(t, s.DeleteDocument(ctx, "nobody", "doc-1"))

	require.NoError(t, s.Upsert(ctx, "acme", "doc-1", "fp-1", records(2)))
	require.NoError(t, s.DeleteDocument(ctx, "acme", "doc-1"))
	require.NoError(t, s.DeleteDocument(ctx, "acme", "doc-1"))
	assert.Zero(t, fake.count("evergreen_acme"))
}

func TestVectorStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusServiceUnavailable, domain.ErrorKindTransient},
		{http.StatusTooManyRequests, domain.ErrorKindThrottled},
		{http.StatusBadRequest, domain.ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"status":{"error":"raw provider detail"}}`))
			}))
			defer srv.Close()

			s := NewVectorStore(Config{BaseURL: srv.URL})
			err := s.Upsert(context.Background(), "acme", "doc-1", "fp-1", records(1))
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.NotContains(t, domain.MessageOf(err), "raw provider detail")
		})
	}
}

func TestVectorStore_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(newFakeQdrant())
	s := NewVectorStore(Config{BaseURL: srv.URL})
	assert.NoError(t, s.HealthCheck(context.Background()))

	srv.Close()
	err := s.HealthCheck(context.Background())
	assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
}
