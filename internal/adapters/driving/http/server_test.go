package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/runtime"
)

// Mock services for testing

type mockSyncService struct {
	requestSyncFn func(ctx context.Context, connectionID string, kind domain.JobKind) (string, error)
	getStatusFn   func(ctx context.Context, connectionID string) (*domain.SyncStatus, error)
	disconnectFn  func(ctx context.Context, connectionID string) error
	resetFn       func(ctx context.Context, connectionID string) error
}

func (m *mockSyncService) RequestSync(ctx context.Context, connectionID string, kind domain.JobKind) (string, error) {
	if m.requestSyncFn != nil {
		return m.requestSyncFn(ctx, connectionID, kind)
	}
	return "", errors.New("not implemented")
}

func (m *mockSyncService) GetStatus(ctx context.Context, connectionID string) (*domain.SyncStatus, error) {
	if m.getStatusFn != nil {
		return m.getStatusFn(ctx, connectionID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSyncService) Disconnect(ctx context.Context, connectionID string) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, connectionID)
	}
	return nil
}

func (m *mockSyncService) Reset(ctx context.Context, connectionID string) error {
	if m.resetFn != nil {
		return m.resetFn(ctx, connectionID)
	}
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSink) Notify(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, connectionID)
	return s.err
}

// prefixIssuer accepts tokens of the form "ok:<connection id>".
type prefixIssuer struct{}

func (prefixIssuer) Issue(connectionID, tenantID string) (string, error) {
	return "ok:" + connectionID, nil
}

func (prefixIssuer) Verify(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "ok:")
	if !ok || id == "" {
		return "", domain.ErrTokenInvalid
	}
	return id, nil
}

const testToken = "operator-secret"

func newTestServer(svc *mockSyncService, sink *recordingSink, health *runtime.Services) *Server {
	cfg := DefaultConfig()
	cfg.OperatorToken = testToken
	return NewServer(cfg, svc, sink, prefixIssuer{}, health)
}

func do(t *testing.T, s *Server, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(&mockSyncService{}, &recordingSink{}, nil)

	rec := do(t, s, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/version", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dev"`)
}

func TestReady(t *testing.T) {
	health := runtime.NewServices(0)
	health.Require("postgres", runtime.CheckerFunc(func(ctx context.Context) error { return nil }))
	health.Optional("extractor", runtime.CheckerFunc(func(ctx context.Context) error { return errors.New("down") }))
	s := newTestServer(&mockSyncService{}, &recordingSink{}, health)

	rec := do(t, s, http.MethodGet, "/ready", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	var report runtime.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Ready)
	assert.True(t, report.Degraded)

	health.Require("redis", runtime.CheckerFunc(func(ctx context.Context) error { return errors.New("refused") }))
	rec = do(t, s, http.MethodGet, "/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGraphNotification_ValidationHandshake(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(&mockSyncService{}, sink, nil)

	rec := do(t, s, http.MethodPost, "/webhooks/microsoft365?validationToken=Validation%3A+abc", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Validation: abc", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Empty(t, sink.calls)
}

func TestGraphNotification_NotifiesVerifiedConnections(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(&mockSyncService{}, sink, nil)

	body := `{"value":[
		{"subscriptionId":"s1","clientState":"ok:conn-1","changeType":"created"},
		{"subscriptionId":"s1","clientState":"ok:conn-1","changeType":"updated"},
		{"subscriptionId":"s2","clientState":"forged","changeType":"created"},
		{"subscriptionId":"s3","clientState":"ok:conn-2","lifecycleEvent":"missed"}
	]}`
	rec := do(t, s, http.MethodPost, "/webhooks/microsoft365", body, false)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"conn-1", "conn-2"}, sink.calls)
}

func TestGraphNotification_SinkFailureStillAccepted(t *testing.T) {
	sink := &recordingSink{err: domain.ErrConnectionHalted}
	s := newTestServer(&mockSyncService{}, sink, nil)

	rec := do(t, s, http.MethodPost, "/webhooks/microsoft365", `{"value":[{"clientState":"ok:conn-1"}]}`, false)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGraphNotification_BadBody(t *testing.T) {
	s := newTestServer(&mockSyncService{}, &recordingSink{}, nil)
	rec := do(t, s, http.MethodPost, "/webhooks/microsoft365", `{not json`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorAuth(t *testing.T) {
	svc := &mockSyncService{getStatusFn: func(ctx context.Context, id string) (*domain.SyncStatus, error) {
		return &domain.SyncStatus{ConnectionID: id}, nil
	}}
	s := newTestServer(svc, &recordingSink{}, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/connections/c1/status", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/c1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	wrong := httptest.NewRecorder()
	s.Handler().ServeHTTP(wrong, req)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/connections/c1/status", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connection_id":"c1"`)
}

func TestOperatorAPI_NotMountedWithoutToken(t *testing.T) {
	s := NewServer(DefaultConfig(), &mockSyncService{}, &recordingSink{}, prefixIssuer{}, nil)
	rec := do(t, s, http.MethodGet, "/api/v1/connections/c1/status", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestSync(t *testing.T) {
	var gotKind domain.JobKind
	svc := &mockSyncService{requestSyncFn: func(ctx context.Context, id string, kind domain.JobKind) (string, error) {
		gotKind = kind
		switch id {
		case "missing":
			return "", domain.ErrNotFound
		case "halted":
			return "", domain.ErrConnectionHalted
		case "broken":
			return "", domain.NewSyncError(domain.ErrorKindTransient, "request_sync", "queue unavailable", errors.New("dial tcp: refused"))
		}
		return "job-1", nil
	}}
	s := newTestServer(svc, &recordingSink{}, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/connections/c1/sync", "", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.JobKindDelta, gotKind, "empty body requests a delta")
	assert.Contains(t, rec.Body.String(), "job-1")

	rec = do(t, s, http.MethodPost, "/api/v1/connections/c1/sync", `{"kind":"full"}`, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.JobKindFull, gotKind)

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"catch-up is internal only", "c1", `{"kind":"catch_up"}`, http.StatusBadRequest},
		{"malformed body", "c1", `{`, http.StatusBadRequest},
		{"unknown connection", "missing", "", http.StatusNotFound},
		{"halted connection", "halted", "", http.StatusConflict},
		{"backend failure", "broken", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/connections/"+tt.id+"/sync", tt.body, true)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "dial tcp", "raw causes never reach clients")
		})
	}
}

func TestResetAndDisconnect(t *testing.T) {
	var reset, disconnected string
	svc := &mockSyncService{
		resetFn:      func(ctx context.Context, id string) error { reset = id; return nil },
		disconnectFn: func(ctx context.Context, id string) error { disconnected = id; return nil },
	}
	s := newTestServer(svc, &recordingSink{}, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/connections/c1/reset", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", reset)

	rec = do(t, s, http.MethodDelete, "/api/v1/connections/c2", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "c2", disconnected)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"valid bearer token", "Bearer abc123", "abc123"},
		{"bearer with extra spaces", "Bearer   token-with-spaces   ", "token-with-spaces"},
		{"lowercase bearer", "bearer token123", "token123"},
		{"empty header", "", ""},
		{"no bearer prefix", "token123", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			result := extractBearerToken(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}
