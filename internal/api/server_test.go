package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/batch"
	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/matcher"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/pipeline"
	"github.com/intentd/intentd/pkg/ratelimit"
	"github.com/intentd/intentd/pkg/tenant"
)

const (
	testAdminSecret = "test-admin-secret"
	testIssuer      = "intentd"
)

// stubMatcher returns a canned high-confidence WISMO match so resolve
// requests take the fast path without a real catalog.
type stubMatcher struct {
	result *matcher.Result
	err    error
}

func (m *stubMatcher) Match(ctx context.Context, text string) (*matcher.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &matcher.Result{
		Candidates: []models.MatchResult{{
			IntentCode:     models.IntentWISMO,
			Similarity:     0.91,
			MatchedExample: "where is my order",
		}},
		Decision: models.MatchDecision{Tier: models.TierHigh, Top1: 0.91, Top2Gap: 0.91},
	}, nil
}

// denyLimiter rejects every admission with a fixed retry hint.
type denyLimiter struct {
	retryAfter time.Duration
}

func (d denyLimiter) Allow(ctx context.Context, tenantID string, rate, burst float64, n int) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: d.retryAfter}, nil
}

func (d denyLimiter) Reset(ctx context.Context, tenantID string) error { return nil }

// fakeCatalog satisfies catalog.Store for the admin and readiness handlers.
type fakeCatalog struct {
	counts  map[string]int
	pingErr error
}

func (f *fakeCatalog) Insert(ctx context.Context, entry *models.CatalogEntry) (int64, error) {
	return 1, nil
}

func (f *fakeCatalog) InsertBatch(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	return len(entries), nil
}

func (f *fakeCatalog) Search(ctx context.Context, queryVec []float32, topK int, minSimilarity float64) ([]models.CatalogMatch, error) {
	return nil, nil
}

func (f *fakeCatalog) CountsByIntent(ctx context.Context) (map[string]int, error) {
	return f.counts, nil
}

func (f *fakeCatalog) DeleteByIntent(ctx context.Context, intentCode string) (int, error) {
	return 0, nil
}

func (f *fakeCatalog) Clear(ctx context.Context) error { return nil }

func (f *fakeCatalog) Refresh(ctx context.Context, entries []models.CatalogEntry) error {
	return nil
}

func (f *fakeCatalog) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeCatalog) Close() error { return nil }

func seedTenants() []*models.TenantConfig {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return []*models.TenantConfig{
		{TenantID: "tenant-1", Name: "Acme Retail", APIKey: "key-1", Tier: models.TierProfessional, IsActive: true, UpdatedAt: now},
		{TenantID: "tenant-2", Name: "Globex", APIKey: "key-2", Tier: models.TierProfessional, IsActive: true, UpdatedAt: now},
		{TenantID: "tenant-off", Name: "Closed Shop", APIKey: "key-off", Tier: models.TierStarter, IsActive: false, UpdatedAt: now},
	}
}

type serverOptions struct {
	limiter      ratelimit.Limiter
	matcher      pipeline.Matcher
	catalog      catalog.Store
	loader       *catalog.Loader
	noBatch      bool
	disableAdmin bool
}

// newTestServer builds a full server over in-memory stores and a stub
// matcher. The batch engine is wired but never started, so submitted jobs
// stay QUEUED.
func newTestServer(t *testing.T, opts serverOptions) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := tenant.NewMemoryStore(seedTenants(), nil)
	require.NoError(t, err)

	if opts.matcher == nil {
		opts.matcher = &stubMatcher{}
	}
	pipe, err := pipeline.New(pipeline.Config{
		Tenants: store,
		Matcher: opts.matcher,
		Limiter: opts.limiter,
	})
	require.NoError(t, err)

	var engine *batch.Engine
	if !opts.noBatch {
		engine, err = batch.NewEngine(batch.Config{
			Store:    batch.NewMemoryStore(),
			Resolver: batch.ResolverFunc(pipe.ResolveQueued),
		})
		require.NoError(t, err)
	}

	cfg := Config{
		Environment:    "test",
		ResolveTimeout: 2 * time.Second,
		AdminJWTSecret: testAdminSecret,
		JWTIssuer:      testIssuer,
	}
	if opts.disableAdmin {
		cfg.AdminJWTSecret = ""
	}
	s, err := NewServer(cfg, Deps{
		Resolver: pipe,
		Batch:    engine,
		Tenants:  store,
		Catalog:  opts.catalog,
		Loader:   opts.loader,
	})
	require.NoError(t, err)
	return s
}

// doRequest serves one request against the router. A string body is sent
// raw; anything else is JSON-encoded.
func doRequest(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func authHeaders(key string) map[string]string {
	return map[string]string{HeaderAPIKey: key}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), "body: %s", w.Body.String())
	return envelope.Error
}

func TestNewServerValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	_, err := NewServer(Config{}, Deps{})
	require.ErrorContains(t, err, "resolver is required")

	store, err := tenant.NewMemoryStore(nil, nil)
	require.NoError(t, err)
	pipe, err := pipeline.New(pipeline.Config{Tenants: store, Matcher: &stubMatcher{}})
	require.NoError(t, err)

	_, err = NewServer(Config{}, Deps{Resolver: pipe})
	require.ErrorContains(t, err, "tenant store is required")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "intentd", body["service"])
}

func TestReadyEndpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{catalog: &fakeCatalog{}})

	w := doRequest(t, s, http.MethodGet, "/ready", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Components["tenants"])
	assert.Equal(t, "healthy", body.Components["catalog"])
}

func TestReadyEndpointDegraded(t *testing.T) {
	s := newTestServer(t, serverOptions{
		catalog: &fakeCatalog{pingErr: errors.New("connection refused")},
	})

	w := doRequest(t, s, http.MethodGet, "/ready", nil, nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Components["tenants"])
	assert.Contains(t, body.Components["catalog"], "unhealthy")
}

func TestRequestIDEcho(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodGet, "/health", nil, map[string]string{HeaderRequestID: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))

	w = doRequest(t, s, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	body := map[string]string{"text": "where is my order?"}

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantKind   apperrors.Kind
	}{
		{
			name:       "missing key",
			headers:    nil,
			wantStatus: http.StatusUnauthorized,
			wantKind:   apperrors.KindAuthMissing,
		},
		{
			name:       "unknown key",
			headers:    authHeaders("key-nope"),
			wantStatus: http.StatusUnauthorized,
			wantKind:   apperrors.KindAuthInvalid,
		},
		{
			name:       "deactivated tenant",
			headers:    authHeaders("key-off"),
			wantStatus: http.StatusForbidden,
			wantKind:   apperrors.KindAuthInactive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/api/v1/resolve", body, tt.headers)

			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantKind, decodeError(t, w).Kind)
		})
	}
}
