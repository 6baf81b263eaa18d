// ABOUTME: Tests for the routing and tenant HTTP API handlers.
// ABOUTME: Verifies status mapping, tenant auth and tenant management.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/delegate"
	"github.com/2389/coven-router/internal/events"
	"github.com/2389/coven-router/internal/fault"
)

const testJWTSecret = "gateway-api-test-secret-32-bytes"

// demoDelegate routes ticket-ish prompts to ticket tools and everything else to kb.query.
func demoDelegate() delegate.Delegate {
	return scriptedDelegate(func(text string) delegate.Decision {
		switch {
		case strings.Contains(text, "open a ticket"):
			return delegate.Decision{CapabilityID: "tickets.create", Args: map[string]any{"asset": "CVX-12", "summary": "overheating"}}
		case strings.Contains(text, "tickets"):
			return delegate.Decision{CapabilityID: "tickets.search", Args: map[string]any{"query": "CVX-12"}}
		case strings.Contains(text, "bad args"):
			return delegate.Decision{CapabilityID: "kb.query", Args: map[string]any{"k": float64(2)}}
		default:
			return delegate.Decision{CapabilityID: "kb.query", Args: map[string]any{"query": "overheating", "k": float64(3)}}
		}
	})
}

type apiFixture struct {
	gw     *Gateway
	events []*events.OutcomeEvent
	mu     sync.Mutex
}

func setupAPITest(t *testing.T, mutate func(cfg *config.Config)) *apiFixture {
	t.Helper()
	cfg := testConfig(t, startServices(t))
	if mutate != nil {
		mutate(cfg)
	}

	f := &apiFixture{}
	gw, err := New(context.Background(), cfg, testLogger(),
		WithDelegate(demoDelegate()),
		WithPublisher(events.NewCallbackPublisher(func(ctx context.Context, e *events.OutcomeEvent) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
			return nil
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	f.gw = gw
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRoute(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandleRoute_Success(t *testing.T) {
	f := setupAPITest(t, nil)

	rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "acme", Prompt: "CVX-12 overheating"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeRoute(t, rec)
	assert.Equal(t, "acme", resp["tenant_id"])
	assert.Equal(t, "kb.query", resp["selected_capability"])
	assert.NotEmpty(t, resp["run_id"])
	assert.Nil(t, resp["error"])
	assert.NotNil(t, resp["result"])

	entries, ok := resp["trace"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, true, entry["ok"])
	assert.Contains(t, entry["result_preview"], "KB-1")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].OK)
}

func TestHandleRoute_Errors(t *testing.T) {
	tests := []struct {
		name     string
		req      RouteRequest
		status   int
		kind     string
		stage    string
		selected string
	}{
		{"denied capability", RouteRequest{TenantID: "acme", Prompt: "open a ticket for CVX-12"}, http.StatusForbidden, "authorization", "authorize", "tickets.create"},
		{"unknown tenant", RouteRequest{TenantID: "initech", Prompt: "hello"}, http.StatusNotFound, "configuration", "policy", ""},
		{"invalid args", RouteRequest{TenantID: "acme", Prompt: "bad args please"}, http.StatusUnprocessableEntity, "decision", "validate", "kb.query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupAPITest(t, nil)
			rec := f.do(t, http.MethodPost, "/api/route", tt.req, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			resp := decodeRoute(t, rec)
			errBody, ok := resp["error"].(map[string]any)
			require.True(t, ok, "error body missing: %v", resp)
			assert.Equal(t, tt.kind, errBody["kind"])
			assert.Equal(t, tt.stage, errBody["stage"])
			assert.NotEmpty(t, errBody["message"])
			assert.Equal(t, []any{}, resp["trace"])
			if tt.selected != "" {
				assert.Equal(t, tt.selected, resp["selected_capability"])
			}
		})
	}
}

func TestHandleRoute_GlobexMayCreate(t *testing.T) {
	f := setupAPITest(t, nil)

	rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "globex", Prompt: "open a ticket for CVX-12"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "T-1004")
}

func TestHandleRoute_UnreachableService(t *testing.T) {
	f := setupAPITest(t, func(cfg *config.Config) {
		cfg.Services = append(cfg.Services, config.ServiceConfig{Name: "down", URL: "http://127.0.0.1:1"})
	})

	rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "acme", Prompt: "hello"}, "")
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	resp := decodeRoute(t, rec)
	errBody := resp["error"].(map[string]any)
	assert.Equal(t, "connection", errBody["kind"])
	assert.Contains(t, errBody["message"], "Could not reach a tool service")
}

func TestHandleRoute_BadRequests(t *testing.T) {
	f := setupAPITest(t, nil)

	rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "acme", Prompt: "   "}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/route", RouteRequest{Prompt: "hello"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = f.do(t, http.MethodGet, "/api/route", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fault.Configuration("unknown tenant: x"), http.StatusNotFound},
		{fault.Authorization("denied"), http.StatusForbidden},
		{fault.Decision(errors.New("bad json")), http.StatusUnprocessableEntity},
		{fault.Connection("kb", "connect", errors.New("refused")), http.StatusBadGateway},
		{fault.Protocol("kb", "tools/call", errors.New("boom")), http.StatusBadGateway},
		{fault.Connection("kb", "tools/call", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestHandleRoute_JWT(t *testing.T) {
	f := setupAPITest(t, func(cfg *config.Config) { cfg.Auth.JWTSecret = testJWTSecret })
	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	acme, err := verifier.Generate("acme", time.Hour)
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "acme", Prompt: "hello"}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tenant from token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{Prompt: "CVX-12 overheating"}, acme)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "acme", decodeRoute(t, rec)["tenant_id"])
	})

	t.Run("mismatched tenant", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{TenantID: "globex", Prompt: "open a ticket"}, acme)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("tenants list is scoped", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/tenants", nil, acme)
		require.Equal(t, http.StatusOK, rec.Code)
		var tenants []TenantResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tenants))
		require.Len(t, tenants, 1)
		assert.Equal(t, "acme", tenants[0].TenantID)
	})

	t.Run("catalog is filtered", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/catalog", nil, acme)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp CatalogResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		ids := make([]string, 0, len(resp.Capabilities))
		for _, d := range resp.Capabilities {
			ids = append(ids, d.ID)
		}
		assert.ElementsMatch(t, []string{"tickets.search", "kb.query"}, ids)
	})

	t.Run("tenant management needs admin", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/tenants/initech", PutTenantRequest{AllowedCapabilities: []string{"kb.query"}}, acme)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestHandleListTenants(t *testing.T) {
	f := setupAPITest(t, nil)

	rec := f.do(t, http.MethodGet, "/api/tenants", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tenants []TenantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tenants))
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].TenantID)
	assert.Equal(t, []string{"kb.query", "tickets.search"}, tenants[0].AllowedCapabilities)
	assert.Equal(t, "globex", tenants[1].TenantID)
}

func TestHandleCatalog(t *testing.T) {
	f := setupAPITest(t, nil)

	rec := f.do(t, http.MethodGet, "/api/catalog", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CatalogResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	ids := make([]string, 0, len(resp.Capabilities))
	for _, d := range resp.Capabilities {
		ids = append(ids, d.ID)
	}
	// Services keep configuration order; tools within a service follow the
	// server's listing order.
	assert.Equal(t, []string{"tickets.create", "tickets.search", "kb.query"}, ids)
}

func TestTenantManagement(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	admin, err := verifier.Generate("ops", time.Hour, auth.ScopeAdmin)
	require.NoError(t, err)

	t.Run("needs a database", func(t *testing.T) {
		f := setupAPITest(t, func(cfg *config.Config) {
			cfg.Auth.JWTSecret = testJWTSecret
		})
		rec := f.do(t, http.MethodPut, "/api/tenants/initech", PutTenantRequest{AllowedCapabilities: []string{"kb.query"}}, admin)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("closed without auth", func(t *testing.T) {
		f := setupAPITest(t, func(cfg *config.Config) {
			cfg.Tenants = nil
			cfg.Policy.Database = filepath.Join(t.TempDir(), "router.db")
		})
		rec := f.do(t, http.MethodPut, "/api/tenants/initech", PutTenantRequest{AllowedCapabilities: []string{"kb.query"}}, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = f.do(t, http.MethodDelete, "/api/tenants/initech", nil, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, f.gw.Policies().Tenants())
	})

	f := setupAPITest(t, func(cfg *config.Config) {
		cfg.Tenants = nil
		cfg.Policy.Database = filepath.Join(t.TempDir(), "router.db")
		cfg.Auth.JWTSecret = testJWTSecret
	})
	initech, err := verifier.Generate("initech", time.Hour)
	require.NoError(t, err)

	t.Run("unknown before create", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/route", RouteRequest{Prompt: "hello"}, initech)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid capability id", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/tenants/initech", PutTenantRequest{AllowedCapabilities: []string{"kbquery"}}, admin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("create and route", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/tenants/initech", PutTenantRequest{AllowedCapabilities: []string{"kb.query"}}, admin)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got TenantResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, 2, got.MaxCallsPerRequest)

		rec = f.do(t, http.MethodPost, "/api/route", RouteRequest{Prompt: "CVX-12 overheating"}, initech)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/tenants/initech", nil, admin)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = f.do(t, http.MethodDelete, "/api/tenants/initech", nil, admin)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/route", RouteRequest{Prompt: "hello"}, initech)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPITest(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
