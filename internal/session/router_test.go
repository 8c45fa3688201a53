package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"metamcp/internal/aggregate"
	"metamcp/internal/cache"
	"metamcp/internal/config"
	"metamcp/internal/pool"
	"metamcp/internal/repository"
	"metamcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubUpstreamClient is a minimal upstream.Client used only to occupy a pool
// slot; none of its request methods are exercised by these tests.
type stubUpstreamClient struct{}

func (s *stubUpstreamClient) Connect(context.Context) error { return nil }
func (s *stubUpstreamClient) ListTools(context.Context) ([]mcp.Tool, error) {
	return nil, nil
}
func (s *stubUpstreamClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (s *stubUpstreamClient) Close() error { return nil }
func (s *stubUpstreamClient) OnCrash(upstream.CrashFunc) {}

func newTestRouter(t *testing.T) (*Router, *repository.Fake) {
	t.Helper()
	repo := repository.NewFake()
	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		t.Fatalf("no upstream server configured for %s", server.ServerUUID)
		return nil, nil
	}
	p := pool.New(config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10}, upstream.Options{}, upstream.NewErrorTracker(repo, 0), factory)
	c := cache.New(config.CacheConfig{MaxMemoryEntries: 10})
	agg := aggregate.New(repo, p)
	table := NewTable(time.Hour, time.Hour)
	rt := NewRouter(repo, p, c, agg.Core(), table, "localhost", 8080)
	return rt, repo
}

func TestRouterRejectsMissingAPIKey(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterRejectsInvalidAPIKey(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "bogus")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterCreatesSessionAndSetsHeader(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(sessionHeader))
	assert.Equal(t, 1, rt.table.Count())
}

func TestRouterBearerAuthAccepted(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(sessionHeader))
}

func TestRouterExistingSessionMismatchedKeyIsForbidden(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")
	repo.AddAPIKey("other", "key-2", "user-2")

	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	sessionID := w.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	req2 := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req2.Header.Set("X-API-Key", "other")
	req2.Header.Set(sessionHeader, sessionID)
	w2 := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusForbidden, w2.Code)
}

func TestRouterUnknownSessionIsNotFound(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set(sessionHeader, "ghost-session")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterDeleteWithSessionHeaderClosesOnlyThatSession(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	sessionID := w.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	del := httptest.NewRequest(http.MethodDelete, "/ns1/mcp", nil)
	del.Header.Set("X-API-Key", "secret")
	del.Header.Set(sessionHeader, sessionID)
	wDel := httptest.NewRecorder()
	rt.Mux().ServeHTTP(wDel, del)

	assert.Equal(t, http.StatusNoContent, wDel.Code)
	assert.Equal(t, 0, rt.table.Count())
}

func TestRouterBulkDeleteWithNoHeaderClosesAllForKey(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	for _, ns := range []string{"ns1", "ns2"} {
		req := httptest.NewRequest(http.MethodPost, "/"+ns+"/mcp", nil)
		req.Header.Set("X-API-Key", "secret")
		w := httptest.NewRecorder()
		rt.Mux().ServeHTTP(w, req)
	}
	require.Equal(t, 2, rt.table.Count())

	del := httptest.NewRequest(http.MethodDelete, "/ns1/mcp", nil)
	del.Header.Set("X-API-Key", "secret")
	wDel := httptest.NewRecorder()
	rt.Mux().ServeHTTP(wDel, del)

	assert.Equal(t, http.StatusNoContent, wDel.Code)
	assert.Equal(t, 0, rt.table.Count())
}

func TestRouterHealthEndpoint(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"status\":\"ok\"")
}

func TestRouterHealthEndpointShape(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "memoryMB")

	pools, ok := body["pools"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, pools, "db")
	assert.Contains(t, pools, "upstreams")
	assert.Contains(t, pools, "sessions")

	cacheObj, ok := body["cache"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, cacheObj, "hitRate")
	assert.Contains(t, cacheObj, "entries")
	assert.Contains(t, cacheObj, "memoryMB")
	assert.Contains(t, cacheObj, "l2Connected")
}

func TestRouterHealthEndpointReturns503WhenPoolSaturated(t *testing.T) {
	repo := repository.NewFake()
	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		return &stubUpstreamClient{}, nil
	}
	p := pool.New(config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 1}, upstream.Options{}, upstream.NewErrorTracker(repo, 0), factory)
	c := cache.New(config.CacheConfig{MaxMemoryEntries: 10})
	agg := aggregate.New(repo, p)
	table := NewTable(time.Hour, time.Hour)
	rt := NewRouter(repo, p, c, agg.Core(), table, "localhost", 8080)

	_, err := p.GetConnection(context.Background(), "key-1", repository.McpServer{ServerUUID: "srv-a", Kind: repository.KindSSE}, "", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "\"status\":\"degraded\"")
}

func TestRouterMetricsEndpoint(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sessions_active")
}

func TestRouterGetWithoutSessionIDIsBadRequest(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodGet, "/ns1/mcp", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, rt.table.Count())
}

func TestRouterMessageWithoutOwnSSESessionIsNotFound(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/message?sessionId=xyz", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterMessageWithoutSessionIDParamIsBadRequest(t *testing.T) {
	rt, repo := newTestRouter(t)
	repo.AddAPIKey("secret", "key-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/ns1/message", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	rt.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
