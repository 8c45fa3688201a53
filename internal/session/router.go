// Package session implements the session/transport router: HTTP handlers
// for the streamable-HTTP and SSE MCP modalities, the per-session state
// table with strict (namespace, API key) ownership, and the idle reaper.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"metamcp/internal/aggregate"
	"metamcp/internal/cache"
	"metamcp/internal/pool"
	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

const sessionHeader = "Mcp-Session-Id"

// Router is the gateway's public HTTP surface: one streamable-HTTP and one
// SSE endpoint per namespace, plus /health and /metrics.
type Router struct {
	repo  repository.Repository
	pool  *pool.Pool
	cache *cache.Cache
	core  aggregate.Handler

	table *Table

	host    string
	port    int
	started time.Time
}

// NewRouter wires the core aggregation handler (with its middleware chain
// already composed) into a namespace/session-aware HTTP mux.
func NewRouter(repo repository.Repository, p *pool.Pool, c *cache.Cache, core aggregate.Handler, table *Table, host string, port int) *Router {
	return &Router{repo: repo, pool: p, cache: c, core: core, table: table, host: host, port: port, started: time.Now()}
}

// Mux builds the gateway's top-level http.Handler.
func (rt *Router) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.handleHealth)
	mux.HandleFunc("/metrics", rt.handleMetrics)
	mux.HandleFunc("/", rt.handleNamespace)
	return mux
}

// handleNamespace dispatches a request under /{namespace}/mcp,
// /{namespace}/sse, or /{namespace}/message to the right transport.
func (rt *Router) handleNamespace(w http.ResponseWriter, r *http.Request) {
	namespaceUUID, rest, ok := splitNamespace(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	apiKey, err := extractAPIKey(r)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	validation, err := rt.repo.Validate(r.Context(), apiKey)
	if err != nil {
		rt.writeError(w, fmt.Errorf("session: validating API key: %w", err))
		return
	}
	if !validation.Valid {
		rt.writeError(w, &AuthInvalidError{})
		return
	}

	switch rest {
	case "/mcp":
		rt.handleStreamableHTTP(w, r, namespaceUUID, apiKey, validation)
	case "/sse":
		rt.handleSSE(w, r, namespaceUUID, apiKey, validation)
	case "/message":
		rt.handleMessage(w, r, namespaceUUID, apiKey, validation)
	default:
		http.NotFound(w, r)
	}
}

// splitNamespace splits "/{namespace}/{rest...}" into its two parts.
func splitNamespace(path string) (namespace, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return "", "", false
	}
	return trimmed[:idx], trimmed[idx:], true
}

// includeInactive reads the includeInactiveServers query flag.
func includeInactive(r *http.Request) bool {
	return r.URL.Query().Get("includeInactiveServers") == "true"
}

// extractAPIKey reads the bearer secret from X-API-Key or
// Authorization: Bearer.
func extractAPIKey(r *http.Request) (string, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, nil
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), nil
	}
	return "", &AuthMissingError{}
}

// handleStreamableHTTP serves POST/GET/DELETE /{namespace}/mcp.
//
// A new session is minted on a request with no mcp-session-id header; an
// existing one is looked up and ownership-checked otherwise. The library's
// own internal session bookkeeping never reaches the client: every response
// header is rewritten to carry our own session id, so this table's identity
// is always authoritative regardless of how mcp-go's StreamableHTTPServer
// manages sessions under the hood.
func (rt *Router) handleStreamableHTTP(w http.ResponseWriter, r *http.Request, namespaceUUID, apiKey string, validation repository.APIKeyValidation) {
	existing := r.Header.Get(sessionHeader)

	if r.Method == http.MethodDelete && existing == "" {
		// Bulk reset: every session owned by this key goes, and so does
		// its upstream connection bucket.
		rt.table.CloseAllForKey(apiKey)
		rt.pool.CleanupApiKey(apiKey)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var sess *Session
	if existing == "" {
		// Only the initial POST may open a session; a GET is the
		// server-initiated event stream for an existing one.
		if r.Method != http.MethodPost {
			rt.writeError(w, &InvalidRequestError{Reason: "missing mcp-session-id header"})
			return
		}
		s, err := rt.newSession(r.Context(), namespaceUUID, apiKey, validation, KindStreamableHTTP, includeInactive(r))
		if err != nil {
			rt.writeError(w, err)
			return
		}
		sess = s
	} else {
		s, err := rt.table.Lookup(existing, apiKey, namespaceUUID)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		sess = s
	}
	sess.Touch()

	if r.Method == http.MethodDelete {
		rt.table.Close(sess.ID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sw := &sessionIDWriter{ResponseWriter: w, sessionID: sess.ID}
	sess.ServeHTTP(sw, r)
}

// newSession builds the dedicated MetaMCP server for (namespaceUUID,
// apiKey) and wraps it in a streamable-HTTP or SSE transport, then
// registers it in the table.
// includeInactive widens the session's namespace view to INACTIVE server
// mappings as well (the includeInactiveServers query flag); it is fixed
// for the session's lifetime like the rest of its identity.
func (rt *Router) newSession(ctx context.Context, namespaceUUID, apiKey string, validation repository.APIKeyValidation, kind Kind, includeInactive bool) (*Session, error) {
	sessCtx := aggregate.SessionContext{
		NamespaceUUID:   namespaceUUID,
		APIKey:          apiKey,
		KeyUUID:         validation.KeyUUID,
		UserID:          validation.UserID,
		IncludeInactive: includeInactive,
	}

	srv, err := aggregate.NewSessionServer(ctx, sessCtx, rt.core)
	if err != nil {
		return nil, fmt.Errorf("session: building session server: %w", err)
	}

	var transport http.Handler
	switch kind {
	case KindSSE:
		// The base path must mirror where this transport is mounted, so
		// that the SSEServer both matches incoming /{namespace}/sse and
		// /{namespace}/message paths and advertises a message endpoint
		// the client can reach.
		transport = mcpserver.NewSSEServer(
			srv.MCPServer(),
			mcpserver.WithBaseURL(fmt.Sprintf("http://%s:%d", rt.host, rt.port)),
			mcpserver.WithStaticBasePath("/"+namespaceUUID),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
	default:
		transport = mcpserver.NewStreamableHTTPServer(srv.MCPServer())
	}

	return rt.table.Create(namespaceUUID, apiKey, validation.KeyUUID, validation.UserID, kind, srv, transport), nil
}

// handleSSE serves GET /{namespace}/sse: always opens a fresh session, since
// the legacy SSE transport is stateless across reconnects.
func (rt *Router) handleSSE(w http.ResponseWriter, r *http.Request, namespaceUUID, apiKey string, validation repository.APIKeyValidation) {
	sess, err := rt.newSession(r.Context(), namespaceUUID, apiKey, validation, KindSSE, includeInactive(r))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	sess.Touch()
	sess.ServeHTTP(w, r)
}

// handleMessage serves POST /{namespace}/message?sessionId=…: the sessionId
// query parameter is the SSE transport's own bookkeeping key, scoped 1:1 to
// the dedicated SSEServer instance created for this session, so ownership is
// enforced by requiring the caller to hold an SSE session of their own in
// this namespace; the message is then routed to that session's transport,
// which rejects any sessionId it did not itself mint.
func (rt *Router) handleMessage(w http.ResponseWriter, r *http.Request, namespaceUUID, apiKey string, validation repository.APIKeyValidation) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		rt.writeError(w, &InvalidRequestError{Reason: "missing sessionId query parameter"})
		return
	}
	sess, err := rt.table.FindSSE(apiKey, namespaceUUID)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	sess.Touch()
	sess.ServeHTTP(w, r)
}

// sessionIDWriter forces the Mcp-Session-Id response header to our own
// generated session id on the first write, overriding whatever value
// mcp-go's StreamableHTTPServer may have set, so that our table remains the
// single source of truth for session identity.
type sessionIDWriter struct {
	http.ResponseWriter
	sessionID string
	wrote     bool
}

func (w *sessionIDWriter) ensureHeader() {
	if w.wrote {
		return
	}
	w.wrote = true
	w.Header().Set(sessionHeader, w.sessionID)
}

func (w *sessionIDWriter) WriteHeader(status int) {
	w.ensureHeader()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionIDWriter) Write(b []byte) (int, error) {
	w.ensureHeader()
	return w.ResponseWriter.Write(b)
}

// Flush keeps the wrapped writer streamable: the transport checks for
// http.Flusher to emit server-sent events incrementally.
func (w *sessionIDWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.ensureHeader()
		f.Flush()
	}
}

// writeError maps an internal error to an HTTP status code and JSON body.
// Security-relevant rejections (bad key, session hijack attempt) are also
// emitted as audit events so they stay filterable from ordinary request
// noise.
func (rt *Router) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	logging.Debug("Session", "request failed: %v (status %d)", err, status)

	var authInvalid *AuthInvalidError
	var mismatch *SessionMismatchError
	switch {
	case errors.As(err, &authInvalid):
		logging.Audit(logging.AuditEvent{Action: "api_key_validation", Outcome: "failure", Error: err.Error()})
	case errors.As(err, &mismatch):
		logging.Audit(logging.AuditEvent{Action: "session_access", Outcome: "failure", SessionID: logging.TruncateSessionID(mismatch.SessionID), Error: err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// overallHealth derives the gateway's aggregate health from the cache's own
// classification, additionally downgrading to degraded when the global
// connection pool is saturated, since a caller at that point cannot acquire
// new upstream connections either.
func overallHealth(poolStats pool.Stats, cacheStatus cache.Status) string {
	status := cacheStatus.Health
	if poolStats.MaxGlobal > 0 && poolStats.TotalConnections >= poolStats.MaxGlobal && status == cache.HealthOK {
		status = cache.HealthDegraded
	}
	return status
}

// dbPoolSize reports the persistence layer's connection pool occupancy
// when the repository exposes it; the in-memory Fake does not.
func (rt *Router) dbPoolSize() int {
	if ps, ok := rt.repo.(repository.PoolStats); ok {
		return ps.PoolSize()
	}
	return 0
}

// processMemoryMB is the process's current heap allocation in MiB.
func processMemoryMB() float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return float64(mem.Alloc) / (1024 * 1024)
}

// handleHealth reports liveness, uptime, memory, and pool/cache/session
// counters, returning HTTP 200 only when the gateway is fully healthy and
// 503 otherwise (degraded or error).
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	poolStats := rt.pool.Stats()
	cacheStatus := rt.cache.Status()
	status := overallHealth(poolStats, cacheStatus)

	w.Header().Set("Content-Type", "application/json")
	if status != cache.HealthOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"uptime":   time.Since(rt.started).Seconds(),
		"memoryMB": processMemoryMB(),
		"cache": map[string]interface{}{
			"hitRate":     cacheStatus.HitRate,
			"entries":     cacheStatus.Entries,
			"memoryMB":    cacheStatus.MemoryMB,
			"l2Connected": cacheStatus.L2Connected,
			"health":      cacheStatus.Health,
		},
		"pools": map[string]interface{}{
			"db":        rt.dbPoolSize(),
			"upstreams": poolStats.TotalConnections,
			"sessions":  rt.table.Count(),
		},
	})
}

// handleMetrics is the same snapshot in a flatter shape, for scraping
// dashboards rather than a human reading /health.
func (rt *Router) handleMetrics(w http.ResponseWriter, r *http.Request) {
	poolStats := rt.pool.Stats()
	cacheStatus := rt.cache.Status()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime_seconds":         time.Since(rt.started).Seconds(),
		"memory_mb":              processMemoryMB(),
		"sessions_active":        rt.table.Count(),
		"pool_buckets":           poolStats.Buckets,
		"pool_connections_total": poolStats.TotalConnections,
		"pool_db_connections":    rt.dbPoolSize(),
		"cache_hit_rate":         cacheStatus.HitRate,
		"cache_entries":          cacheStatus.Entries,
		"cache_memory_mb":        cacheStatus.MemoryMB,
		"cache_l2_connected":     cacheStatus.L2Connected,
	})
}
