package session

import (
	"net/http"
	"sync"
	"time"

	"metamcp/internal/aggregate"
	"metamcp/pkg/logging"

	"github.com/google/uuid"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateCreated State = "CREATED"
	StateReady   State = "READY"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Kind names which MCP transport modality a session speaks.
type Kind string

const (
	KindStreamableHTTP Kind = "streamable-http"
	KindSSE            Kind = "sse"
)

// Session is one client's live connection: its identity, its dedicated
// MetaMCP server, and the mcp-go transport wrapping that server.
type Session struct {
	mu sync.Mutex

	ID            string
	NamespaceUUID string
	APIKey        string
	KeyUUID       string
	UserID        string
	Kind          Kind
	State         State
	CreatedAt     time.Time
	LastAccess    time.Time

	server    *aggregate.SessionServer
	transport http.Handler
}

// Touch updates LastAccess; called on every request routed to this session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastAccess)
}

func (s *Session) lastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastAccess
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

// ServeHTTP forwards to the session's own transport handler, having already
// been authorized by the Router.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.transport.ServeHTTP(w, r)
}

// Table is the session registry: every live session, indexed by id, with a
// secondary index by API key for bulk-delete and FindSSE's per-key lookup.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]map[string]struct{} // apiKey -> set of session IDs

	maxIdleTime     time.Duration
	cleanupInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTable constructs an empty session table.
func NewTable(maxIdleTime, cleanupInterval time.Duration) *Table {
	if maxIdleTime <= 0 {
		maxIdleTime = 2 * time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 30 * time.Minute
	}
	return &Table{
		sessions:        make(map[string]*Session),
		byKey:           make(map[string]map[string]struct{}),
		maxIdleTime:     maxIdleTime,
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
}

// Create registers a new session and returns it in StateReady.
func (t *Table) Create(namespaceUUID, apiKey, keyUUID, userID string, kind Kind, server *aggregate.SessionServer, transport http.Handler) *Session {
	s := &Session{
		ID:            uuid.New().String(),
		NamespaceUUID: namespaceUUID,
		APIKey:        apiKey,
		KeyUUID:       keyUUID,
		UserID:        userID,
		Kind:          kind,
		State:         StateCreated,
		CreatedAt:     time.Now(),
		LastAccess:    time.Now(),
		server:        server,
		transport:     transport,
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	if t.byKey[apiKey] == nil {
		t.byKey[apiKey] = make(map[string]struct{})
	}
	t.byKey[apiKey][s.ID] = struct{}{}
	t.mu.Unlock()

	s.setState(StateReady)
	return s
}

// Lookup finds a session by id and verifies it belongs to (apiKey, namespaceUUID).
func (t *Table) Lookup(sessionID, apiKey, namespaceUUID string) (*Session, error) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()

	if !ok {
		return nil, &SessionUnknownError{SessionID: sessionID}
	}
	if s.APIKey != apiKey || s.NamespaceUUID != namespaceUUID {
		return nil, &SessionMismatchError{SessionID: sessionID}
	}
	return s, nil
}

// FindSSE returns the caller's most recently accessed SSE session in
// namespaceUUID. The SSE message endpoint identifies its transport-level
// connection by the transport's own sessionId, not a gateway session id,
// so ownership is established by the caller holding an SSE session of
// their own here rather than by id lookup.
func (t *Table) FindSSE(apiKey, namespaceUUID string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Session
	var bestAccess time.Time
	for id := range t.byKey[apiKey] {
		s := t.sessions[id]
		if s == nil || s.Kind != KindSSE || s.NamespaceUUID != namespaceUUID {
			continue
		}
		access := s.lastAccess()
		if best == nil || access.After(bestAccess) {
			best, bestAccess = s, access
		}
	}
	if best == nil {
		return nil, &SessionUnknownError{}
	}
	return best, nil
}

// Close tears down one session: its MetaMCP server is cleaned up and it
// is removed from both indices.
func (t *Table) Close(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
		if keys := t.byKey[s.APIKey]; keys != nil {
			delete(keys, sessionID)
			if len(keys) == 0 {
				delete(t.byKey, s.APIKey)
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	s.setState(StateClosing)
	s.server.Close()
	s.setState(StateClosed)
}

// CloseAllForKey closes every session owned by apiKey (bulk DELETE with no
// mcp-session-id header).
func (t *Table) CloseAllForKey(apiKey string) {
	t.mu.RLock()
	keys := t.byKey[apiKey]
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.Close(id)
	}
}

// Start launches the idle reaper.
func (t *Table) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.reapIdle()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the reaper and closes every remaining session.
func (t *Table) Stop() {
	close(t.stop)
	t.wg.Wait()
	t.CloseAll()
}

// CloseAll tears down every live session.
func (t *Table) CloseAll() {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.Close(id)
	}
}

func (t *Table) reapIdle() {
	now := time.Now()
	t.mu.RLock()
	var stale []string
	for id, s := range t.sessions {
		if s.idleSince(now) > t.maxIdleTime {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		logging.Debug("Session", "reaping idle session %s", logging.TruncateSessionID(id))
		t.Close(id)
	}
}

// Count returns the number of live sessions, for /health and /metrics.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
