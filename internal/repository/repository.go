// Package repository declares the persistence-backed collaborators the
// gateway core consumes but does not implement: API keys, server
// definitions, namespace-to-server mappings, and tool-enablement mappings.
// A real deployment backs this with a relational store; Fake below is an
// in-memory stand-in used by tests and local/dev bring-up.
package repository

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a lookup by UUID finds nothing.
var ErrNotFound = errors.New("repository: not found")

// ServerKind identifies the transport an McpServer speaks.
type ServerKind string

const (
	KindStdio          ServerKind = "STDIO"
	KindSSE            ServerKind = "SSE"
	KindStreamableHTTP ServerKind = "STREAMABLE_HTTP"
)

// ErrorStatus is the server-level error flag set by the error tracker.
type ErrorStatus string

const (
	StatusNone  ErrorStatus = "NONE"
	StatusError ErrorStatus = "ERROR"
)

// MappingStatus is the enablement flag on a namespace-to-server or
// namespace-to-tool mapping.
type MappingStatus string

const (
	MappingActive   MappingStatus = "ACTIVE"
	MappingInactive MappingStatus = "INACTIVE"
)

// McpServer is an upstream MCP server definition. Exactly one of
// (Command) or (URL) is populated, depending on Kind.
type McpServer struct {
	ServerUUID  string
	Name        string
	Kind        ServerKind
	Command     string
	Args        []string
	Env         map[string]string
	Cwd         string
	URL         string
	BearerToken string
	ErrorStatus ErrorStatus
}

// ServerMapping associates a server with a namespace.
type ServerMapping struct {
	ServerUUID string
	Server     McpServer
	Status     MappingStatus
}

// ToolMapping associates a tool (by name, on a given server) with a
// namespace-scoped enablement status.
type ToolMapping struct {
	ToolUUID   string
	ServerUUID string
	Name       string
	Status     MappingStatus
}

// APIKeyValidation is the result of validating a bearer secret.
type APIKeyValidation struct {
	Valid   bool
	KeyUUID string
	UserID  string
}

// APIKeys validates bearer secrets presented by clients.
type APIKeys interface {
	Validate(ctx context.Context, secret string) (APIKeyValidation, error)
}

// Servers exposes read/write access to McpServer definitions.
type Servers interface {
	FindByID(ctx context.Context, serverUUID string) (McpServer, error)
	FindAll(ctx context.Context) ([]McpServer, error)
	SetErrorStatus(ctx context.Context, serverUUID string, status ErrorStatus) error
}

// Namespaces resolves which servers are mapped into a namespace.
type Namespaces interface {
	Mappings(ctx context.Context, namespaceUUID string, includeInactive bool) ([]ServerMapping, error)
}

// Tools resolves per-namespace tool enablement.
type Tools interface {
	ToolMappings(ctx context.Context, namespaceUUID string) ([]ToolMapping, error)
}

// Repository bundles the four collaborators the core depends on.
type Repository interface {
	APIKeys
	Servers
	Namespaces
	Tools
}

// PoolStats is optionally implemented by repositories backed by a real
// database, reporting the store's connection pool occupancy for the
// gateway's health snapshot. The in-memory Fake does not implement it.
type PoolStats interface {
	PoolSize() int
}

// Fake is an in-memory Repository used by tests and for running the
// gateway without a real persistence layer wired in.
type Fake struct {
	mu sync.RWMutex

	keys       map[string]APIKeyValidation // secret -> validation
	servers    map[string]McpServer        // serverUUID -> server
	namespaces map[string][]ServerMapping  // namespaceUUID -> mappings
	tools      map[string][]ToolMapping    // namespaceUUID -> tool mappings
}

// NewFake returns an empty in-memory repository.
func NewFake() *Fake {
	return &Fake{
		keys:       make(map[string]APIKeyValidation),
		servers:    make(map[string]McpServer),
		namespaces: make(map[string][]ServerMapping),
		tools:      make(map[string][]ToolMapping),
	}
}

// AddAPIKey registers a valid secret for the given key UUID.
func (f *Fake) AddAPIKey(secret, keyUUID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[secret] = APIKeyValidation{Valid: true, KeyUUID: keyUUID, UserID: userID}
}

// AddServer registers a server and maps it into a namespace.
func (f *Fake) AddServer(namespaceUUID string, server McpServer, status MappingStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[server.ServerUUID] = server
	f.namespaces[namespaceUUID] = append(f.namespaces[namespaceUUID], ServerMapping{
		ServerUUID: server.ServerUUID,
		Server:     server,
		Status:     status,
	})
}

// AddTool registers a namespace-scoped tool mapping.
func (f *Fake) AddTool(namespaceUUID, serverUUID, name string, status MappingStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[namespaceUUID] = append(f.tools[namespaceUUID], ToolMapping{
		ServerUUID: serverUUID,
		Name:       name,
		Status:     status,
	})
}

func (f *Fake) Validate(_ context.Context, secret string) (APIKeyValidation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.keys[secret]
	if !ok {
		return APIKeyValidation{Valid: false}, nil
	}
	return v, nil
}

func (f *Fake) FindByID(_ context.Context, serverUUID string) (McpServer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.servers[serverUUID]
	if !ok {
		return McpServer{}, ErrNotFound
	}
	return s, nil
}

func (f *Fake) FindAll(_ context.Context) ([]McpServer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]McpServer, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) SetErrorStatus(_ context.Context, serverUUID string, status ErrorStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[serverUUID]
	if !ok {
		return ErrNotFound
	}
	s.ErrorStatus = status
	f.servers[serverUUID] = s
	return nil
}

func (f *Fake) Mappings(_ context.Context, namespaceUUID string, includeInactive bool) ([]ServerMapping, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	all := f.namespaces[namespaceUUID]
	out := make([]ServerMapping, 0, len(all))
	for _, m := range all {
		if m.Status == MappingActive || includeInactive {
			m.Server = f.servers[m.ServerUUID]
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) ToolMappings(_ context.Context, namespaceUUID string) ([]ToolMapping, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ToolMapping(nil), f.tools[namespaceUUID]...), nil
}
