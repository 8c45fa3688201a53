package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metamcp/internal/repository"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Options carries the per-request timeout triple consulted on every
// upstream call, plus the SIGTERM-to-SIGKILL grace applied when a stdio
// child is shut down.
type Options struct {
	RequestTimeout         time.Duration
	MaxTotalTimeout        time.Duration
	ResetTimeoutOnProgress bool
	StdioShutdownGrace     time.Duration
}

// CrashFunc is invoked once when the connection to an upstream is lost,
// whether from a stdio process exit or a networked transport closing.
type CrashFunc func(err error)

// Client is the capability set every upstream kind exposes uniformly:
// connect, request (list/call), close, and crash notification. The stdio,
// SSE and streamable-HTTP variants are a tagged union over this interface.
type Client interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
	OnCrash(fn CrashFunc)
}

// Error wraps an upstream failure with the operation and underlying cause,
// distinguishing it from a protocol-level tool error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New connects a fresh upstream client for server, selecting the transport
// from server.Kind. The returned Client is already connected.
func New(ctx context.Context, server repository.McpServer, opts Options) (Client, error) {
	switch server.Kind {
	case repository.KindStdio:
		return newStdio(ctx, server, opts)
	case repository.KindSSE:
		return newSSE(ctx, server, opts)
	case repository.KindStreamableHTTP:
		return newStreamableHTTP(ctx, server, opts)
	default:
		return nil, fmt.Errorf("upstream: unknown server kind %q", server.Kind)
	}
}

// base holds the state and request helpers shared by every transport kind,
// mirroring the client_interface.go baseMCPClient composition pattern but
// keyed on the concrete *client.Client type so crash notification
// (OnConnectionLost) is available uniformly across all three variants.
type base struct {
	mu        sync.RWMutex
	conn      *client.Client
	connected bool
	opts      Options
	crash     CrashFunc
}

func (b *base) OnCrash(fn CrashFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crash = fn
}

// bind takes ownership of an already-initialized *client.Client and wires
// its connection-lost notification to our crash callback. No back-pointer
// to the owning pool bucket is stored here; the pool looks the bucket up
// by (apiKey, serverUuid) identity on crash.
func (b *base) bind(conn *client.Client) {
	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	conn.OnConnectionLost(func(err error) {
		b.mu.Lock()
		b.connected = false
		cb := b.crash
		b.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}

func (b *base) checkConnected() error {
	if !b.connected || b.conn == nil {
		return fmt.Errorf("upstream: not connected")
	}
	return nil
}

// requestContext applies the configured timeout triple. resetTimeoutOnProgress
// relaxes the per-call deadline to the outer maxTotalTimeout rather than the
// tighter per-request timeout, since a single synchronous CallTool/ListTools
// round trip through mcp-go does not give us a mid-flight hook to extend a
// deadline as progress notifications arrive.
func (b *base) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := b.opts.RequestTimeout
	if b.opts.ResetTimeoutOnProgress && b.opts.MaxTotalTimeout > 0 {
		timeout = b.opts.MaxTotalTimeout
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (b *base) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	result, err := b.conn.ListTools(reqCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &Error{Op: "list_tools", Err: err}
	}
	return result.Tools, nil
}

func (b *base) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	result, err := b.conn.CallTool(reqCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, &Error{Op: "call_tool", Err: err}
	}
	return result, nil
}

func (b *base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.connected = false
	b.conn = nil
	return err
}

func initializeRequest(clientName string) mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}
