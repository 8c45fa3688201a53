package aggregate

import (
	"context"
	"fmt"

	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// SessionServer is a fresh, per-session MetaMCP server: one
// *mcpserver.MCPServer per session whose registered tool set is exactly the
// merged, prefixed, filtered view of the session's namespace at
// construction time, refreshed on demand.
type SessionServer struct {
	handler Handler
	session SessionContext

	mcp   *mcpserver.MCPServer
	tools map[string]mcp.Tool // current registered set, by prefixed name
}

// NewSessionServer builds the session's MCP server and performs its initial
// tool registration via one tools/list fan-out through handler.
func NewSessionServer(ctx context.Context, session SessionContext, handler Handler) (*SessionServer, error) {
	s := &SessionServer{
		handler: handler,
		session: session,
		mcp: mcpserver.NewMCPServer(
			"metamcp",
			"1.0.0",
			mcpserver.WithToolCapabilities(true),
		),
		tools: make(map[string]mcp.Tool),
	}

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// MCPServer returns the underlying mark3labs/mcp-go server, for wiring into
// a transport (stdio/SSE/streamable-HTTP).
func (s *SessionServer) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// Refresh re-runs tools/list through the handler chain and diffs the result
// against the currently registered set, adding newly visible tools and
// removing ones no longer visible, batching each side.
func (s *SessionServer) Refresh(ctx context.Context) error {
	resp, err := s.handler(ctx, Request{Op: OpListTools, Session: s.session})
	if err != nil {
		return fmt.Errorf("aggregate: refreshing session tools: %w", err)
	}

	next := make(map[string]mcp.Tool, len(resp.Tools))
	for _, t := range resp.Tools {
		next[t.Name] = t
	}

	var toAdd []mcpserver.ServerTool
	for name, t := range next {
		if _, ok := s.tools[name]; ok {
			continue
		}
		toAdd = append(toAdd, mcpserver.ServerTool{
			Tool:    t,
			Handler: s.callToolHandler(name),
		})
	}

	var toRemove []string
	for name := range s.tools {
		if _, ok := next[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	if len(toRemove) > 0 {
		s.mcp.DeleteTools(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddTools(toAdd...)
	}

	s.tools = next
	return nil
}

// callToolHandler builds the mcp-go ServerTool.Handler for one registered
// tool name: it forwards the call through the composed Handler chain with
// this session's identity attached.
func (s *SessionServer) callToolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})

		resp, err := s.handler(ctx, Request{
			Op:        OpCallTool,
			Session:   s.session,
			ToolName:  name,
			Arguments: args,
		})
		if err != nil {
			logging.Error("Aggregate", err, "call_tool %s failed", name)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return resp.Result, nil
	}
}

// Close tears down the session's tool registrations. The underlying
// *mcpserver.MCPServer itself has no explicit teardown; dropping every
// reference to the SessionServer is sufficient for it to be collected.
func (s *SessionServer) Close() {
	if len(s.tools) == 0 {
		return
	}
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	s.mcp.DeleteTools(names...)
	s.tools = make(map[string]mcp.Tool)
}
