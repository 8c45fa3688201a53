package aggregate

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Op identifies which MCP operation a Request carries.
type Op string

const (
	OpListTools Op = "tools/list"
	OpCallTool  Op = "tools/call"
)

// SessionContext is the caller identity threaded explicitly through every
// handler and middleware call, rather than stashed in ambient context
// values: the namespace and API key that scope which upstreams are visible
// and which pooled connections are reused.
type SessionContext struct {
	NamespaceUUID   string
	APIKey          string
	KeyUUID         string
	UserID          string
	IncludeInactive bool
}

// Request is the uniform argument to a Handler for both list_tools and
// call_tool; ToolName/Arguments are populated only for OpCallTool.
type Request struct {
	Op        Op
	Session   SessionContext
	ToolName  string
	Arguments map[string]interface{}
}

// Response is the uniform return value; exactly one of Tools/Result is
// populated depending on the Request's Op.
type Response struct {
	Tools  []mcp.Tool
	Result *mcp.CallToolResult
}

// Handler processes one aggregation request.
type Handler func(ctx context.Context, req Request) (Response, error)

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(Handler) Handler

// Compose builds a single Middleware from an ordered chain: the result
// applied to a Handler h behaves as mws[0](mws[1](...(mws[n-1](h)))), so
// mws[0] is outermost and sees the request first.
func Compose(mws ...Middleware) Middleware {
	return func(final Handler) Handler {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
