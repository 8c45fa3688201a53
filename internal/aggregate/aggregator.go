package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"metamcp/internal/pool"
	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// Aggregator holds the collaborators the core list/call handlers need: the
// namespace/tool mapping repository and the upstream connection pool.
type Aggregator struct {
	repo repository.Repository
	pool *pool.Pool
}

// New constructs an Aggregator.
func New(repo repository.Repository, p *pool.Pool) *Aggregator {
	return &Aggregator{repo: repo, pool: p}
}

// Core returns the innermost Handler: no middleware applied. Callers
// typically wrap it with Compose(FilterToolsMiddleware(...), CacheMiddleware(...)).
func (a *Aggregator) Core() Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		switch req.Op {
		case OpListTools:
			return a.listTools(ctx, req)
		case OpCallTool:
			return a.callTool(ctx, req)
		default:
			return Response{}, fmt.Errorf("aggregate: unknown op %q", req.Op)
		}
	}
}

// listTools fans out tools/list to every server mapped into the namespace
// concurrently, prefixing each returned tool name with its owning server's
// sanitized name. An individual upstream's failure to list (down, timed
// out, pool limit reached) is logged and excluded from the result rather
// than failing the whole aggregation, except when every mapped server failed
// because a pool limit was reached: then the first ResourceLimitError is
// returned instead of an empty list.
func (a *Aggregator) listTools(ctx context.Context, req Request) (Response, error) {
	mappings, err := a.repo.Mappings(ctx, req.Session.NamespaceUUID, req.Session.IncludeInactive)
	if err != nil {
		return Response{}, fmt.Errorf("aggregate: loading namespace mappings: %w", err)
	}

	var (
		mu            sync.Mutex
		tools         []mcp.Tool
		resourceFull  int
		firstResource *pool.ResourceLimitError
		g             errgroup.Group
	)

	for _, m := range mappings {
		m := m
		g.Go(func() error {
			client, err := a.pool.GetConnection(ctx, req.Session.APIKey, m.Server, req.Session.KeyUUID, req.Session.UserID)
			if err != nil {
				logging.Warn("Aggregate", "list_tools: acquiring connection to %s: %v", m.Server.Name, err)
				var limitErr *pool.ResourceLimitError
				if errors.As(err, &limitErr) {
					mu.Lock()
					resourceFull++
					if firstResource == nil {
						firstResource = limitErr
					}
					mu.Unlock()
				}
				return nil
			}

			upstreamTools, err := client.ListTools(ctx)
			if err != nil {
				logging.Warn("Aggregate", "list_tools: %s returned an error: %v", m.Server.Name, err)
				return nil
			}

			mu.Lock()
			for _, t := range upstreamTools {
				t.Name = PrefixedName(m.Server.Name, t.Name)
				tools = append(tools, t)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // every goroutine above always returns nil; Wait only joins them

	// Every mapped server was unreachable specifically because the pool is
	// saturated, not merely down: the caller can't get any tools no matter
	// how they retry the call, so surface this distinctly rather than
	// returning a silently-empty tool list.
	if len(mappings) > 0 && resourceFull == len(mappings) {
		return Response{}, firstResource
	}

	return Response{Tools: tools}, nil
}

// callTool resolves the server prefix on req.ToolName, checks the server's
// error status, acquires a pooled connection, and dispatches the call with
// its original (unprefixed) name. Resolution and upstream failures are
// reported as MCP tool-level errors (IsError result), not Go errors, so a
// single bad tool name never tears down a session.
func (a *Aggregator) callTool(ctx context.Context, req Request) (Response, error) {
	prefix, original, err := ParseToolName(req.ToolName)
	if err != nil {
		return Response{Result: mcp.NewToolResultError(err.Error())}, nil
	}

	mappings, err := a.repo.Mappings(ctx, req.Session.NamespaceUUID, req.Session.IncludeInactive)
	if err != nil {
		return Response{}, fmt.Errorf("aggregate: loading namespace mappings: %w", err)
	}

	server, err := ResolveServer(mappings, prefix)
	if err != nil {
		return Response{Result: mcp.NewToolResultError(err.Error())}, nil
	}

	if server.ErrorStatus == repository.StatusError {
		return Response{Result: mcp.NewToolResultError("server in error state; reset required")}, nil
	}

	client, err := a.pool.GetConnection(ctx, req.Session.APIKey, server, req.Session.KeyUUID, req.Session.UserID)
	if err != nil {
		return Response{Result: mcp.NewToolResultError(fmt.Sprintf("upstream unavailable: %v", err))}, nil
	}

	result, err := client.CallTool(ctx, original, req.Arguments)
	if err != nil {
		return Response{Result: mcp.NewToolResultError(err.Error())}, nil
	}
	return Response{Result: result}, nil
}
