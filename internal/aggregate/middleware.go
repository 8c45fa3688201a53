package aggregate

import (
	"context"
	"encoding/json"

	"metamcp/internal/cache"
	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// FilterToolsMiddleware drops tools/list entries, and rejects tools/call
// invocations, for any tool an administrator has explicitly disabled via a
// namespace-scoped ToolMapping. Tools with no explicit mapping are treated
// as enabled by default.
func FilterToolsMiddleware(repo repository.Repository) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (Response, error) {
			switch req.Op {
			case OpListTools:
				resp, err := next(ctx, req)
				if err != nil {
					return resp, err
				}
				disabled, serverMappings := disabledSet(ctx, repo, req.Session)
				if disabled == nil {
					return resp, nil
				}

				filtered := resp.Tools[:0]
				for _, t := range resp.Tools {
					if isDisabled(t.Name, serverMappings, disabled) {
						continue
					}
					filtered = append(filtered, t)
				}
				resp.Tools = filtered
				return resp, nil

			case OpCallTool:
				disabled, serverMappings := disabledSet(ctx, repo, req.Session)
				if disabled != nil && isDisabled(req.ToolName, serverMappings, disabled) {
					return Response{Result: mcp.NewToolResultError("tool is disabled for this namespace")}, nil
				}
				return next(ctx, req)

			default:
				return next(ctx, req)
			}
		}
	}
}

// disabledKey identifies a namespace-scoped tool mapping by the pair a
// ToolMapping is actually keyed on.
func disabledKey(serverUUID, name string) string {
	return serverUUID + "\x00" + name
}

func disabledSet(ctx context.Context, repo repository.Repository, sess SessionContext) (map[string]bool, []repository.ServerMapping) {
	serverMappings, err := repo.Mappings(ctx, sess.NamespaceUUID, sess.IncludeInactive)
	if err != nil {
		logging.Warn("Aggregate", "filterTools: loading server mappings: %v", err)
		return nil, nil
	}
	toolMappings, err := repo.ToolMappings(ctx, sess.NamespaceUUID)
	if err != nil {
		logging.Warn("Aggregate", "filterTools: loading tool mappings: %v", err)
		return nil, nil
	}

	disabled := make(map[string]bool, len(toolMappings))
	for _, tm := range toolMappings {
		if tm.Status == repository.MappingInactive {
			disabled[disabledKey(tm.ServerUUID, tm.Name)] = true
		}
	}
	return disabled, serverMappings
}

// isDisabled re-derives the (serverUUID, originalName) pair from a prefixed
// tool name to check it against the disabled set.
func isDisabled(prefixedName string, serverMappings []repository.ServerMapping, disabled map[string]bool) bool {
	prefix, original, err := ParseToolName(prefixedName)
	if err != nil {
		return false
	}
	server, err := ResolveServer(serverMappings, prefix)
	if err != nil {
		return false
	}
	return disabled[disabledKey(server.ServerUUID, original)]
}

// CacheMiddleware serves tools/call results from the response cache when
// the tool is cacheable, and populates the cache on a successful (non-error)
// upstream response.
func CacheMiddleware(repo repository.Repository, c *cache.Cache) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (Response, error) {
			if req.Op != OpCallTool {
				return next(ctx, req)
			}

			prefix, original, err := ParseToolName(req.ToolName)
			if err != nil {
				return next(ctx, req)
			}
			if !c.Cacheable(original) {
				return next(ctx, req)
			}
			ttl := c.TTLFor(original)
			if ttl <= 0 {
				return next(ctx, req)
			}

			var serverUUID string
			if mappings, err := repo.Mappings(ctx, req.Session.NamespaceUUID, req.Session.IncludeInactive); err == nil {
				if server, err := ResolveServer(mappings, prefix); err == nil {
					serverUUID = server.ServerUUID
				}
			}

			key := cache.BuildKey(serverUUID, original, req.Session.NamespaceUUID, req.Arguments)

			if payload, ok := c.Get(ctx, key); ok {
				var result mcp.CallToolResult
				if err := json.Unmarshal(payload, &result); err == nil {
					return Response{Result: &result}, nil
				}
			}

			resp, err := next(ctx, req)
			if err == nil && resp.Result != nil && !resp.Result.IsError {
				if payload, merr := json.Marshal(resp.Result); merr == nil {
					c.Set(ctx, key, payload, ttl)
				}
			}
			return resp, err
		}
	}
}
