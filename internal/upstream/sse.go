package upstream

import (
	"context"
	"fmt"

	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

type sseClient struct {
	base
}

func (c *sseClient) Connect(context.Context) error { return nil }

func newSSE(ctx context.Context, server repository.McpServer, opts Options) (Client, error) {
	headers := bearerHeaders(server)

	var copts []transport.ClientOption
	if len(headers) > 0 {
		copts = append(copts, transport.WithHeaders(headers))
	}

	conn, err := client.NewSSEMCPClient(server.URL, copts...)
	if err != nil {
		return nil, fmt.Errorf("creating SSE upstream %s: %w", server.Name, err)
	}

	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting SSE transport for %s: %w", server.Name, err)
	}

	if _, err := conn.Initialize(ctx, initializeRequest("metamcp")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initializing SSE upstream %s: %w", server.Name, err)
	}

	c := &sseClient{}
	c.opts = opts
	c.bind(conn)

	logging.Debug("Upstream", "SSE upstream %s connected (%s)", server.Name, server.URL)
	return c, nil
}

// bearerHeaders builds the header set forwarded to a networked upstream,
// including the static bearer token from its server definition when set.
func bearerHeaders(server repository.McpServer) map[string]string {
	if server.BearerToken == "" {
		return nil
	}
	return map[string]string{
		"Authorization": "Bearer " + server.BearerToken,
	}
}
