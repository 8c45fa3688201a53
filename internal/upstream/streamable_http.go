package upstream

import (
	"context"
	"fmt"

	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

type streamableHTTPClient struct {
	base
}

func (c *streamableHTTPClient) Connect(context.Context) error { return nil }

func newStreamableHTTP(ctx context.Context, server repository.McpServer, opts Options) (Client, error) {
	headers := bearerHeaders(server)

	var copts []transport.StreamableHTTPCOption
	copts = append(copts, transport.WithContinuousListening())
	if len(headers) > 0 {
		copts = append(copts, transport.WithHTTPHeaders(headers))
	}

	conn, err := client.NewStreamableHttpClient(server.URL, copts...)
	if err != nil {
		return nil, fmt.Errorf("creating streamable-http upstream %s: %w", server.Name, err)
	}

	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting streamable-http transport for %s: %w", server.Name, err)
	}

	if _, err := conn.Initialize(ctx, initializeRequest("metamcp")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initializing streamable-http upstream %s: %w", server.Name, err)
	}

	c := &streamableHTTPClient{}
	c.opts = opts
	c.bind(conn)

	logging.Debug("Upstream", "streamable-http upstream %s connected (%s)", server.Name, server.URL)
	return c, nil
}
