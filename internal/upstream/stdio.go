package upstream

import (
	"context"
	"fmt"
	"time"

	"metamcp/internal/repository"
	"metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
)

// DefaultStdioInitTimeout bounds the time allowed to spawn the subprocess
// and complete the MCP handshake when the caller's context carries no
// deadline of its own.
const DefaultStdioInitTimeout = 10 * time.Second

type stdioClient struct {
	base
	adapter *FilterAdapter
}

func (c *stdioClient) Connect(context.Context) error {
	// Connection is established synchronously in newStdio; New() always
	// returns an already-connected Client.
	return nil
}

// Close closes the mcp-go client and then the underlying child process,
// escalating SIGTERM to SIGKILL after the configured grace.
func (c *stdioClient) Close() error {
	err := c.base.Close()
	if c.adapter != nil {
		if shutdownErr := c.adapter.Shutdown(c.opts.StdioShutdownGrace); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

// newStdio spawns server's command behind a FilterAdapter and hands the
// adapter's classified JSON-RPC frames to mcp-go over a pipedTransport,
// rather than letting mcp-go's own stdio transport read the child's raw,
// possibly log-contaminated stdout directly.
func newStdio(ctx context.Context, server repository.McpServer, opts Options) (Client, error) {
	var envStrings []string
	for k, v := range server.Env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	adapter := &FilterAdapter{
		Command: server.Command,
		Args:    server.Args,
		Env:     envStrings,
		OnLog: func(level LogLevel, line string) {
			logStdioLine(server.Name, level, line)
		},
	}

	pt := newPipedTransport(adapter)

	if err := pt.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawning stdio upstream %s: %w", server.Name, err)
	}

	conn := client.NewClient(pt)

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	if _, err := conn.Initialize(initCtx, initializeRequest("metamcp")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initializing stdio upstream %s: %w", server.Name, err)
	}

	c := &stdioClient{adapter: adapter}
	c.opts = opts
	c.bind(conn)

	// The child exiting is the authoritative crash signal for a stdio
	// upstream; wire it directly rather than relying solely on mcp-go's
	// generic OnConnectionLost, which is not guaranteed to observe a custom
	// transport.Interface implementation's process lifecycle.
	adapter.OnClose = func(exitCode int, err error) {
		if err == nil {
			err = fmt.Errorf("process exited with code %d", exitCode)
		}
		c.mu.Lock()
		c.connected = false
		cb := c.crash
		c.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	}

	logging.Debug("Upstream", "stdio upstream %s connected (%s %v)", server.Name, server.Command, server.Args)
	return c, nil
}

// logStdioLine routes a line FilterAdapter rejected as non-JSON-RPC to the
// logger at the level ClassifyLine inferred.
func logStdioLine(serverName string, level LogLevel, line string) {
	msg := fmt.Sprintf("%s: %s", serverName, line)
	switch level {
	case LevelDebug:
		logging.Debug("Upstream", "%s", msg)
	case LevelWarn:
		logging.Warn("Upstream", "%s", msg)
	case LevelError, LevelCritical:
		logging.Error("Upstream", fmt.Errorf("%s", line), "%s reported an error on stdout/stderr", serverName)
	default:
		logging.Info("Upstream", "%s", msg)
	}
}
