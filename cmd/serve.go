package cmd

import (
	"context"
	"fmt"

	"metamcp/internal/app"

	"github.com/spf13/cobra"
)

// serveDebug raises the process's minimum log level to debug.
var serveDebug bool

// serveCmd starts the gateway: it loads configuration, wires the
// repository, upstream pool, response cache, and aggregation handlers,
// and serves the per-namespace MCP endpoints until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MetaMCP gateway",
	Long: `Starts the gateway's HTTP listener and serves the streamable-HTTP and SSE
MCP endpoints for every namespace: POST/GET/DELETE /{namespace}/mcp and
GET /{namespace}/sse + POST /{namespace}/message.

Configuration is loaded from the file given by --config (default
config.yaml in the working directory); a missing file falls back to
built-in defaults. The gateway also exposes GET /health and GET /metrics
for operational monitoring.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	appCfg := app.NewConfig(serveDebug, configPath, logLevel)

	application, err := app.NewApplication(appCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug-level logging (overrides --log-level)")
}
