package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (startup failure, bad config, bad flags).
	ExitCodeError = 1
)

// logLevel is the minimum log level emitted by the process, shared by all
// subcommands via a persistent flag.
var logLevel string

// configPath points at the YAML configuration file consumed by serve.
var configPath string

// rootCmd represents the base command for the metamcpd gateway.
var rootCmd = &cobra.Command{
	Use:   "metamcpd",
	Short: "MetaMCP proxy: aggregate upstream MCP servers into per-namespace endpoints",
	Long: `metamcpd is a gateway that aggregates many upstream Model Context Protocol
(MCP) servers into a single, unified MCP endpoint per namespace. Clients
connect once and see a merged tool catalog; the gateway routes tool
invocations to the correct upstream, manages upstream connection lifecycles,
caches responses, and enforces API-key-scoped isolation.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the entry point for the CLI application, called from main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "metamcpd version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the gateway configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")

	rootCmd.AddCommand(newVersionCmd())
}
