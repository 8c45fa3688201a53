package app

// Config holds the command-line-supplied knobs that shape bootstrap, as
// distinct from internal/config.Config, which holds the YAML-loaded gateway
// policy (pool limits, cache TTLs, timeouts).
type Config struct {
	// Debug raises the minimum log level to debug across the process,
	// overriding LogLevel.
	Debug bool

	// LogLevel is the minimum log level name (debug, info, warn, error).
	LogLevel string

	// ConfigPath is the path to the gateway's YAML configuration file.
	ConfigPath string
}

// NewConfig builds the bootstrap configuration from parsed CLI flags.
func NewConfig(debug bool, configPath, logLevel string) *Config {
	return &Config{Debug: debug, ConfigPath: configPath, LogLevel: logLevel}
}
