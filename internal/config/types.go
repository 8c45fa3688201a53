// Package config defines the gateway's own configuration: listen address,
// pool and cache policy, upstream timeouts, and stdio cooldown and
// shutdown-grace durations.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can spell values as
// Go duration strings ("90s", "2h"); yaml.v3 has no built-in decoding for
// time.Duration. A bare integer is read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level configuration structure for the gateway.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// TransportKind names a client-facing MCP transport.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportSSE            TransportKind = "sse"
)

// ListenConfig controls the HTTP bind address and systemd socket activation.
type ListenConfig struct {
	Host              string `yaml:"host,omitempty"`
	Port              int    `yaml:"port,omitempty"`
	SystemdSocketName string `yaml:"systemdSocketName,omitempty"`
}

// PoolConfig is the per-API-key connection pool policy.
type PoolConfig struct {
	MaxIdleTime             Duration `yaml:"maxIdleTime,omitempty"`
	CleanupInterval         Duration `yaml:"cleanupInterval,omitempty"`
	MaxConnectionsPerAPIKey int      `yaml:"maxConnectionsPerApiKey,omitempty"`
	MaxGlobalConnections    int      `yaml:"maxGlobalConnections,omitempty"`
}

// CacheConfig is the response cache policy.
type CacheConfig struct {
	MaxMemoryEntries   int      `yaml:"maxMemoryEntries,omitempty"`
	DefaultTTL         Duration `yaml:"defaultTtl,omitempty"`
	CleanupInterval    Duration `yaml:"cleanupInterval,omitempty"`
	L2ConnectionString string   `yaml:"l2ConnectionString,omitempty"`
}

// UpstreamConfig holds the MCP request timeout triple and the stdio
// cooldown/shutdown-grace durations.
type UpstreamConfig struct {
	TimeoutMs              int      `yaml:"timeoutMs,omitempty"`
	MaxTotalTimeoutMs      int      `yaml:"maxTotalTimeoutMs,omitempty"`
	ResetTimeoutOnProgress bool     `yaml:"resetTimeoutOnProgress,omitempty"`
	StdioCooldown          Duration `yaml:"stdioCooldown,omitempty"`
	StdioShutdownGrace     Duration `yaml:"stdioShutdownGrace,omitempty"`
}

// Observer is notified whenever the configuration is reloaded.
type Observer interface {
	OnConfigChange(cfg *Config)
}
