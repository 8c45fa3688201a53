package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

func (ve *ValidationErrors) add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

// Validate collects every violation in cfg rather than failing fast on the
// first one.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.Listen.Port <= 0 || cfg.Listen.Port > 65535 {
		errs.add("listen.port", "must be between 1 and 65535")
	}

	if cfg.Pool.MaxConnectionsPerAPIKey <= 0 {
		errs.add("pool.maxConnectionsPerApiKey", "must be positive")
	}
	if cfg.Pool.MaxGlobalConnections <= 0 {
		errs.add("pool.maxGlobalConnections", "must be positive")
	}
	if cfg.Pool.MaxConnectionsPerAPIKey > cfg.Pool.MaxGlobalConnections {
		errs.add("pool.maxConnectionsPerApiKey", "cannot exceed pool.maxGlobalConnections")
	}
	if cfg.Pool.MaxIdleTime <= 0 {
		errs.add("pool.maxIdleTime", "must be positive")
	}
	if cfg.Pool.CleanupInterval <= 0 {
		errs.add("pool.cleanupInterval", "must be positive")
	}

	if cfg.Cache.MaxMemoryEntries <= 0 {
		errs.add("cache.maxMemoryEntries", "must be positive")
	}
	if cfg.Cache.DefaultTTL < 0 {
		errs.add("cache.defaultTtl", "must not be negative")
	}
	if cfg.Cache.CleanupInterval <= 0 {
		errs.add("cache.cleanupInterval", "must be positive")
	}

	if cfg.Upstream.TimeoutMs <= 0 {
		errs.add("upstream.timeoutMs", "must be positive")
	}
	if cfg.Upstream.MaxTotalTimeoutMs < cfg.Upstream.TimeoutMs {
		errs.add("upstream.maxTotalTimeoutMs", "must be >= upstream.timeoutMs")
	}
	if cfg.Upstream.StdioCooldown < 0 {
		errs.add("upstream.stdioCooldown", "must not be negative")
	}
	if cfg.Upstream.StdioShutdownGrace <= 0 {
		errs.add("upstream.stdioShutdownGrace", "must be positive")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
