package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9090\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Listen.Port)
	assert.Equal(t, Default().Pool, cfg.Pool)
	assert.Equal(t, Default().Cache, cfg.Cache)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, "pool:\n  maxIdleTime: 90m\n  cleanupInterval: 45s\ncache:\n  defaultTtl: 10m\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Duration(90*time.Minute), cfg.Pool.MaxIdleTime)
	assert.Equal(t, Duration(45*time.Second), cfg.Pool.CleanupInterval)
	assert.Equal(t, Duration(10*time.Minute), cfg.Cache.DefaultTTL)
}

func TestLoadParsesBareIntegerDurationAsSeconds(t *testing.T) {
	path := writeConfig(t, "upstream:\n  stdioCooldown: 15\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(15*time.Second), cfg.Upstream.StdioCooldown)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, "pool:\n  maxIdleTime: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 0
	cfg.Pool.MaxGlobalConnections = 0
	cfg.Cache.MaxMemoryEntries = 0

	err := Validate(cfg)
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	assert.GreaterOrEqual(t, len(errs), 3)
}

func TestManagerNotifiesObserversOnReload(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9090\n")
	mgr, err := NewManager(path)
	require.NoError(t, err)
	defer func() { _ = mgr.Close() }()

	notified := make(chan *Config, 1)
	mgr.RegisterObserver(observerFunc(func(cfg *Config) { notified <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 9191\n"), 0o644))
	mgr.reload()

	select {
	case cfg := <-notified:
		assert.Equal(t, 9191, cfg.Listen.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not notified")
	}
	assert.Equal(t, 9191, mgr.Current().Listen.Port)
}

// observerFunc adapts a function to the Observer interface.
type observerFunc func(cfg *Config)

func (f observerFunc) OnConfigChange(cfg *Config) { f(cfg) }
