package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"metamcp/pkg/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const defaultConfigFileName = "config.yaml"

// Default returns the built-in configuration used when no config file is
// present.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Pool: PoolConfig{
			MaxIdleTime:             Duration(2 * time.Hour),
			CleanupInterval:         Duration(30 * time.Minute),
			MaxConnectionsPerAPIKey: 50,
			MaxGlobalConnections:    100,
		},
		Cache: CacheConfig{
			MaxMemoryEntries: 1000,
			DefaultTTL:       Duration(300 * time.Second),
			CleanupInterval:  Duration(60 * time.Second),
		},
		Upstream: UpstreamConfig{
			TimeoutMs:              30_000,
			MaxTotalTimeoutMs:      120_000,
			ResetTimeoutOnProgress: true,
			StdioCooldown:          Duration(10 * time.Second),
			StdioShutdownGrace:     Duration(5 * time.Second),
		},
	}
}

// Load reads configuration from configPath, merging onto Default(). A
// missing file is not an error: it just means defaults are used.
func Load(configPath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "no config file at %s, using defaults", configPath)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	logging.Info("ConfigLoader", "loaded configuration from %s", configPath)
	return cfg, nil
}

// Manager owns the live configuration, reloads it on change, and notifies
// registered observers; the pool and cache policies are expected to
// register so that limit/TTL edits take effect without a restart.
type Manager struct {
	mu        sync.RWMutex
	path      string
	cfg       Config
	observers []Observer
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
}

// NewManager loads the initial configuration and prepares (but does not
// start) file-change watching.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// RegisterObserver registers an observer to be notified on reload.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// WatchForChanges starts an fsnotify watch on the config file and reloads
// on every write, notifying observers. It returns immediately; the watch
// loop runs in a goroutine until Close is called.
func (m *Manager) WatchForChanges() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		// A missing file is not fatal: defaults remain in effect until it
		// appears. Not watching a nonexistent path is still correct
		// behavior since fsnotify cannot watch what isn't there yet.
		logging.Warn("ConfigLoader", "not watching %s: %v", m.path, err)
		_ = watcher.Close()
		return nil
	}

	m.watcher = watcher
	m.stopWatch = make(chan struct{})

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("ConfigLoader", err, "config watcher error")
		case <-m.stopWatch:
			return
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		logging.Error("ConfigLoader", err, "reload of %s failed, keeping previous configuration", m.path)
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, obs := range observers {
		go obs.OnConfigChange(&cfg)
	}
	logging.Info("ConfigLoader", "configuration reloaded from %s", m.path)
}

// Close stops the file watcher, if any.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.stopWatch)
	return m.watcher.Close()
}
