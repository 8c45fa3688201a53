package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metamcp/internal/aggregate"
	"metamcp/internal/cache"
	"metamcp/internal/config"
	"metamcp/internal/pool"
	"metamcp/internal/repository"
	"metamcp/internal/session"
	"metamcp/internal/startup"
	"metamcp/internal/upstream"
	"metamcp/pkg/logging"
)

// Application is the fully wired gateway: it owns the repository, the
// upstream pool and cache, the HTTP router, and the startup orchestrator
// that sequences bring-up and drains everything on shutdown.
type Application struct {
	appCfg *Config
	gwCfg  *config.Manager

	repo    repository.Repository
	tracker *upstream.ErrorTracker
	pool    *pool.Pool
	cache   *cache.Cache
	table   *session.Table
	router  *session.Router
	boot    *startup.Orchestrator

	httpServer *http.Server
}

// Option customizes NewApplication's wiring. The zero-value configuration
// (no options) is a complete, runnable gateway backed by an in-memory
// repository.Fake, suitable for local development and the end-to-end
// tests in this module.
type Option func(*options)

type options struct {
	repo repository.Repository
}

// WithRepository injects a repository.Repository backed by a real
// persistence layer. Production deployments supply this; constructing one
// is out of the gateway's own scope.
func WithRepository(repo repository.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// NewApplication loads configuration, initializes logging, and wires the
// repository, pool, cache, aggregation handlers, session router, and
// startup orchestrator together. It performs no I/O against upstreams or
// the network yet; Run starts the listener and the startup orchestrator's
// warm-up pass.
func NewApplication(appCfg *Config, opts ...Option) (*Application, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	level := logging.ParseLevel(appCfg.LogLevel)
	if appCfg.Debug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stdout)

	gwMgr, err := config.NewManager(appCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading gateway configuration: %w", err)
	}
	cfg := gwMgr.Current()

	repo := o.repo
	if repo == nil {
		logging.Warn("Bootstrap", "no repository configured; running against an in-memory Fake repository")
		repo = repository.NewFake()
	}

	tracker := upstream.NewErrorTracker(repo, time.Duration(cfg.Upstream.StdioCooldown))

	upstreamOpts := upstream.Options{
		RequestTimeout:         time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		MaxTotalTimeout:        time.Duration(cfg.Upstream.MaxTotalTimeoutMs) * time.Millisecond,
		ResetTimeoutOnProgress: cfg.Upstream.ResetTimeoutOnProgress,
		StdioShutdownGrace:     time.Duration(cfg.Upstream.StdioShutdownGrace),
	}

	connPool := pool.New(cfg.Pool, upstreamOpts, tracker, nil)
	respCache := cache.New(cfg.Cache)
	gwMgr.RegisterObserver(connPool)
	gwMgr.RegisterObserver(respCache)

	agg := aggregate.New(repo, connPool)
	core := aggregate.Compose(
		aggregate.FilterToolsMiddleware(repo),
		aggregate.CacheMiddleware(repo, respCache),
	)(agg.Core())

	table := session.NewTable(time.Duration(cfg.Pool.MaxIdleTime), time.Duration(cfg.Pool.CleanupInterval))
	router := session.NewRouter(repo, connPool, respCache, core, table, cfg.Listen.Host, cfg.Listen.Port)

	boot := startup.New(repo, connPool, respCache, table)

	if err := gwMgr.WatchForChanges(); err != nil {
		logging.Warn("Bootstrap", "config watcher not started: %v", err)
	}

	return &Application{
		appCfg:  appCfg,
		gwCfg:   gwMgr,
		repo:    repo,
		tracker: tracker,
		pool:    connPool,
		cache:   respCache,
		table:   table,
		router:  router,
		boot:    boot,
	}, nil
}

// Run starts the HTTP listener and the startup orchestrator's warm-up
// pass, then blocks until ctx is canceled or the process receives SIGINT
// or SIGTERM, performing an ordered shutdown in either case.
func (a *Application) Run(ctx context.Context) error {
	cfg := a.gwCfg.Current()

	if err := a.boot.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	a.httpServer = &http.Server{
		Addr:    addr,
		Handler: a.router.Mux(),
	}

	listener, listenerDesc, err := listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Bootstrap", "metamcpd listening on %s", listenerDesc)
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
		logging.Info("Bootstrap", "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logging.Error("Bootstrap", err, "HTTP server failed")
		}
	}

	return a.Shutdown()
}

// Shutdown drains every component in order: stop accepting new HTTP
// connections, then the startup orchestrator's own ordered teardown
// (reapers, sessions, pool, cache).
func (a *Application) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Bootstrap", "HTTP server shutdown: %v", err)
		}
	}

	if err := a.boot.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping orchestrator: %w", err)
	}

	_ = a.gwCfg.Close()
	return nil
}
