// Package startup implements the gateway's boot and shutdown lifecycle:
// warming idle upstream connections for active servers ahead of the first
// real request, and draining every component in order on shutdown.
package startup

import (
	"context"
	"time"

	"metamcp/internal/cache"
	"metamcp/internal/pool"
	"metamcp/internal/repository"
	"metamcp/internal/session"
	"metamcp/pkg/logging"
)

// internalKeyUUID identifies the system-scoped connections this package
// opens to warm the pool; it never corresponds to a real caller's API key.
const internalKeyUUID = "00000000-0000-0000-0000-000000000000"

// warmupDelay is how long Orchestrator waits after HTTP bind before issuing
// the first warming request, so that clients reconnecting via an external
// callback flow don't race the listener.
const warmupDelay = 3 * time.Second

// Orchestrator owns the boot sequence (warm connections) and the shutdown
// sequence (reaper, sessions, pool, cache, in that order).
type Orchestrator struct {
	repo  repository.Repository
	pool  *pool.Pool
	cache *cache.Cache
	table *session.Table

	warmupDelay time.Duration
	cancel      context.CancelFunc
}

// New builds an Orchestrator over the gateway's already-constructed
// components.
func New(repo repository.Repository, p *pool.Pool, c *cache.Cache, table *session.Table) *Orchestrator {
	return &Orchestrator{repo: repo, pool: p, cache: c, table: table, warmupDelay: warmupDelay}
}

// Start launches the idle reapers and schedules the warm-up pass; it
// returns immediately, mirroring AggregatorManager.Start's non-blocking
// bring-up.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.pool.Start()
	o.cache.Start()
	o.table.Start()

	go o.warmUp(runCtx)

	return nil
}

// warmUp waits warmupDelay, then eagerly opens one system-scoped connection
// per server returned by FindAll, skipping servers in ERROR state, to
// amortize upstream cold-start latency ahead of the first real client
// request. Mappings are not consulted: a server is warmed whether or not any
// ACTIVE mapping references it.
func (o *Orchestrator) warmUp(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.warmupDelay):
	}

	servers, err := o.repo.FindAll(ctx)
	if err != nil {
		logging.Warn("Startup", "warm-up: listing servers failed: %v", err)
		return
	}

	warmed := 0
	for _, server := range servers {
		if server.ErrorStatus == repository.StatusError {
			continue
		}
		if _, err := o.pool.GetConnection(ctx, internalKeyUUID, server, internalKeyUUID, "system"); err != nil {
			logging.Warn("Startup", "warm-up: connecting to %s failed: %v", server.Name, err)
			continue
		}
		warmed++
	}
	logging.Info("Startup", "warm-up complete: %d/%d upstream servers connected", warmed, len(servers))
}

// Stop drains the gateway in order: stop the reapers, close all sessions,
// drain all pooled connections, flush caches.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	o.table.Stop()
	o.pool.Stop()
	o.cache.Clear()
	o.cache.Stop()

	logging.Info("Startup", "shutdown complete")
	return nil
}

// ReservedInternalKey returns the identity warm-up connections are pooled
// under, exposed so tests and /health can distinguish system-scoped
// connections from real callers.
func ReservedInternalKey() string {
	return internalKeyUUID
}
