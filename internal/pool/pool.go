// Package pool implements the per-API-key upstream connection pool: it
// owns the set of upstream clients for each API key, enforces per-key and
// global connection limits, evicts idle buckets, and reacts to upstream
// crashes by marking the server's error state and dropping the dead
// connection.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metamcp/internal/config"
	"metamcp/internal/repository"
	"metamcp/internal/upstream"
	"metamcp/pkg/logging"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ResourceLimitError is returned when a connection acquisition would exceed
// the per-key or global connection cap.
type ResourceLimitError struct {
	Scope string // "per-key" or "global"
	Limit int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("pool: %s connection limit (%d) reached", e.Scope, e.Limit)
}

// CooldownActiveError is returned when a connection attempt targets a stdio
// identity (command+args+env) whose most recent launch failed within the
// configured cooldown window; such attempts are rejected fast without
// spawning.
type CooldownActiveError struct {
	ServerName string
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("pool: %s is in launch cooldown after a recent failure", e.ServerName)
}

// spawnBackoff bounds the retries attempted against a transient factory
// failure (e.g. a stdio upstream that is momentarily unready) before the
// identity is placed in cooldown.
var spawnBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Steps:    3,
	Cap:      2 * time.Second,
}

// Factory constructs a connected upstream client for a server definition.
// It is a seam for tests: production code passes upstream.New.
type Factory func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error)

type entry struct {
	client     upstream.Client
	serverUUID string
	createdAt  time.Time
}

type bucket struct {
	mu          sync.Mutex
	apiKey      string
	keyUUID     string
	userID      string
	connections map[string]*entry // serverUUID -> entry
	lastAccess  time.Time
	createdAt   time.Time
}

// Pool is the gateway-wide per-API-key connection pool.
type Pool struct {
	cfg     config.PoolConfig
	opts    upstream.Options
	tracker *upstream.ErrorTracker
	factory Factory

	bucketsMu   sync.Mutex
	buckets     map[string]*bucket
	globalMu    sync.Mutex
	globalCount int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool. Call Start to begin the idle-cleanup loop.
func New(cfg config.PoolConfig, opts upstream.Options, tracker *upstream.ErrorTracker, factory Factory) *Pool {
	if factory == nil {
		factory = upstream.New
	}
	return &Pool{
		cfg:     cfg,
		opts:    opts,
		tracker: tracker,
		factory: factory,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

// OnConfigChange applies updated pool policy without a restart, registered
// against config.Manager as an Observer.
func (p *Pool) OnConfigChange(cfg *config.Config) {
	p.bucketsMu.Lock()
	p.cfg = cfg.Pool
	p.bucketsMu.Unlock()
}

// Start launches the periodic idle-eviction loop.
func (p *Pool) Start() {
	interval := time.Duration(p.cfg.CleanupInterval)
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.performTimeBasedCleanup()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the cleanup loop and drains every bucket.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.cleanupAll()
}

// GetConnection returns the pooled upstream client for (apiKey, server),
// creating one if needed. keyUUID/userID are attached to a newly created
// bucket for audit/log context.
func (p *Pool) GetConnection(ctx context.Context, apiKey string, server repository.McpServer, keyUUID, userID string) (upstream.Client, error) {
	b := p.getOrCreateBucket(apiKey, keyUUID, userID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = time.Now()

	if e, ok := b.connections[server.ServerUUID]; ok {
		return e.client, nil
	}

	maxPerKey := p.cfg.MaxConnectionsPerAPIKey
	if maxPerKey > 0 && len(b.connections) >= maxPerKey {
		return nil, &ResourceLimitError{Scope: "per-key", Limit: maxPerKey}
	}

	identity := ""
	if server.Kind == repository.KindStdio {
		identity = upstream.IdentityHash(server.Command, server.Args, server.Env)
		if p.tracker.InCooldown(identity) {
			return nil, &CooldownActiveError{ServerName: server.Name}
		}
	}

	if !p.reserveGlobalSlot() {
		return nil, &ResourceLimitError{Scope: "global", Limit: p.cfg.MaxGlobalConnections}
	}

	client, err := p.connectWithRetry(ctx, server)
	if err != nil {
		p.releaseGlobalSlot()
		if identity != "" {
			p.tracker.RecordLaunchFailure(identity)
		}
		return nil, fmt.Errorf("pool: connecting to %s: %w", server.Name, err)
	}

	client.OnCrash(func(crashErr error) {
		p.handleCrash(apiKey, server.ServerUUID, crashErr)
	})

	b.connections[server.ServerUUID] = &entry{
		client:     client,
		serverUUID: server.ServerUUID,
		createdAt:  time.Now(),
	}

	return client, nil
}

// connectWithRetry spawns the upstream client, retrying transient failures
// with spawnBackoff before giving up. A canceled or expired ctx aborts the
// retry loop immediately rather than continuing to back off.
func (p *Pool) connectWithRetry(ctx context.Context, server repository.McpServer) (upstream.Client, error) {
	var client upstream.Client
	var lastErr error

	err := wait.ExponentialBackoff(spawnBackoff, func() (bool, error) {
		c, err := p.factory(ctx, server, p.opts)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		client = c
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return client, nil
}

func (p *Pool) getOrCreateBucket(apiKey, keyUUID, userID string) *bucket {
	p.bucketsMu.Lock()
	defer p.bucketsMu.Unlock()

	if b, ok := p.buckets[apiKey]; ok {
		return b
	}

	b := &bucket{
		apiKey:      apiKey,
		keyUUID:     keyUUID,
		userID:      userID,
		connections: make(map[string]*entry),
		createdAt:   time.Now(),
		lastAccess:  time.Now(),
	}
	p.buckets[apiKey] = b
	return b
}

func (p *Pool) reserveGlobalSlot() bool {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	limit := p.cfg.MaxGlobalConnections
	if limit > 0 && p.globalCount >= limit {
		return false
	}
	p.globalCount++
	return true
}

func (p *Pool) releaseGlobalSlot() {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	if p.globalCount > 0 {
		p.globalCount--
	}
}

// handleCrash is the crash callback registered on every pooled client: it
// marks the server's error state and drops the dead connection, destroying
// the bucket if it is now empty. It records no launch cooldown; cooldowns
// are recorded only when connecting fails in GetConnection. The pool looks
// up the bucket by (apiKey, serverUuid) identity rather than the client
// holding a back-pointer.
func (p *Pool) handleCrash(apiKey, serverUUID string, crashErr error) {
	logging.Warn("Pool", "upstream %s crashed for key bucket %s: %v", serverUUID, logging.TruncateSessionID(apiKey), crashErr)

	if p.tracker != nil {
		if err := p.tracker.MarkError(context.Background(), serverUUID); err != nil {
			logging.Error("Pool", err, "failed to mark server %s as errored", serverUUID)
		}
	}

	p.bucketsMu.Lock()
	b, ok := p.buckets[apiKey]
	p.bucketsMu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if e, ok := b.connections[serverUUID]; ok {
		delete(b.connections, serverUUID)
		_ = e.client.Close()
		p.releaseGlobalSlot()
	}
	empty := len(b.connections) == 0
	b.mu.Unlock()

	if empty {
		p.bucketsMu.Lock()
		if cur, ok := p.buckets[apiKey]; ok && cur == b {
			delete(p.buckets, apiKey)
		}
		p.bucketsMu.Unlock()
	}
}

// InvalidateServerConnections closes and removes every pooled connection to
// serverUUID across all buckets, e.g. after its definition changed; the next
// acquisition re-creates the connection using the caller's refreshed params.
func (p *Pool) InvalidateServerConnections(serverUUID string) {
	p.closeServerConnections(serverUUID)
}

// CleanupServerConnections closes and removes every pooled connection to a
// server that has been deleted, without expecting replacement.
func (p *Pool) CleanupServerConnections(serverUUID string) {
	p.closeServerConnections(serverUUID)
}

func (p *Pool) closeServerConnections(serverUUID string) {
	p.bucketsMu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.bucketsMu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		if e, ok := b.connections[serverUUID]; ok {
			delete(b.connections, serverUUID)
			if err := e.client.Close(); err != nil {
				logging.Warn("Pool", "error closing connection to %s: %v", serverUUID, err)
			}
			p.releaseGlobalSlot()
		}
		b.mu.Unlock()
	}
}

// CleanupApiKey closes every connection owned by apiKey and deletes its
// bucket, e.g. on an explicit DELETE-all-sessions request.
func (p *Pool) CleanupApiKey(apiKey string) {
	p.bucketsMu.Lock()
	b, ok := p.buckets[apiKey]
	if ok {
		delete(p.buckets, apiKey)
	}
	p.bucketsMu.Unlock()
	if !ok {
		return
	}
	p.drainBucket(b)
}

func (p *Pool) drainBucket(b *bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for uuid, e := range b.connections {
		if err := e.client.Close(); err != nil {
			logging.Warn("Pool", "error closing connection to %s: %v", uuid, err)
		}
		p.releaseGlobalSlot()
	}
	b.connections = make(map[string]*entry)
}

// performTimeBasedCleanup evicts every bucket whose lastAccess exceeds
// maxIdleTime. Failures closing individual connections are logged but never
// abort the sweep.
func (p *Pool) performTimeBasedCleanup() {
	maxIdle := time.Duration(p.cfg.MaxIdleTime)
	if maxIdle <= 0 {
		maxIdle = 2 * time.Hour
	}
	cutoff := time.Now().Add(-maxIdle)

	p.bucketsMu.Lock()
	var stale []string
	for apiKey, b := range p.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if idle {
			stale = append(stale, apiKey)
		}
	}
	p.bucketsMu.Unlock()

	for _, apiKey := range stale {
		logging.Debug("Pool", "evicting idle bucket for key %s", logging.TruncateSessionID(apiKey))
		p.CleanupApiKey(apiKey)
	}
}

// cleanupAll drains every bucket; used on shutdown.
func (p *Pool) cleanupAll() {
	p.bucketsMu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.buckets = make(map[string]*bucket)
	p.bucketsMu.Unlock()

	for _, b := range buckets {
		p.drainBucket(b)
	}
}

// Stats reports a point-in-time snapshot for the /health and /metrics
// endpoints.
type Stats struct {
	Buckets          int
	TotalConnections int
	MaxGlobal        int
	MaxPerKey        int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.globalMu.Lock()
	total := p.globalCount
	p.globalMu.Unlock()

	p.bucketsMu.Lock()
	buckets := len(p.buckets)
	p.bucketsMu.Unlock()

	return Stats{
		Buckets:          buckets,
		TotalConnections: total,
		MaxGlobal:        p.cfg.MaxGlobalConnections,
		MaxPerKey:        p.cfg.MaxConnectionsPerAPIKey,
	}
}
