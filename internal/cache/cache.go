// Package cache implements the two-tier tool response cache: an in-process
// L1 tier always present, and an optional L2 distributed tier used only for
// long-TTL entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"metamcp/internal/config"
	"metamcp/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// l2MinTTL is the minimum TTL for an entry to be written through to L2;
// short-lived entries are not worth the round trip.
const l2MinTTL = 60 * time.Second

// Health classifications for Status.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthError    = "error"
)

type entry struct {
	payload  []byte
	cachedAt time.Time
	ttl      time.Duration
	hitCount int
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.cachedAt) > e.ttl
}

// Status is the point-in-time snapshot exposed by /health and /metrics.
type Status struct {
	HitRate     float64
	Entries     int
	MemoryMB    float64
	L2Connected bool
	Health      string
}

// Cache is the two-tier tool response cache.
type Cache struct {
	cfg config.CacheConfig

	mu    sync.Mutex
	l1    map[string]*entry
	order []string // insertion order, oldest first; drives the 10%-oldest eviction
	l2    *redis.Client

	nonCacheable map[string]bool

	hits   int64
	misses int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Cache from cfg. When cfg.L2ConnectionString is set, an L2
// redis tier is wired in; a failed ping degrades to L1-only and logs a
// warning rather than failing construction.
func New(cfg config.CacheConfig) *Cache {
	c := &Cache{
		cfg:          cfg,
		l1:           make(map[string]*entry),
		nonCacheable: defaultNonCacheable(),
		stop:         make(chan struct{}),
	}

	if cfg.L2ConnectionString != "" {
		opts, err := redis.ParseURL(cfg.L2ConnectionString)
		if err != nil {
			logging.Warn("Cache", "invalid l2ConnectionString, degrading to L1-only: %v", err)
		} else {
			client := redis.NewClient(opts)
			if err := client.Ping(context.Background()).Err(); err != nil {
				logging.Warn("Cache", "L2 ping failed, degrading to L1-only: %v", err)
			} else {
				c.l2 = client
			}
		}
	}

	return c
}

// OnConfigChange applies updated cache policy without a restart.
func (c *Cache) OnConfigChange(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg.Cache
	c.mu.Unlock()
}

// Start launches the periodic expired-entry sweep.
func (c *Cache) Start() {
	interval := time.Duration(c.cfg.CleanupInterval)
	if interval <= 0 {
		interval = 60 * time.Second
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and closes the L2 connection if present.
func (c *Cache) Stop() {
	close(c.stop)
	c.wg.Wait()
	if c.l2 != nil {
		_ = c.l2.Close()
	}
}

// BuildKey computes the cache key for (serverUuid, toolName, namespaceUuid,
// args): a deterministic digest of the canonically-ordered arguments,
// truncated to 16 base64 characters.
func BuildKey(serverUUID, toolName, namespaceUUID string, args map[string]interface{}) string {
	if namespaceUUID == "" {
		namespaceUUID = "default"
	}

	canonical, err := canonicalJSON(args)
	if err != nil {
		canonical = []byte("{}")
	}

	sum := sha256.Sum256(canonical)
	digest := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(digest) > 16 {
		digest = digest[:16]
	}

	return fmt.Sprintf("%s:%s:%s:%s", serverUUID, toolName, namespaceUUID, digest)
}

// canonicalJSON marshals args with object keys in sorted order at every
// nesting level, so that argsFingerprint({a:1,b:2}) == argsFingerprint({b:2,a:1}).
func canonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kv{k, nv})
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

type kv struct {
	Key string
	Val interface{}
}

// orderedMap marshals as a JSON object preserving insertion (sorted) order,
// since json.Marshal on a plain map re-sorts anyway but this keeps nested
// normalization explicit and independent of that implementation detail.
type orderedMap []kv

func (o orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, pair := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(pair.Val)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Cacheable reports whether toolName may be cached at all, honoring the
// internal non-cacheable override list independent of TTL.
func (c *Cache) Cacheable(toolName string) bool {
	return !c.nonCacheable[toolName]
}

// TTLFor returns the TTL for toolName, classifying by name heuristic:
// mutating tools are never cached, listings and task state expire quickly,
// read-mostly lookups last longest. A zero return means "do not cache."
func (c *Cache) TTLFor(toolName string) time.Duration {
	if !c.Cacheable(toolName) {
		return 0
	}

	lower := strings.ToLower(toolName)
	switch {
	case hasAny(lower, "create", "update", "delete", "execute", "write", "remove", "set_", "_set"):
		return 0
	case hasAny(lower, "list", "search", "query"):
		return 120 * time.Second
	case hasAny(lower, "status", "state", "task"):
		return 30 * time.Second
	case hasAny(lower, "read", "get", "fetch", "doc", "schema", "lookup", "reference"):
		return 1800 * time.Second
	default:
		if c.cfg.DefaultTTL > 0 {
			return time.Duration(c.cfg.DefaultTTL)
		}
		return 300 * time.Second
	}
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Get returns the cached payload for key, promoting an L2 hit into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if e, ok := c.l1[key]; ok {
		if !e.expired(time.Now()) {
			e.hitCount++
			c.mu.Unlock()
			atomic.AddInt64(&c.hits, 1)
			return e.payload, true
		}
		delete(c.l1, key)
	}
	c.mu.Unlock()

	if c.l2 == nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	val, err := c.l2.Get(ctx, l2Key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("Cache", "L2 get failed for %s, degrading to L1-only for this read: %v", key, err)
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	ttl, err := c.l2.TTL(ctx, l2Key(key)).Result()
	if err != nil || ttl <= 0 {
		ttl = l2MinTTL
	}

	c.mu.Lock()
	c.storeL1(key, val, ttl)
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	return val, true
}

// Set stores payload under key with the given TTL. A zero or negative TTL
// is a no-op.
func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	c.storeL1(key, payload, ttl)
	c.mu.Unlock()

	if c.l2 != nil && ttl > l2MinTTL {
		if err := c.l2.Set(ctx, l2Key(key), payload, ttl).Err(); err != nil {
			logging.Warn("Cache", "L2 set failed for %s, degrading to L1-only: %v", key, err)
		}
	}
}

// storeL1 must be called with c.mu held.
func (c *Cache) storeL1(key string, payload []byte, ttl time.Duration) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
	c.l1[key] = &entry{payload: payload, cachedAt: time.Now(), ttl: ttl}

	max := c.cfg.MaxMemoryEntries
	if max <= 0 {
		max = 1000
	}
	if len(c.l1) > max {
		c.evictOldest()
	}
}

// evictOldest drops the oldest 10% of entries by cachedAt. Must be called
// with c.mu held.
func (c *Cache) evictOldest() {
	n := len(c.order) / 10
	if n == 0 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}

	for i := 0; i < n; i++ {
		delete(c.l1, c.order[i])
	}
	c.order = c.order[n:]
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, k := range c.order {
		e, ok := c.l1[k]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(c.l1, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// InvalidatePattern removes every L1 entry whose key contains substr, e.g. a
// server's UUID after its definition changes, and, when L2 is configured,
// deletes the L2 copy of each such key. L2 entries whose keys are no longer
// held in L1 are not searched and stay until their TTL expires.
func (c *Cache) InvalidatePattern(substr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, k := range c.order {
		if strings.Contains(k, substr) {
			delete(c.l1, k)
			if c.l2 != nil {
				_ = c.l2.Del(context.Background(), l2Key(k)).Err()
			}
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// Clear drops every L1 entry, used on shutdown. It does not touch L2:
// other gateway instances may still be relying on those entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1 = make(map[string]*entry)
	c.order = nil
}

// Status reports the current cache health snapshot.
func (c *Cache) Status() Status {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.mu.Lock()
	entries := len(c.l1)
	var memBytes int64
	for _, e := range c.l1 {
		memBytes += int64(len(e.payload))
	}
	c.mu.Unlock()

	health := HealthError
	switch {
	case hitRate >= 0.8:
		health = HealthOK
	case hitRate >= 0.5:
		health = HealthDegraded
	}
	if hits+misses == 0 {
		health = HealthOK // no traffic yet is not "error"
	}

	return Status{
		HitRate:     hitRate,
		Entries:     entries,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		L2Connected: c.l2 != nil,
		Health:      health,
	}
}

func l2Key(key string) string {
	return "tool-cache:" + key
}

func defaultNonCacheable() map[string]bool {
	return map[string]bool{}
}
