package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"metamcp/internal/repository"
)

// DefaultCooldown is the default suppression window applied to a stdio
// identity after a failed launch.
const DefaultCooldown = 10 * time.Second

// ErrorTracker persists per-server error state via the repository and tracks
// short-term launch cooldowns keyed by stdio identity.
type ErrorTracker struct {
	servers  repository.Servers
	cooldown time.Duration

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewErrorTracker returns a tracker backed by servers, applying cooldown as
// the launch-failure suppression window (DefaultCooldown if zero).
func NewErrorTracker(servers repository.Servers, cooldown time.Duration) *ErrorTracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &ErrorTracker{
		servers:   servers,
		cooldown:  cooldown,
		cooldowns: make(map[string]time.Time),
	}
}

// MarkError flags serverUUID as being in ERROR state, typically called from
// a pool's crash callback.
func (t *ErrorTracker) MarkError(ctx context.Context, serverUUID string) error {
	return t.servers.SetErrorStatus(ctx, serverUUID, repository.StatusError)
}

// Reset clears a server's ERROR state.
func (t *ErrorTracker) Reset(ctx context.Context, serverUUID string) error {
	return t.servers.SetErrorStatus(ctx, serverUUID, repository.StatusNone)
}

// IsServerInErrorState reports whether serverUUID currently carries ERROR
// status.
func (t *ErrorTracker) IsServerInErrorState(ctx context.Context, serverUUID string) (bool, error) {
	server, err := t.servers.FindByID(ctx, serverUUID)
	if err != nil {
		return false, err
	}
	return server.ErrorStatus == repository.StatusError, nil
}

// RecordLaunchFailure starts a cooldown window for the given stdio identity.
func (t *ErrorTracker) RecordLaunchFailure(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cooldowns[identity] = time.Now().Add(t.cooldown)
}

// InCooldown reports whether identity is still within its launch-failure
// cooldown window, lazily expiring it if the window has passed.
func (t *ErrorTracker) InCooldown(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.cooldowns[identity]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.cooldowns, identity)
		return false
	}
	return true
}

// IdentityHash deterministically hashes (command, args, env) so that repeat
// launch attempts of the same upstream identity share a cooldown bucket.
func IdentityHash(command string, args []string, env map[string]string) string {
	h := sha256.New()
	h.Write([]byte(command))

	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(env[k]))
	}

	return hex.EncodeToString(h.Sum(nil))
}
