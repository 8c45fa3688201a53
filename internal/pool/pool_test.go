package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"metamcp/internal/config"
	"metamcp/internal/repository"
	"metamcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

type fakeClient struct {
	mu     sync.Mutex
	closed bool
	crash  upstream.CrashFunc
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) ListTools(context.Context) ([]mcp.Tool, error) {
	return nil, nil
}
func (f *fakeClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeClient) OnCrash(fn upstream.CrashFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crash = fn
}
func (f *fakeClient) triggerCrash(err error) {
	f.mu.Lock()
	cb := f.crash
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func testServer(name string) repository.McpServer {
	return repository.McpServer{ServerUUID: name, Name: name, Kind: repository.KindStdio, Command: "true"}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *repository.Fake, map[string]*fakeClient) {
	repo := repository.NewFake()
	clients := make(map[string]*fakeClient)
	var mu sync.Mutex

	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		c := &fakeClient{}
		mu.Lock()
		clients[server.ServerUUID] = c
		mu.Unlock()
		return c, nil
	}

	tracker := upstream.NewErrorTracker(repo, 0)
	p := New(cfg, upstream.Options{}, tracker, factory)
	return p, repo, clients
}

func TestGetConnectionReusesExistingEntry(t *testing.T) {
	p, _, clients := newTestPool(t, config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10})
	server := testServer("srv-a")

	c1, err := p.GetConnection(context.Background(), "key-1", server, "key-uuid", "")
	require.NoError(t, err)
	c2, err := p.GetConnection(context.Background(), "key-1", server, "key-uuid", "")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Len(t, clients, 1)
}

func TestGetConnectionEnforcesPerKeyLimit(t *testing.T) {
	p, _, _ := newTestPool(t, config.PoolConfig{MaxConnectionsPerAPIKey: 1, MaxGlobalConnections: 10})

	_, err := p.GetConnection(context.Background(), "key-1", testServer("srv-a"), "", "")
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "key-1", testServer("srv-b"), "", "")
	require.Error(t, err)
	var limitErr *ResourceLimitError
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "per-key", limitErr.Scope)
}

func TestGetConnectionEnforcesGlobalLimit(t *testing.T) {
	p, _, _ := newTestPool(t, config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 1})

	_, err := p.GetConnection(context.Background(), "key-1", testServer("srv-a"), "", "")
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "key-2", testServer("srv-b"), "", "")
	require.Error(t, err)
	var limitErr *ResourceLimitError
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "global", limitErr.Scope)
}

func TestCrashMarksServerErrorAndDropsConnection(t *testing.T) {
	p, repo, clients := newTestPool(t, config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10})
	server := testServer("srv-a")
	repo.AddServer("ns", server, repository.MappingActive)

	_, err := p.GetConnection(context.Background(), "key-1", server, "", "")
	require.NoError(t, err)

	clients["srv-a"].triggerCrash(assert.AnError)

	status, err := repo.FindByID(context.Background(), "srv-a")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusError, status.ErrorStatus)

	assert.Eventually(t, func() bool {
		clients["srv-a"].mu.Lock()
		defer clients["srv-a"].mu.Unlock()
		return clients["srv-a"].closed
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, p.Stats().TotalConnections)
}

func TestCleanupApiKeyClosesAllConnections(t *testing.T) {
	p, _, clients := newTestPool(t, config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10})

	_, err := p.GetConnection(context.Background(), "key-1", testServer("srv-a"), "", "")
	require.NoError(t, err)
	_, err = p.GetConnection(context.Background(), "key-1", testServer("srv-b"), "", "")
	require.NoError(t, err)

	p.CleanupApiKey("key-1")

	for _, c := range clients {
		c.mu.Lock()
		assert.True(t, c.closed)
		c.mu.Unlock()
	}
	assert.Equal(t, 0, p.Stats().TotalConnections)
}

func withFastSpawnBackoff(t *testing.T) {
	t.Helper()
	orig := spawnBackoff
	spawnBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1.5, Steps: 3, Cap: 20 * time.Millisecond}
	t.Cleanup(func() { spawnBackoff = orig })
}

func TestGetConnectionRetriesTransientFailureThenSucceeds(t *testing.T) {
	withFastSpawnBackoff(t)

	repo := repository.NewFake()
	tracker := upstream.NewErrorTracker(repo, time.Hour)

	var attempts int
	var mu sync.Mutex
	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return nil, assert.AnError
		}
		return &fakeClient{}, nil
	}

	p := New(config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10}, upstream.Options{}, tracker, factory)

	client, err := p.GetConnection(context.Background(), "key-1", testServer("srv-a"), "", "")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, 2, attempts)
	assert.False(t, tracker.InCooldown(upstream.IdentityHash("true", nil, nil)))
}

func TestGetConnectionRecordsCooldownAfterExhaustingRetries(t *testing.T) {
	withFastSpawnBackoff(t)

	repo := repository.NewFake()
	tracker := upstream.NewErrorTracker(repo, time.Hour)

	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		return nil, assert.AnError
	}

	p := New(config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10}, upstream.Options{}, tracker, factory)
	server := testServer("srv-a")

	_, err := p.GetConnection(context.Background(), "key-1", server, "", "")
	require.Error(t, err)

	identity := upstream.IdentityHash(server.Command, server.Args, server.Env)
	assert.True(t, tracker.InCooldown(identity))
}

func TestGetConnectionFailsFastWhenCooldownActive(t *testing.T) {
	repo := repository.NewFake()
	tracker := upstream.NewErrorTracker(repo, time.Hour)
	server := testServer("srv-a")
	tracker.RecordLaunchFailure(upstream.IdentityHash(server.Command, server.Args, server.Env))

	var calls int
	factory := func(ctx context.Context, server repository.McpServer, opts upstream.Options) (upstream.Client, error) {
		calls++
		return &fakeClient{}, nil
	}

	p := New(config.PoolConfig{MaxConnectionsPerAPIKey: 10, MaxGlobalConnections: 10}, upstream.Options{}, tracker, factory)

	_, err := p.GetConnection(context.Background(), "key-1", server, "", "")
	require.Error(t, err)
	var cooldownErr *CooldownActiveError
	assert.ErrorAs(t, err, &cooldownErr)
	assert.Equal(t, 0, calls)
}

func TestPerformTimeBasedCleanupEvictsIdleBuckets(t *testing.T) {
	p, _, clients := newTestPool(t, config.PoolConfig{
		MaxConnectionsPerAPIKey: 10,
		MaxGlobalConnections:    10,
		MaxIdleTime:             config.Duration(10 * time.Millisecond),
	})

	_, err := p.GetConnection(context.Background(), "key-1", testServer("srv-a"), "", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	p.performTimeBasedCleanup()

	clients["srv-a"].mu.Lock()
	assert.True(t, clients["srv-a"].closed)
	clients["srv-a"].mu.Unlock()
}
