package upstream

import (
	"context"
	"testing"
	"time"

	"metamcp/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(repo *repository.Fake, name string) repository.McpServer {
	s := repository.McpServer{
		ServerUUID: name + "-uuid",
		Name:       name,
		Kind:       repository.KindStdio,
		Command:    "true",
	}
	repo.AddServer("ns-test", s, repository.MappingActive)
	return s
}

func TestErrorTrackerMarkAndReset(t *testing.T) {
	repo := repository.NewFake()
	server := newTestServer(repo, "file-ops")
	tracker := NewErrorTracker(repo, 0)

	inError, err := tracker.IsServerInErrorState(context.Background(), server.ServerUUID)
	require.NoError(t, err)
	assert.False(t, inError)

	require.NoError(t, tracker.MarkError(context.Background(), server.ServerUUID))

	inError, err = tracker.IsServerInErrorState(context.Background(), server.ServerUUID)
	require.NoError(t, err)
	assert.True(t, inError)

	require.NoError(t, tracker.Reset(context.Background(), server.ServerUUID))

	inError, err = tracker.IsServerInErrorState(context.Background(), server.ServerUUID)
	require.NoError(t, err)
	assert.False(t, inError)
}

func TestErrorTrackerCooldownExpires(t *testing.T) {
	repo := repository.NewFake()
	tracker := NewErrorTracker(repo, 50*time.Millisecond)

	identity := IdentityHash("bad-cmd", []string{"--flag"}, map[string]string{"A": "1"})
	assert.False(t, tracker.InCooldown(identity))

	tracker.RecordLaunchFailure(identity)
	assert.True(t, tracker.InCooldown(identity))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, tracker.InCooldown(identity))
}

func TestIdentityHashStable(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1"}
	h1 := IdentityHash("cmd", []string{"x", "y"}, env)
	h2 := IdentityHash("cmd", []string{"x", "y"}, map[string]string{"A": "1", "B": "2"})
	assert.Equal(t, h1, h2, "key order in env must not affect the hash")

	h3 := IdentityHash("cmd", []string{"x", "z"}, env)
	assert.NotEqual(t, h1, h3)
}
