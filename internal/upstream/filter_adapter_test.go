package upstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAdapterClassifiesStdout(t *testing.T) {
	var mu sync.Mutex
	var messages [][]byte
	var logs []string
	exited := make(chan struct{})

	adapter := &FilterAdapter{
		Command: "sh",
		Args: []string{"-c", `
			echo 'INFO starting up'
			echo '{"jsonrpc":"2.0","id":1,"method":"ping"}'
			echo 'plain line'
		`},
		OnMessage: func(line []byte) {
			mu.Lock()
			defer mu.Unlock()
			messages = append(messages, append([]byte(nil), line...))
		},
		OnLog: func(level LogLevel, line string) {
			mu.Lock()
			defer mu.Unlock()
			logs = append(logs, string(level)+": "+line)
		},
		OnClose: func(exitCode int, err error) {
			close(exited)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, adapter.Start(ctx))
	// Let the script finish on its own; Shutdown's SIGTERM would otherwise
	// race the echo commands.
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, adapter.Shutdown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 1)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(messages[0]))
	assert.NotEmpty(t, logs)
}

func TestFilterAdapterShutdownGraceful(t *testing.T) {
	closed := make(chan struct{})
	adapter := &FilterAdapter{
		Command: "sleep",
		Args:    []string{"30"},
		OnClose: func(exitCode int, err error) {
			close(closed)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, adapter.Start(ctx))
	require.NoError(t, adapter.Shutdown(200*time.Millisecond))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("process was not reported closed after Shutdown")
	}
}
