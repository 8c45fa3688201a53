package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// pipedTransport implements mcp-go's transport.Interface on top of a
// FilterAdapter: every line the adapter classifies as a JSON-RPC frame is
// routed here as a response or a notification, and every outbound
// request/notification is written back through FilterAdapter.Send.
// Contaminated stdout never reaches mcp-go directly, only the frames the
// filter already accepted.
type pipedTransport struct {
	adapter *FilterAdapter

	mu      sync.Mutex
	pending map[string]chan json.RawMessage

	notifyMu sync.Mutex
	notify   func(mcp.JSONRPCNotification)

	closeOnce sync.Once
	closed    chan struct{}
}

// newPipedTransport wires adapter's OnMessage callback to this transport's
// response/notification dispatch. adapter.OnLog must already be set by the
// caller; newPipedTransport does not touch it.
func newPipedTransport(adapter *FilterAdapter) *pipedTransport {
	t := &pipedTransport{
		adapter: adapter,
		pending: make(map[string]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
	adapter.OnMessage = t.handleLine
	return t
}

func (t *pipedTransport) Start(ctx context.Context) error {
	return t.adapter.Start(ctx)
}

func (t *pipedTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.adapter.Shutdown(ShutdownGrace)
	})
	return err
}

// GetSessionId is a no-op for stdio: unlike the HTTP-based transports, a
// stdio child process has no session identifier of its own.
func (t *pipedTransport) GetSessionId() string { return "" }

func (t *pipedTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	t.notifyMu.Lock()
	t.notify = handler
	t.notifyMu.Unlock()
}

// SendRequest marshals request, writes it through the filtered stdin, and
// blocks until a response frame with a matching id arrives, ctx is done, or
// the transport is closed.
func (t *pipedTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	idKey, err := json.Marshal(request.ID)
	if err != nil {
		return nil, fmt.Errorf("piped transport: marshaling request id: %w", err)
	}

	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.pending[string(idKey)] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, string(idKey))
		t.mu.Unlock()
	}()

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("piped transport: marshaling request: %w", err)
	}
	if err := t.adapter.Send(payload); err != nil {
		return nil, fmt.Errorf("piped transport: sending request: %w", err)
	}

	select {
	case raw := <-ch:
		var resp transport.JSONRPCResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("piped transport: decoding response: %w", err)
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("piped transport: closed while awaiting response")
	}
}

func (t *pipedTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("piped transport: marshaling notification: %w", err)
	}
	return t.adapter.Send(payload)
}

// handleLine is FilterAdapter's OnMessage callback. A frame with a "method"
// and no "id" is an unsolicited notification; a frame with an "id" matching
// a pending SendRequest is its response. Anything else (a reply for a
// request we're no longer waiting on, e.g. after a timeout) is dropped.
func (t *pipedTransport) handleLine(line []byte) {
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return
	}

	if len(envelope.ID) == 0 {
		if envelope.Method == "" {
			return
		}
		var notif mcp.JSONRPCNotification
		if err := json.Unmarshal(line, &notif); err != nil {
			return
		}
		t.notifyMu.Lock()
		handler := t.notify
		t.notifyMu.Unlock()
		if handler != nil {
			handler(notif)
		}
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[string(envelope.ID)]
	t.mu.Unlock()
	if ok {
		ch <- append(json.RawMessage(nil), line...)
	}
}
