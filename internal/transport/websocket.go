package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/clustercore/sumagent/internal/update"
)

// WebSocketTransport sends updates to the master over one persistent
// WebSocket connection per endpoint, guarded by a mutex the way the
// reference's per-stream wrappers serialise concurrent writers onto a
// single connection.
type WebSocketTransport struct {
	dialer *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport creates a transport with no connections open yet.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: websocket.DefaultDialer,
		conns:  make(map[string]*wsConn),
	}
}

func (t *WebSocketTransport) connFor(ctx context.Context, endpoint string) (*wsConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[endpoint]; ok {
		return c, nil
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %w", endpoint, err)
	}
	c := &wsConn{conn: conn}
	t.conns[endpoint] = c
	return c, nil
}

// Send delivers u to endpoint as a single JSON text frame.
func (t *WebSocketTransport) Send(ctx context.Context, endpoint string, u update.StatusUpdate) error {
	c, err := t.connFor(ctx, endpoint)
	if err != nil {
		return err
	}

	body, err := json.Marshal(wireUpdate{
		FrameworkID: u.FrameworkID,
		TaskID:      u.TaskID,
		UUID:        u.UUID.String(),
		Payload:     u.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal update %s: %w", u.UUID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		// A write failure likely means the connection is dead; drop it so
		// the next Send redials rather than retrying a broken socket.
		t.mu.Lock()
		delete(t.conns, endpoint)
		t.mu.Unlock()
		return fmt.Errorf("send update %s to %s: %w", u.UUID, endpoint, err)
	}
	return nil
}

// Close tears down every open connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for endpoint, c := range t.conns {
		c.mu.Lock()
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection to %s: %w", endpoint, err)
		}
		c.mu.Unlock()
	}
	t.conns = make(map[string]*wsConn)
	return firstErr
}
