package mcpscout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// NewWebSocketTransport returns a Transport speaking JSON-RPC over a
// full-duplex WebSocket connection to a ws:// or wss:// URL.
func NewWebSocketTransport(url string, options ...TransportOption) Transport {
	return newTransport(TransportWebSocket, &wsConn{url: url}, options...)
}

type wsConn struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.conn = conn
	return nil
}

func (c *wsConn) write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("websocket not open")
	}

	type readResult struct {
		payload []byte
		err     error
	}

	// ReadMessage blocks without honoring a context, so race it against
	// cancellation and force it to return by closing the socket.
	results := make(chan readResult, 1)
	go func() {
		_, payload, err := conn.ReadMessage()
		results <- readResult{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	case res := <-results:
		return res.payload, res.err
	}
}

func (c *wsConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	// Attempt a clean close handshake before dropping the socket.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
