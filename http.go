package mcpscout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const (
	// RPCPath is the fixed path HTTP endpoints accept JSON-RPC POSTs on.
	RPCPath = "/mcp"
	// StreamPath is the optional server-sent-events path HTTP endpoints may
	// expose for server-initiated messages.
	StreamPath = "/stream"
)

// HTTPTransportOption configures the HTTP transport beyond the shared
// transport options.
type HTTPTransportOption func(*httpConn)

// WithHTTPClient sets a custom HTTP client; the default client is used
// otherwise.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(c *httpConn) {
		c.client = client
	}
}

// WithoutStream disables the optional SSE stream connection, leaving only
// the POST request/response channel.
func WithoutStream() HTTPTransportOption {
	return func(c *httpConn) {
		c.noStream = true
	}
}

// NewHTTPTransport returns a Transport that POSTs JSON-RPC to baseURL+"/mcp"
// and, when the server offers it, reads server-initiated messages from an
// SSE stream at baseURL+"/stream". A missing stream endpoint is not an
// error; many servers only speak request/response.
func NewHTTPTransport(baseURL string, httpOptions []HTTPTransportOption, options ...TransportOption) Transport {
	c := &httpConn{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		logger:  slog.Default(),
		inbox:   make(chan []byte, 16),
	}
	for _, opt := range httpOptions {
		opt(c)
	}
	return newTransport(TransportHTTP, c, options...)
}

// httpConn carries JSON-RPC over HTTP. Writes are POSTs whose response
// bodies are fed into the inbox the read side drains, so the shared
// correlator sees HTTP exactly like a full-duplex channel. An optional SSE
// stream feeds the same inbox.
type httpConn struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	noStream bool

	inbox chan []byte

	mu         sync.Mutex
	streamStop context.CancelFunc
}

func (c *httpConn) rpcURL() string {
	if strings.HasSuffix(c.baseURL, RPCPath) {
		return c.baseURL
	}
	return c.baseURL + RPCPath
}

func (c *httpConn) streamURL() string {
	return strings.TrimSuffix(c.baseURL, RPCPath) + StreamPath
}

func (c *httpConn) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streamStop != nil {
		c.streamStop()
		c.streamStop = nil
	}
	if c.noStream {
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := c.client.Do(req.WithContext(streamCtx))
	if err != nil || resp.StatusCode != http.StatusOK {
		// The stream is optional; fall back to plain request/response.
		cancel()
		if err == nil {
			resp.Body.Close()
		}
		c.logger.Debug("no SSE stream available", slog.String("url", c.streamURL()))
		return ctx.Err()
	}

	c.streamStop = cancel
	go c.listenStream(resp.Body)

	return ctx.Err()
}

// listenStream feeds SSE "message" events into the inbox until the stream
// ends or the connection is torn down.
func (c *httpConn) listenStream(body io.ReadCloser) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug("SSE stream ended", "err", err)
			}
			return
		}
		if ev.Type != "message" && ev.Type != "" {
			c.logger.Debug("unhandled SSE event type", "type", ev.Type)
			continue
		}
		select {
		case c.inbox <- []byte(ev.Data):
		default:
			c.logger.Warn("dropping stream message, inbox full")
		}
	}
}

func (c *httpConn) write(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		// Notifications are answered with an empty body.
		return nil
	}

	select {
	case c.inbox <- body:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *httpConn) read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-c.inbox:
		return payload, nil
	}
}

func (c *httpConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamStop != nil {
		c.streamStop()
		c.streamStop = nil
	}
	return nil
}
