package mcpscout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState tracks the lifecycle of a transport's underlying channel.
type ConnState int

// Transport connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport carries JSON-RPC envelopes to and from a single endpoint. The
// three implementations (stdio subprocess, HTTP, WebSocket) differ only in
// the physical read/write primitive; retry, correlation, and timeout
// behavior are shared.
type Transport interface {
	// Connect establishes the underlying channel. It is idempotent when the
	// transport is already connected.
	Connect(ctx context.Context) error

	// Send transmits a single message without awaiting a response. Used for
	// notifications and inbound-request replies.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// SendRequest writes a request and awaits the correlated response,
	// bounded by the per-call timeout. Transport-level failures are retried
	// with exponential backoff; when retries exhaust, the returned message
	// is a protocol-shaped error response rather than an error value, so
	// callers always receive a response object. The error return is reserved
	// for context cancellation and a closed transport.
	SendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error)

	// HealthCheck probes liveness with a single ping, outside the retry
	// machinery. Used before a pooled session is marked usable again.
	HealthCheck(ctx context.Context) error

	// State reports the current connection state.
	State() ConnState

	// Close terminates the channel and releases resources. The transport
	// cannot be reused afterward.
	Close(ctx context.Context) error
}

// transportConn is the physical channel primitive each variant provides.
// open/read/write/close are called by the shared machinery only; read blocks
// until a payload arrives, the context is canceled, or the channel fails.
type transportConn interface {
	open(ctx context.Context) error
	write(ctx context.Context, payload []byte) error
	read(ctx context.Context) ([]byte, error)
	close() error
}

// TransportOption configures the shared transport machinery.
type TransportOption func(*transport)

// WithMaxRetries sets how many times a failed request is retried before the
// transport gives up and synthesizes an error response.
func WithMaxRetries(n int) TransportOption {
	return func(t *transport) {
		t.maxRetries = n
	}
}

// WithBackoffCap caps the exponential backoff delay between retries.
func WithBackoffCap(d time.Duration) TransportOption {
	return func(t *transport) {
		t.backoffCap = d
	}
}

// WithBackoffBase sets the unit the exponential backoff is multiplied from.
// The default is one second; tests shrink it.
func WithBackoffBase(d time.Duration) TransportOption {
	return func(t *transport) {
		t.backoffBase = d
	}
}

// WithRequestTimeout bounds how long a single SendRequest attempt waits for
// its correlated response.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *transport) {
		t.requestTimeout = d
	}
}

// WithTransportLogger sets the logger used by the transport machinery.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *transport) {
		t.logger = logger
	}
}

var (
	defaultMaxRetries     = 3
	defaultBackoffBase    = time.Second
	defaultBackoffCap     = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

var errTransportClosed = errors.New("transport closed")

// transport is the shared half of every Transport implementation: state
// machine, request/response correlation over a background receive pump, and
// retry with exponential backoff.
type transport struct {
	pc     transportConn
	kind   TransportKind
	logger *slog.Logger

	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	state   ConnState
	writeMu sync.Mutex

	// pumpCancel/pumpDone track the single live receive pump. Exactly one
	// pump may read the physical channel at a time; reconnect stops the old
	// one before starting a successor.
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	// connMu serializes connect/reconnect cycles so concurrent retries
	// cannot each start a pump.
	connMu sync.Mutex

	waiters    chan waiterReq
	results    chan JSONRPCMessage
	unregister chan string

	done      chan struct{}
	closeOnce sync.Once
}

type waiterReq struct {
	msgID   string
	resChan chan chan JSONRPCMessage
}

func newTransport(kind TransportKind, pc transportConn, options ...TransportOption) *transport {
	t := &transport{
		pc:             pc,
		kind:           kind,
		logger:         slog.Default(),
		state:          StateDisconnected,
		maxRetries:     defaultMaxRetries,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
		requestTimeout: defaultRequestTimeout,
		waiters:        make(chan waiterReq),
		results:        make(chan JSONRPCMessage),
		unregister:     make(chan string),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	go t.correlate()

	return t
}

// correlate routes responses from the receive pump to the request that is
// waiting on them. It owns the waiter map exclusively; registration,
// delivery, and cleanup all pass through its channels.
func (t *transport) correlate() {
	waiters := make(map[string]chan JSONRPCMessage)

	for {
		select {
		case <-t.done:
			return
		case req := <-t.waiters:
			resChan := make(chan JSONRPCMessage, 1)
			waiters[req.msgID] = resChan
			req.resChan <- resChan
		case msg := <-t.results:
			resChan, ok := waiters[string(msg.ID)]
			if !ok {
				continue
			}
			resChan <- msg
			delete(waiters, string(msg.ID))
		case msgID := <-t.unregister:
			delete(waiters, msgID)
		}
	}
}

func (t *transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateClosed:
		t.mu.Unlock()
		return errTransportClosed
	default:
		t.state = StateConnecting
	}
	t.mu.Unlock()

	// A pump from an earlier connection may still be draining; stop it
	// before the channel is reopened.
	t.stopPump()

	if err := t.pc.open(ctx); err != nil {
		t.setState(StateDisconnected)
		return newError(CategoryConnection, SeverityMedium,
			fmt.Sprintf("failed to connect %s transport", t.kind), err)
	}

	t.setState(StateConnected)
	t.startPump()

	return nil
}

// startPump launches the receive pump for the current connection and records
// its cancel handle so a later reconnect or Close can stop it.
func (t *transport) startPump() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	if t.state != StateConnected {
		// Closed while (re)connecting; nothing to pump.
		t.mu.Unlock()
		cancel()
		return
	}
	t.pumpCancel = cancel
	t.pumpDone = done
	t.mu.Unlock()

	go t.pump(ctx, done)
}

// stopPump cancels the live pump, if any, and waits for it to exit so no two
// pumps ever read the physical channel concurrently.
func (t *transport) stopPump() {
	t.mu.Lock()
	cancel := t.pumpCancel
	done := t.pumpDone
	t.pumpCancel = nil
	t.pumpDone = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pump reads payloads off the physical channel until it fails or the
// transport closes, feeding responses to the correlator and answering
// inbound requests.
func (t *transport) pump(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		payload, err := t.pc.read(ctx)
		if err != nil {
			// A cancelled context means this pump was stopped on purpose;
			// leave the connection state to its successor.
			if ctx.Err() != nil {
				return
			}
			select {
			case <-t.done:
			default:
				if t.State() == StateConnected {
					t.logger.Warn("transport read failed",
						slog.String("kind", string(t.kind)), slog.String("err", err.Error()))
					t.setState(StateDisconnected)
				}
			}
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.logger.Error("failed to unmarshal message", "err", err)
			continue
		}
		if msg.JSONRPC != JSONRPCVersion {
			t.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		if msg.Method == "" {
			// A response; hand it to the correlator.
			select {
			case <-t.done:
				return
			case t.results <- msg:
			}
			continue
		}

		t.handleInbound(ctx, msg)
	}
}

// handleInbound answers server-initiated traffic. The engine is a pure
// client, so the only requests it honors are pings; anything else from the
// closed catalog or beyond gets a method-not-found response. Notifications
// are logged and dropped.
func (t *transport) handleInbound(ctx context.Context, msg JSONRPCMessage) {
	if msg.ID == "" {
		t.logger.Debug("ignoring notification", "method", msg.Method)
		return
	}

	switch msg.Method {
	case MethodPing:
		res := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage("{}"),
		}
		if err := t.Send(ctx, res); err != nil {
			t.logger.Error("failed to answer ping", "err", err)
		}
	default:
		if err := t.Send(ctx, MethodNotFoundResponse(msg.ID, msg.Method)); err != nil {
			t.logger.Error("failed to send method-not-found response", "err", err)
		}
	}
}

func (t *transport) Send(ctx context.Context, msg JSONRPCMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Serialize writes; the physical primitives are not safe for
	// concurrent use.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.pc.write(ctx, payload); err != nil {
		return newError(CategoryTransport, SeverityMedium, "failed to write message", err)
	}
	return nil
}

func (t *transport) SendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, t.backoff(attempt-1)); err != nil {
				return JSONRPCMessage{}, err
			}
			if err := t.reconnect(ctx); err != nil {
				lastErr = err
				continue
			}
		} else if err := t.Connect(ctx); err != nil {
			lastErr = err
			continue
		}

		res, err := t.attempt(ctx, msg)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, errTransportClosed) {
			return JSONRPCMessage{}, err
		}
		lastErr = err
		t.logger.Warn("request attempt failed",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("err", err.Error()))
	}

	// Retries exhausted: synthesize a protocol-shaped error response so the
	// caller still receives a response object.
	errMsg := "request failed after retries"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeNetworkError,
			Message: errMsg,
		},
	}, nil
}

// attempt performs one write-and-await cycle for a request.
func (t *transport) attempt(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := string(msg.ID)

	resChannels := make(chan chan JSONRPCMessage, 1)
	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-t.done:
		return JSONRPCMessage{}, errTransportClosed
	case t.waiters <- waiterReq{msgID: msgID, resChan: resChannels}:
	}
	results := <-resChannels

	defer func() {
		select {
		case t.unregister <- msgID:
		case <-t.done:
		}
	}()

	if err := t.Send(ctx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return JSONRPCMessage{}, newError(CategoryTimeout, SeverityMedium,
			fmt.Sprintf("no response within %s", t.requestTimeout), nil)
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-t.done:
		return JSONRPCMessage{}, errTransportClosed
	case res := <-results:
		return res, nil
	}
}

func (t *transport) HealthCheck(ctx context.Context) error {
	if t.State() != StateConnected {
		return newError(CategoryConnection, SeverityLow, "transport not connected", nil)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  MethodPing,
	}

	res, err := t.attempt(ctx, msg)
	if err != nil {
		return newError(CategoryConnection, SeverityLow, "health check failed", err)
	}
	if res.Error != nil {
		return newError(CategoryConnection, SeverityLow, "health check rejected", res.Error)
	}
	return nil
}

func (t *transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.setState(StateClosed)
		close(t.done)
		t.stopPump()
		err = t.pc.close()
	})
	return err
}

func (t *transport) setState(s ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return
	}
	t.state = s
}

// reconnect tears down the physical channel and reopens it, restarting the
// receive pump on success.
func (t *transport) reconnect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.state = StateReconnecting
	t.mu.Unlock()

	t.stopPump()

	if err := t.pc.close(); err != nil {
		t.logger.Debug("close before reconnect failed", "err", err)
	}

	if err := t.pc.open(ctx); err != nil {
		t.setState(StateDisconnected)
		return newError(CategoryConnection, SeverityMedium,
			fmt.Sprintf("failed to reconnect %s transport", t.kind), err)
	}

	t.setState(StateConnected)
	t.startPump()

	return nil
}

// backoff returns min(base*2^attempt, cap).
func (t *transport) backoff(attempt int) time.Duration {
	d := t.backoffBase << uint(attempt)
	if d > t.backoffCap || d <= 0 {
		d = t.backoffCap
	}
	return d
}

func (t *transport) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTransportClosed
	case <-timer.C:
		return nil
	}
}
