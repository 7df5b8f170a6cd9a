package mcpscout

import (
	"context"
	"log/slog"
	"sync"
)

// defaultMaxSessions bounds concurrently-open sessions per pool.
var defaultMaxSessions = 10

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxSessions sets the maximum number of concurrently-open sessions.
func WithMaxSessions(n int) PoolOption {
	return func(p *Pool) {
		p.maxSessions = n
	}
}

// WithPoolLogger sets the logger used by the pool.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithPoolTransportOptions sets the transport options applied to every
// session the pool creates.
func WithPoolTransportOptions(options ...TransportOption) PoolOption {
	return func(p *Pool) {
		p.transportOptions = options
	}
}

// Pool bounds and reuses live sessions. It is the sole owner of session
// state: callers acquire a session, use it, and release it back; nothing
// outside the pool mutates a session.
type Pool struct {
	maxSessions      int
	logger           *slog.Logger
	transportOptions []TransportOption

	// gate is a counting semaphore; one slot is held for the lifetime of
	// each live session.
	gate chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]chan struct{}
	closed   bool
}

// NewPool creates a session pool.
func NewPool(options ...PoolOption) *Pool {
	p := &Pool{
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
		creating: make(map[string]chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.maxSessions == 0 {
		p.maxSessions = defaultMaxSessions
	}
	p.gate = make(chan struct{}, p.maxSessions)
	return p
}

// Acquire returns a live session for the endpoint, reusing an existing
// healthy one or creating and connecting a new one under the pool gate.
// Creation for any one server ID is sequential; concurrent acquirers of the
// same endpoint share the created session.
func (p *Pool) Acquire(ctx context.Context, endpoint Endpoint) (*Session, error) {
	id := endpoint.ServerID()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, newError(CategoryConnection, SeverityHigh, "pool is closed", nil)
		}

		if sess, ok := p.sessions[id]; ok {
			p.mu.Unlock()
			if sess.Healthy(ctx) {
				return sess, nil
			}
			// Stale session; evict and recreate.
			p.evict(id, sess)
			continue
		}

		if pending, ok := p.creating[id]; ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-pending:
			}
			continue
		}

		pending := make(chan struct{})
		p.creating[id] = pending
		p.mu.Unlock()

		sess, err := p.create(ctx, endpoint, id)

		p.mu.Lock()
		delete(p.creating, id)
		close(pending)
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func (p *Pool) create(ctx context.Context, endpoint Endpoint, id string) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.gate <- struct{}{}:
	}

	transport, err := transportFor(endpoint, p.transportOptions...)
	if err != nil {
		<-p.gate
		return nil, err
	}

	sess := NewSession(endpoint, transport, p.logger)
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close(context.Background())
		<-p.gate
		return nil, newError(CategoryConnection, SeverityMedium,
			"failed to connect session for "+id, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close(context.Background())
		<-p.gate
		return nil, newError(CategoryConnection, SeverityHigh, "pool is closed", nil)
	}
	p.sessions[id] = sess
	p.mu.Unlock()

	p.logger.Debug("created session", slog.String("serverID", id))
	return sess, nil
}

// Release returns a session to the pool for reuse. Sessions whose transport
// is no longer connected are evicted instead.
func (p *Pool) Release(sess *Session) {
	if sess == nil {
		return
	}
	if sess.State() != StateConnected {
		p.evict(sess.Endpoint().ServerID(), sess)
	}
}

// evict removes the session from the table, closes it, and frees its gate
// slot. Safe to call for sessions already evicted by a racing caller.
func (p *Pool) evict(id string, sess *Session) {
	p.mu.Lock()
	current, ok := p.sessions[id]
	if !ok || current != sess {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, id)
	p.mu.Unlock()

	if err := sess.Close(context.Background()); err != nil {
		p.logger.Debug("failed to close evicted session", "serverID", id, "err", err)
	}
	<-p.gate
}

// Size reports how many live sessions the pool currently holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// CloseAll terminates every session. In-flight calls get until the context
// deadline to finish; each session is then closed regardless. The pool
// rejects further acquisitions afterward.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, sess := range sessions {
		wg.Add(1)
		go func(id string, sess *Session) {
			defer wg.Done()
			if err := sess.Close(ctx); err != nil {
				p.logger.Debug("failed to close session", "serverID", id, "err", err)
			}
			<-p.gate
		}(id, sess)
	}
	wg.Wait()
}
