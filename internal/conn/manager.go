// ABOUTME: Connection manager: one realtime connection per (agent, user) pair.
// ABOUTME: Refcounted handout with a grace period before an idle connection closes.

package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Get after the manager has been shut down.
var ErrClosed = errors.New("connection manager closed")

// Conn is the surface the manager tracks. *socket.Client satisfies it.
type Conn interface {
	Connected() bool
	Closed() bool
	Close()
}

// Factory opens a new connection for the pair. Called under no lock.
type Factory[C Conn] func(ctx context.Context, agentID, userID string) (C, error)

type key struct {
	agentID string
	userID  string
}

type entry[C Conn] struct {
	conn  C
	refs  int
	timer *time.Timer // pending grace close, nil while referenced
}

// Manager hands out at most one live connection per (agentID, userID) pair.
// Every Get returns a release closure bound to the handed-out connection;
// the last release starts a grace timer so a quickly returning caller
// reuses the connection instead of paying a fresh dial. A release for a
// connection the manager has already discarded is a no-op, so a stale
// holder can never sever a replacement it was never handed.
type Manager[C Conn] struct {
	factory Factory[C]
	grace   time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[key]*entry[C]
	closed bool
}

// NewManager creates a manager. grace is how long an unreferenced
// connection lingers before closing; zero closes immediately.
func NewManager[C Conn](factory Factory[C], grace time.Duration, logger *slog.Logger) *Manager[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[C]{
		factory: factory,
		grace:   grace,
		logger:  logger.With("component", "conn-manager"),
		conns:   make(map[key]*entry[C]),
	}
}

// Get returns the live connection for the pair, dialing one if none exists
// or the existing one has died. The returned release closure gives back
// exactly this handout: calling it more than once, or after the manager
// replaced the connection, does nothing.
func (m *Manager[C]) Get(ctx context.Context, agentID, userID string) (C, func(), error) {
	var zero C
	k := key{agentID: agentID, userID: userID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return zero, nil, ErrClosed
	}

	if e, ok := m.conns[k]; ok {
		if e.conn.Connected() && !e.conn.Closed() {
			e.refs++
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			m.mu.Unlock()
			return e.conn, m.releaseFunc(k, e), nil
		}
		// Dead connection: discard and dial fresh below. Releases held
		// against this entry become no-ops once it leaves the map.
		delete(m.conns, k)
		if e.timer != nil {
			e.timer.Stop()
		}
		m.mu.Unlock()
		e.conn.Close()
		m.logger.Info("replacing dead connection", "agent_id", agentID, "user_id", userID)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return zero, nil, ErrClosed
		}
		// Another caller may have raced a new connection in
		if e, ok := m.conns[k]; ok && e.conn.Connected() && !e.conn.Closed() {
			e.refs++
			m.mu.Unlock()
			return e.conn, m.releaseFunc(k, e), nil
		}
	}
	m.mu.Unlock()

	conn, err := m.factory(ctx, agentID, userID)
	if err != nil {
		return zero, nil, fmt.Errorf("opening connection for agent %s: %w", agentID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return zero, nil, ErrClosed
	}
	if e, ok := m.conns[k]; ok && e.conn.Connected() && !e.conn.Closed() {
		// Lost the dial race; keep the winner
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		m.mu.Unlock()
		conn.Close()
		return e.conn, m.releaseFunc(k, e), nil
	}
	e := &entry[C]{conn: conn, refs: 1}
	m.conns[k] = e
	m.mu.Unlock()

	m.logger.Info("connection opened", "agent_id", agentID, "user_id", userID)
	return conn, m.releaseFunc(k, e), nil
}

// releaseFunc binds one handout to its entry. The sync.Once makes a double
// release by the same holder harmless.
func (m *Manager[C]) releaseFunc(k key, e *entry[C]) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(k, e) })
	}
}

// release returns one reference on e. When the last reference goes and e is
// still the live entry for its pair, the connection stays open for the
// grace period before closing, so a prompt re-Get picks it back up.
// Releases against an entry the manager already discarded are no-ops.
func (m *Manager[C]) release(k key, e *entry[C]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.refs > 0 {
		e.refs--
	}
	cur, ok := m.conns[k]
	if !ok || cur != e || e.refs > 0 || m.closed {
		return
	}

	if m.grace <= 0 {
		delete(m.conns, k)
		go e.conn.Close()
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		cur, ok := m.conns[k]
		if !ok || cur != e || cur.refs > 0 {
			m.mu.Unlock()
			return
		}
		delete(m.conns, k)
		m.mu.Unlock()

		e.conn.Close()
		m.logger.Info("idle connection closed", "agent_id", k.agentID, "user_id", k.userID)
	})
}

// Close tears down every connection and rejects further Gets. Idempotent.
func (m *Manager[C]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	entries := make([]*entry[C], 0, len(m.conns))
	for _, e := range m.conns {
		if e.timer != nil {
			e.timer.Stop()
		}
		entries = append(entries, e)
	}
	m.conns = make(map[key]*entry[C])
	m.mu.Unlock()

	for _, e := range entries {
		e.conn.Close()
	}
	m.logger.Info("connection manager closed", "connections", len(entries))
}

// Len reports the number of tracked connections, including ones in their
// grace period.
func (m *Manager[C]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
