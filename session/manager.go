// Package session owns one live transport connection per cattackle: lazily
// dialed, health-checked within a freshness window, and redialed when a
// probe or call failure marks it degraded.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meowkov/catmandu/registry"
	"github.com/meowkov/catmandu/transport"
)

// State of a managed session.
type State int

const (
	Unconnected State = iota
	Connecting
	Healthy
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionError reports that a session could not be established after
// exhausting the manifest's connection retry budget.
type ConnectionError struct {
	Cattackle string
	Cause     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to cattackle %s: %v", e.Cattackle, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

const (
	defaultFreshness   = 60 * time.Second
	defaultProbeWindow = 5 * time.Second
	connectBackoffBase = 500 * time.Millisecond
)

// Dialer opens a transport connection. Swapped out in tests.
type Dialer func(ctx context.Context, desc transport.Descriptor) (transport.Conn, error)

// Manager caches one session per cattackle name. Each cattackle has its own
// lock so that only one creation attempt runs at a time without stalling
// unrelated cattackles.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	freshness time.Duration
	dial      Dialer
}

type entry struct {
	mu        sync.Mutex
	conn      transport.Conn
	state     State
	lastProbe time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithFreshness sets how long a successful probe keeps a session trusted.
func WithFreshness(d time.Duration) Option {
	return func(m *Manager) { m.freshness = d }
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:   make(map[string]*entry),
		freshness: defaultFreshness,
		dial:      transport.Dial,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a live session for the cattackle, probing or recreating the
// cached one as needed. Creation failures after the manifest's connection
// retry budget surface as *ConnectionError.
func (m *Manager) Get(ctx context.Context, manifest *registry.Manifest) (transport.Conn, error) {
	e := m.entry(manifest.Name)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if time.Since(e.lastProbe) < m.freshness {
			return e.conn, nil
		}

		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeWindow)
		err := e.conn.Ping(probeCtx)
		cancel()
		if err == nil {
			e.lastProbe = time.Now()
			e.state = Healthy
			return e.conn, nil
		}

		slog.Warn("session probe failed, recreating",
			"cattackle", manifest.Name, "err", err)
		e.state = Degraded
		e.conn.Close()
		e.conn = nil
	}

	return m.connectLocked(ctx, e, manifest)
}

// connectLocked dials with the manifest's connection retry budget. The
// entry lock is held so only one attempt runs per cattackle.
func (m *Manager) connectLocked(ctx context.Context, e *entry, manifest *registry.Manifest) (transport.Conn, error) {
	e.state = Connecting

	var lastErr error
	attempts := manifest.Policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := connectBackoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.state = Degraded
				return nil, &ConnectionError{Cattackle: manifest.Name, Cause: ctx.Err()}
			}
		}

		conn, err := m.dial(ctx, manifest.Transport)
		if err != nil {
			lastErr = err
			slog.Warn("session dial failed",
				"cattackle", manifest.Name, "attempt", attempt+1, "err", err)
			continue
		}

		e.conn = conn
		e.state = Healthy
		e.lastProbe = time.Now()
		slog.Info("session established",
			"cattackle", manifest.Name, "transport", manifest.Transport.Kind())
		return conn, nil
	}

	e.state = Closed
	return nil, &ConnectionError{Cattackle: manifest.Name, Cause: lastErr}
}

// Invalidate marks a session unusable so the next Get redials. Called by
// the RPC layer after a transport-level call failure.
func (m *Manager) Invalidate(name string) {
	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = Degraded
	e.lastProbe = time.Time{}
}

// State reports the current state of a cattackle's session.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return Unconnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close releases one cattackle's session. Idempotent.
func (m *Manager) Close(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = Closed
}

// CloseAll releases every session. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Close(name)
	}
}

func (m *Manager) entry(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &entry{state: Unconnected}
		m.entries[name] = e
	}
	return e
}
