// ABOUTME: Tracks live connections keyed by credential and admits upgrades.
// ABOUTME: Consuming the grant and registering the connection is one gate.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/grant"
)

// ErrRegistryFull indicates the registry is at its connection capacity.
// Capacity rejection happens at admission, never by silently dropping.
var ErrRegistryFull = errors.New("session registry at capacity")

// DefaultMaxConnections bounds concurrently admitted connections.
const DefaultMaxConnections = 1024

// State is the lifecycle state of an admitted connection.
type State int32

const (
	StateConnected State = iota
	StateInitialized
	StateClosed
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's record of one admitted transport. The
// registry owns the entry; the protocol engine holds a non-owning
// reference for the duration of its message loop.
type Connection struct {
	Credential    string
	RemoteAddr    string
	EstablishedAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
}

func newConnection(credential, remoteAddr string, now time.Time) *Connection {
	c := &Connection{
		Credential:    credential,
		RemoteAddr:    remoteAddr,
		EstablishedAt: now,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// MarkInitialized transitions Connected to Initialized. Returns false if
// the connection was already initialized or closed, so a second
// initialize fails.
func (c *Connection) MarkInitialized() bool {
	return c.state.CompareAndSwap(int32(StateConnected), int32(StateInitialized))
}

// MarkClosed transitions the connection to Closed.
func (c *Connection) MarkClosed() {
	c.state.Store(int32(StateClosed))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Registry tracks live connections keyed by credential.
type Registry struct {
	grants *grant.Store
	max    int
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates a registry backed by the given grant store.
// max <= 0 applies DefaultMaxConnections.
func NewRegistry(grants *grant.Store, max int, logger *slog.Logger) *Registry {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		grants: grants,
		max:    max,
		logger: logger.With("component", "sessions"),
		conns:  make(map[string]*Connection),
	}
}

// Admit validates and consumes the credential, then registers a new
// connection in state Connected. The grant consumption is a compare-and-
// set, so only one of any concurrent admission attempts with the same
// credential wins. Rejections surface the grant package's sentinel errors
// (unknown, expired, already consumed) or ErrRegistryFull.
func (r *Registry) Admit(credential, remoteAddr string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.max {
		return nil, ErrRegistryFull
	}

	g, err := r.grants.Consume(credential)
	if err != nil {
		return nil, err
	}

	conn := newConnection(credential, remoteAddr, time.Now())
	r.conns[credential] = conn

	r.logger.Info("connection admitted",
		"source", g.SourceIdentity,
		"remote_addr", remoteAddr,
		"active_connections", len(r.conns),
	)
	return conn, nil
}

// Remove deletes the connection entry and its consumed grant. It never
// resurrects the grant; a removed credential can never be admitted again.
func (r *Registry) Remove(credential string) {
	r.mu.Lock()
	conn, existed := r.conns[credential]
	if existed {
		delete(r.conns, credential)
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	if !existed {
		return
	}

	conn.MarkClosed()
	r.grants.Remove(credential)
	r.logger.Info("connection removed",
		"remote_addr", conn.RemoteAddr,
		"active_connections", remaining,
	)
}

// Len returns the number of currently admitted, not-yet-closed connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
