// Package registry tracks live transport connections, their health, and
// admission limits. It is the fan-out foundation every other component
// sends through.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
)

// maxFailedSends is the consecutive send-failure count at which a
// connection is evicted.
const maxFailedSends = 3

// ErrRegistryFull is returned when the admission ceiling has been reached.
var ErrRegistryFull = errors.New("connection registry full")

// Transport abstracts the underlying wire connection. Implementations must
// tolerate concurrent Close calls.
type Transport interface {
	// WriteMessage sends one frame to the peer.
	WriteMessage(data []byte) error
	// Close tears down the connection. Closing twice must not panic.
	Close() error
	// Open reports whether the transport is still usable.
	Open() bool
	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
}

// Conn is one tracked connection. All mutable state is guarded by mu;
// writes to the transport are serialized through the same lock.
type Conn struct {
	// ID is the registry-assigned unique connection identifier.
	ID string
	// ConnectedAt is the admission timestamp.
	ConnectedAt time.Time

	transport Transport

	mu           sync.Mutex
	lastActivity time.Time
	failedSends  int
}

// Touch records inbound activity on the connection.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound activity.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Healthy reports whether the connection is below the failure threshold
// and the transport is still open.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedSends < maxFailedSends && c.transport.Open()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// write sends one frame, tracking consecutive failures. It reports whether
// the write succeeded and whether the connection should be evicted.
func (c *Conn) write(data []byte) (ok, evict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transport.Open() {
		return false, true
	}
	if err := c.transport.WriteMessage(data); err != nil {
		c.failedSends++
		return false, c.failedSends >= maxFailedSends
	}
	c.failedSends = 0
	return true, false
}

// Registry owns the set of live connections. All methods are safe for
// concurrent use.
type Registry struct {
	cfg    config.RegistryConfig
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
//
// Precondition: cfg must be validated; logger must be non-nil.
func NewRegistry(cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Register admits a new connection, assigning it a unique id.
// Admission is immediate and non-blocking.
//
// Postcondition: Returns the tracked Conn, or ErrRegistryFull once the
// configured ceiling is reached. The registry never exceeds the ceiling.
func (r *Registry) Register(t Transport) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.cfg.MaxConnections {
		return nil, ErrRegistryFull
	}

	now := time.Now()
	conn := &Conn{
		ID:           uuid.NewString(),
		ConnectedAt:  now,
		transport:    t,
		lastActivity: now,
	}
	r.conns[conn.ID] = conn
	return conn, nil
}

// Get returns the connection for the given id.
//
// Postcondition: Returns (conn, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send delivers one frame to the identified connection.
//
// Postcondition: Returns true on delivery. Unknown ids and unhealthy
// connections are a no-op returning false. A transport failure increments the
// failure counter and evicts the connection at the threshold.
func (r *Registry) Send(id string, data []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || !conn.Healthy() {
		return false
	}

	sent, evict := conn.write(data)
	if evict {
		r.Close(id)
	}
	return sent
}

// Broadcast delivers one frame to every tracked connection. Fan-out is
// best-effort: a failure on one connection does not affect the others.
//
// Postcondition: Returns the number of successful deliveries.
func (r *Registry) Broadcast(data []byte) int {
	return r.BroadcastFunc(func(string) bool { return true }, data)
}

// BroadcastFunc delivers one frame to every connection whose id satisfies
// the predicate. Failures are isolated per connection.
//
// Postcondition: Returns the number of successful deliveries.
func (r *Registry) BroadcastFunc(pred func(id string) bool, data []byte) int {
	sent := 0
	for _, id := range r.snapshotIDs() {
		if !pred(id) {
			continue
		}
		if r.Send(id, data) {
			sent++
		}
	}
	return sent
}

// Heartbeat pushes the given ping payload to every healthy connection.
// No reply is required; a dead peer surfaces through lastActivity staleness.
//
// Postcondition: Returns the number of pings delivered.
func (r *Registry) Heartbeat(pingPayload []byte) int {
	sent := 0
	for _, id := range r.snapshotIDs() {
		conn, ok := r.Get(id)
		if !ok || !conn.Healthy() {
			continue
		}
		if r.Send(id, pingPayload) {
			sent++
		}
	}
	return sent
}

// ReapStale closes and evicts every connection that is unhealthy or idle
// beyond the configured threshold. It iterates a snapshot so concurrent
// registration and removal during the sweep are tolerated.
//
// Postcondition: Returns the number of connections evicted.
func (r *Registry) ReapStale() int {
	reaped := 0
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	for _, id := range r.snapshotIDs() {
		conn, ok := r.Get(id)
		if !ok {
			continue
		}
		if conn.Healthy() && conn.LastActivity().After(cutoff) {
			continue
		}
		r.logger.Debug("reaping stale connection",
			zap.String("connection_id", id),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Time("last_activity", conn.LastActivity()),
		)
		r.Close(id)
		reaped++
	}
	return reaped
}

// Close removes the identified connection and closes its transport.
// Closing an unknown or already-closed connection is a no-op; transport
// close errors are swallowed.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.transport.Close()
}

// CloseAll evicts every tracked connection, closing each transport.
func (r *Registry) CloseAll() {
	for _, id := range r.snapshotIDs() {
		r.Close(id)
	}
}

// snapshotIDs copies the current connection ids so callers can iterate
// without holding the registry lock.
func (r *Registry) snapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
