// Package transport serves the three WebSocket channels over one HTTP
// listener and adapts sockets to the connection registry.
package transport

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a gorilla websocket connection to the registry's
// Transport interface. Writes are serialized; gorilla permits only one
// concurrent writer per connection.
type WSTransport struct {
	conn        *websocket.Conn
	messageType int

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWSTransport wraps a websocket connection. messageType selects text or
// binary frames for the channel the connection belongs to.
func NewWSTransport(conn *websocket.Conn, messageType int) *WSTransport {
	return &WSTransport{conn: conn, messageType: messageType}
}

// WriteMessage sends one frame to the peer.
func (t *WSTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(t.messageType, data)
}

// Close tears down the connection. The underlying socket is closed
// unconditionally so a transport flagged closed by the read loop still
// releases its descriptor; the registry swallows the resulting error on a
// second close.
func (t *WSTransport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}

// Open reports whether the transport is still usable.
func (t *WSTransport) Open() bool {
	return !t.closed.Load()
}

// RemoteAddr returns the peer address for logging.
func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// MarkClosed flags the transport closed and releases the socket, used when
// the read loop observes the peer going away.
func (t *WSTransport) MarkClosed() {
	if t.closed.CompareAndSwap(false, true) {
		_ = t.conn.Close()
	}
}
