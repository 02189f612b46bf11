// Package probe provides TCP reachability checks for game server endpoints.
package probe

import (
	"context"
	"net"
	"time"
)

// Func is the reachability check signature. Components take a Func so tests
// can substitute a deterministic prober.
type Func func(ctx context.Context, addr string, timeout time.Duration) bool

// Reachable reports whether a TCP connection to addr can be established
// within the timeout. No payload is exchanged; the connection is closed
// immediately.
func Reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
