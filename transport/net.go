// Package transport provides the channels a firmware session can run over:
// TCP and unix sockets, WebSocket binary or text messages, and a dialer that
// launches the firmware executable before connecting to it.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/comalice/lockstepx/firmware"
)

// NetDialer dials a stream socket.
type NetDialer struct {
	Network   string // "tcp", "unix"
	Address   string
	KeepAlive time.Duration
}

// TCP returns a dialer for host:port.
func TCP(addr string) *NetDialer {
	return &NetDialer{Network: "tcp", Address: addr}
}

// Unix returns a dialer for a unix socket path (the "pipe" transport).
func Unix(path string) *NetDialer {
	return &NetDialer{Network: "unix", Address: path}
}

// Dial connects; the caller's context bounds the attempt.
func (d *NetDialer) Dial(ctx context.Context) (firmware.Conn, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	c, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", d.Network, d.Address, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		// Step exchanges are small request/response pairs.
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

var _ firmware.Dialer = (*NetDialer)(nil)
