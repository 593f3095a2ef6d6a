package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comalice/lockstepx/firmware"
)

// WebSocketDialer connects to a firmware bridge over WebSocket. Each Write
// becomes one message; reads concatenate message payloads into a stream.
//
// gorilla/websocket treats a timed-out read as fatal for the connection, so a
// step timeout over this transport ends the connection and the session
// reconnects through its backoff path.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Form   firmware.WireForm
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context) (firmware.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", d.URL, err)
	}
	return NewWSConn(ws, d.Form), nil
}

// WSConn adapts a websocket connection to a byte stream.
type WSConn struct {
	ws      *websocket.Conn
	msgType int
	r       io.Reader
	wmu     sync.Mutex
}

// NewWSConn wraps ws. The text form uses text messages, the binary form
// binary messages.
func NewWSConn(ws *websocket.Conn, form firmware.WireForm) *WSConn {
	mt := websocket.BinaryMessage
	if form == firmware.Text {
		mt = websocket.TextMessage
	}
	return &WSConn{ws: ws, msgType: mt}
}

func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(c.msgType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}

// WebSocketHandler upgrades requests and hands each connection to serve,
// closing it when serve returns. It is the server half of WebSocketDialer,
// used by firmware bridges and the test peer.
func WebSocketHandler(form firmware.WireForm, serve func(firmware.Conn) error) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "component", "transport", "error", err)
			return
		}
		c := NewWSConn(ws, form)
		defer c.Close()
		if err := serve(c); err != nil {
			slog.Debug("websocket peer finished", "component", "transport", "error", err)
		}
	})
}

var _ firmware.Conn = (*WSConn)(nil)
