package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// KeepAlivePeriod is the TCP keep-alive idle time applied to every stream
// connection.
const KeepAlivePeriod = 15 * time.Second

// DialTCP connects to a protocol server over TCP.
func DialTCP(ctx context.Context, addr string, framing Framing) (*LineConn, error) {
	d := net.Dialer{KeepAlive: KeepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return NewLineConn(conn, framing), nil
}

// DialWS connects to a protocol server over WebSocket. Bare host:port
// addresses and tcp:// URLs are rewritten to ws:// URLs.
func DialWS(ctx context.Context, addr string) (*WSConn, error) {
	u, err := WebSocketURL(addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return NewWSConn(conn, ""), nil
}

func WebSocketURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("invalid WebSocket address %q: %w", addr, err)
		}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "tcp", "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid WebSocket scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Listen opens a TCP listener whose accepted connections use TCP keep-alive.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: KeepAlivePeriod}
	return lc.Listen(ctx, "tcp", addr)
}
