package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn carries one protocol line per WebSocket text message.
type WSConn struct {
	conn   *websocket.Conn
	remote string

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(conn *websocket.Conn, remote string) *WSConn {
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}
	return &WSConn{conn: conn, remote: remote}
}

func (c *WSConn) Send(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
		return c.wrap("send", err)
	}
	return nil
}

func (c *WSConn) Recv() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, c.wrap("recv", err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSConn) RemoteAddr() string {
	return c.remote
}

func (c *WSConn) wrap(op string, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		return &Error{Op: op, Err: ErrClosed}
	}
	return &Error{Op: op, Err: err}
}
