package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
)

// LineConn frames protocol lines over a stream connection.
type LineConn struct {
	conn    net.Conn
	framing Framing
	reader  *bufio.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewLineConn(conn net.Conn, framing Framing) *LineConn {
	c := &LineConn{conn: conn, framing: framing}
	if framing == FramingLine {
		c.reader = bufio.NewReader(conn)
	}
	return c
}

func (c *LineConn) Send(line []byte) error {
	if c.framing == FramingLine {
		trimmed := bytes.TrimRight(line, "\r\n")
		line = append(make([]byte, 0, len(trimmed)+1), trimmed...)
		line = append(line, '\n')
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(line); err != nil {
		return c.wrap("send", err)
	}
	return nil
}

func (c *LineConn) Recv() ([]byte, error) {
	if c.framing == FramingLine {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return bytes.TrimRight(line, "\r\n"), nil
			}
			return nil, c.wrap("recv", err)
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, c.wrap("recv", err)
		}
	}
}

func (c *LineConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *LineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *LineConn) wrap(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return &Error{Op: op, Err: ErrClosed}
	}
	return &Error{Op: op, Err: err}
}
