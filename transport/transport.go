// Package transport carries protocol lines over a single connection. Every
// implementation serializes writes so concurrent senders never interleave
// the bytes of two lines.
package transport

import (
	"errors"
	"fmt"
)

// ReadBufferSize bounds one message-framed read, matching the device's
// receive buffer.
const ReadBufferSize = 128

var ErrClosed = errors.New("transport: connection closed")

// Conn is one established connection to a peer.
type Conn interface {
	// Send writes one line. It completes or fails for the whole line.
	Send(line []byte) error
	// Recv blocks until one logical line arrives.
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Framing selects how line boundaries are found on a byte stream.
type Framing string

const (
	// FramingMessage treats each read as one line, the way the firmware
	// does. Partial reads are not reassembled.
	FramingMessage Framing = "message"
	// FramingLine splits on newlines and appends one to every send.
	FramingLine Framing = "line"
)

func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingMessage:
		return FramingMessage, nil
	case FramingLine:
		return FramingLine, nil
	}
	return "", fmt.Errorf("transport: unknown framing %q", s)
}

// Error wraps a failure of the underlying connection. It is always fatal to
// the session using the connection.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te) || errors.Is(err, ErrClosed)
}
