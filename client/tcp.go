package client

import (
	"context"

	"github.com/mbocsi/devlink/transport"
)

type TCPTransport struct {
	Framing transport.Framing
}

func NewTCPTransport(framing transport.Framing) *TCPTransport {
	if framing == "" {
		framing = transport.FramingMessage
	}
	return &TCPTransport{Framing: framing}
}

func (t *TCPTransport) Connect(ctx context.Context, addr string) (transport.Conn, error) {
	conn, err := transport.DialTCP(ctx, addr, t.Framing)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
