package client

import (
	"context"
	"fmt"

	"github.com/mbocsi/devlink/transport"
)

type WebSocketTransport struct{}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Connect accepts ws:// URLs as well as bare host:port and tcp:// addresses.
func (t *WebSocketTransport) Connect(ctx context.Context, addr string) (transport.Conn, error) {
	conn, err := transport.DialWS(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	return conn, nil
}
