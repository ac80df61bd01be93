package client

import (
	"context"

	"github.com/mbocsi/devlink/transport"
)

// Transport opens the device's single connection to the server.
type Transport interface {
	Connect(ctx context.Context, addr string) (transport.Conn, error)
}
