package server

import (
	"context"

	"github.com/mbocsi/devlink/transport"
)

// ConnHandler serves one accepted connection until it is closed.
type ConnHandler func(ctx context.Context, conn transport.Conn) error

// Transport accepts device connections and hands them to the server.
type Transport interface {
	Start(ctx context.Context) error
	OnConnect(ConnHandler)
	Shutdown() error
	Meta() TransportMetadata
	SetName(name string)
	SetDescription(description string)
}

type TransportMetadata struct {
	Name        string `json:"name"`        // Human-friendly name, e.g. "Device TCP"
	Protocol    string `json:"protocol"`    // "tcp", "websocket", "udp"
	Address     string `json:"address"`     // Bind address
	Description string `json:"description"` // Optional, short purpose

	Clients    int  `json:"clients"`     // Connections currently being served
	MaxClients int  `json:"max_clients"` // Always 1 for device transports
	Connected  bool `json:"connected"`   // Whether the transport is bound
}
