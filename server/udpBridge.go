package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/transport"
)

// Relayer forwards a line to the linked device and returns its reply.
type Relayer interface {
	Relay(ctx context.Context, line []byte) ([]byte, error)
}

// UDPBridge relays each datagram it receives into the device link and sends
// the device's reply back to the datagram's source. Datagrams are handled
// one at a time.
type UDPBridge struct {
	Addr    string
	Timeout time.Duration

	relay Relayer

	mu      sync.RWMutex
	conn    net.PacketConn
	closing bool
	ready   chan struct{}
}

func NewUDPBridge(addr string, relay Relayer, timeout time.Duration) *UDPBridge {
	return &UDPBridge{Addr: addr, Timeout: timeout, relay: relay, ready: make(chan struct{})}
}

func (b *UDPBridge) Start(ctx context.Context) error {
	slog.Info("Starting udp bridge", "addr", b.Addr)

	pc, err := net.ListenPacket("udp", b.Addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = pc
	b.mu.Unlock()
	close(b.ready)
	defer pc.Close()

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, transport.ReadBufferSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			b.mu.RLock()
			closing := b.closing
			b.mu.RUnlock()
			if closing || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		line := bytes.TrimRight(buf[:n], "\r\n\x00")
		reply := b.forward(ctx, line)
		if _, err := pc.WriteTo(reply, addr); err != nil {
			slog.Warn("Failed to send udp reply", "addr", addr.String(), "error", err)
		}
	}
}

func (b *UDPBridge) forward(ctx context.Context, line []byte) []byte {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	reply, err := b.relay.Relay(ctx, bytes.Clone(line))
	if err != nil {
		slog.Warn("UDP relay failed", "error", err, "data", string(line))
		return proto.Nack().Encode()
	}
	return reply
}

func (b *UDPBridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *UDPBridge) ListenAddr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return b.Addr
	}
	return b.conn.LocalAddr().String()
}

func (b *UDPBridge) Shutdown() error {
	b.mu.Lock()
	b.closing = true
	pc := b.conn
	b.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (b *UDPBridge) Meta() TransportMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return TransportMetadata{
		Name:        "UDP bridge",
		Description: "Relays datagrams into the device link",
		Protocol:    "udp",
		Address:     b.Addr,
		Connected:   b.conn != nil && !b.closing,
	}
}
