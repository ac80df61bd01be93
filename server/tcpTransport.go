package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/devlink/transport"
)

// TCPTransport accepts device connections one at a time. The next
// connection is not accepted until the current one has been served to
// completion; pending dials wait in the listen backlog.
type TCPTransport struct {
	Addr    string
	Framing transport.Framing

	onConnect ConnHandler

	name        string
	description string

	mu        sync.RWMutex
	listener  net.Listener
	serving   bool
	connected bool
	ready     chan struct{}
	closing   bool
}

func NewTCPTransport(addr string, framing transport.Framing) *TCPTransport {
	if framing == "" {
		framing = transport.FramingMessage
	}
	return &TCPTransport{Addr: addr, Framing: framing, ready: make(chan struct{})}
}

func (t *TCPTransport) Start(ctx context.Context) error {
	slog.Info("Starting tcp server", "addr", t.Addr, "framing", string(t.Framing))

	if t.onConnect == nil {
		return fmt.Errorf("the OnConnect handler is not defined; this transport is likely being started outside of the server")
	}

	l, err := transport.Listen(ctx, t.Addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = l
	t.connected = true
	t.mu.Unlock()
	close(t.ready)

	defer func() {
		l.Close()
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			t.mu.RLock()
			closing := t.closing
			t.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t.handleConnection(ctx, conn)
	}
}

func (t *TCPTransport) handleConnection(ctx context.Context, c net.Conn) {
	t.mu.Lock()
	t.serving = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.serving = false
		t.mu.Unlock()
	}()

	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: 15 * time.Second, Interval: 15 * time.Second, Count: 3})
	}

	conn := transport.NewLineConn(c, t.Framing)
	if err := t.onConnect(ctx, conn); err != nil {
		slog.Warn("Connection ended with error", "addr", conn.RemoteAddr(), "error", err)
	}
}

// Ready is closed once the listener is bound.
func (t *TCPTransport) Ready() <-chan struct{} {
	return t.ready
}

// ListenAddr is the bound address, useful when Addr asked for port 0.
func (t *TCPTransport) ListenAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) Shutdown() error {
	slog.Info("Shutting down tcp server", "addr", t.Addr)
	t.mu.Lock()
	t.closing = true
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *TCPTransport) OnConnect(fn ConnHandler) {
	t.onConnect = fn
}

func (t *TCPTransport) Meta() TransportMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := 0
	if t.serving {
		clients = 1
	}
	addr := t.Addr
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	return TransportMetadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "tcp",
		Address:     addr,
		Clients:     clients,
		MaxClients:  1,
		Connected:   t.connected,
	}
}

func (t *TCPTransport) SetName(name string) {
	t.name = name
}

func (t *TCPTransport) SetDescription(description string) {
	t.description = description
}
