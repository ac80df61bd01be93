package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/devlink/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Devices do not send an Origin
	},
}

// WSTransport accepts devices over WebSocket, one protocol line per text
// message. Only one device may be linked at a time across all transports.
type WSTransport struct {
	Addr string

	onConnect ConnHandler

	name        string
	description string

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	clients   int
	connected bool
	ready     chan struct{}
	ctx       context.Context
}

func NewWSTransport(addr string) *WSTransport {
	return &WSTransport{Addr: addr, ready: make(chan struct{}), ctx: context.Background()}
}

func (t *WSTransport) Start(ctx context.Context) error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	if t.onConnect == nil {
		return fmt.Errorf("the OnConnect handler is not defined; this transport is likely being started outside of the server")
	}

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	t.mu.Lock()
	t.server = &http.Server{Handler: mux}
	t.listener = l
	t.connected = true
	t.ctx = ctx
	srv := t.server
	t.mu.Unlock()
	close(t.ready)

	err = srv.Serve(l)
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	t.mu.Lock()
	t.clients++
	ctx := t.ctx
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.clients--
		t.mu.Unlock()
	}()

	conn := transport.NewWSConn(ws, r.RemoteAddr)
	slog.Info("WebSocket device connected", "addr", r.RemoteAddr)
	if err := t.onConnect(ctx, conn); err != nil && !errors.Is(err, ErrBusy) {
		slog.Warn("WebSocket connection ended with error", "addr", r.RemoteAddr, "error", err)
	}
}

func (t *WSTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *WSTransport) ListenAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)
	t.mu.RLock()
	srv := t.server
	t.mu.RUnlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (t *WSTransport) OnConnect(fn ConnHandler) {
	t.onConnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr := t.Addr
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	return TransportMetadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     addr,
		Clients:     t.clients,
		MaxClients:  1,
		Connected:   t.connected,
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}
