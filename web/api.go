// Package web exposes the server's device link over a small JSON API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/server"
	"github.com/mbocsi/devlink/session"
	"github.com/mbocsi/devlink/store"
)

// Controller is what the API needs from the device server.
type Controller interface {
	Session() (session.Info, bool)
	Sessions(ctx context.Context) ([]session.Info, error)
	Transports() []server.TransportMetadata
	Relay(ctx context.Context, line []byte) ([]byte, error)
	SendCommand(ctx context.Context, cmd proto.Command) (proto.Response, error)
}

// ExchangeSource lists recorded exchanges, newest first.
type ExchangeSource interface {
	Recent(ctx context.Context, limit int) ([]store.ExchangeRecord, error)
}

type API struct {
	controller   Controller
	exchanges    ExchangeSource
	relayTimeout time.Duration

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewAPI builds the API. exchanges may be nil when no store is configured.
func NewAPI(c Controller, exchanges ExchangeSource, relayTimeout time.Duration) *API {
	return &API{controller: c, exchanges: exchanges, relayTimeout: relayTimeout}
}

// Routes returns the HTTP routes for the admin API
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", a.HandleHealth)
	r.Get("/session", a.HandleSession)
	r.Get("/sessions", a.HandleSessions)
	r.Get("/transports", a.HandleTransports)
	r.Post("/commands", a.HandleCommand)
	r.Get("/exchanges", a.HandleExchanges)
	return r
}

// Start serves the API on addr until Shutdown.
func (a *API) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(l)
}

func (a *API) Serve(l net.Listener) error {
	srv := &http.Server{Handler: a.Routes(), ReadHeaderTimeout: 5 * time.Second}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return l.Close()
	}
	a.server = srv
	a.mu.Unlock()

	slog.Info("Starting web API", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Shutting down web API")
	return srv.Shutdown(ctx)
}
