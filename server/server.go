package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/peripheral"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
	"github.com/mbocsi/devlink/transport"
	"golang.org/x/sync/errgroup"
)

type ServerOptions struct {
	Codec      proto.Codec
	Dispatcher *dispatch.Dispatcher // Defaults to an ungated dispatcher over a simulated board
	Registry   Registry             // Defaults to an in-memory registry
	Clock      clock.Clock

	// IdleTimeout disconnects a logged-in device that has not sent a
	// keep-alive for this long. Zero disables the check.
	IdleTimeout time.Duration

	// RelayObservers see every relayed command that decoded and got a valid
	// reply, in the same shape the dispatcher reports device commands.
	RelayObservers []func(dispatch.Exchange)
}

// Server owns the single device link and routes every line the device sends:
// replies to relayed lines go to the waiting relay, everything else is
// decoded and dispatched.
type Server struct {
	codec       proto.Codec
	dispatcher  *dispatch.Dispatcher
	registry    Registry
	clock       clock.Clock
	idleTimeout time.Duration
	observers   []func(dispatch.Exchange)

	mu   sync.RWMutex
	link *Link

	relayMu sync.Mutex

	tmu        sync.RWMutex
	transports []Transport
}

func NewServer(opts ServerOptions) *Server {
	if opts.Codec.Identifier == "" {
		opts.Codec = proto.DefaultCodec()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(peripheral.NewBoard(nil), dispatch.WithClock(opts.Clock))
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	return &Server{
		codec:       opts.Codec,
		dispatcher:  opts.Dispatcher,
		registry:    opts.Registry,
		clock:       opts.Clock,
		idleTimeout: opts.IdleTimeout,
		observers:   opts.RelayObservers,
	}
}

func (s *Server) Codec() proto.Codec {
	return s.codec
}

func (s *Server) RegisterTransport(t Transport) {
	t.OnConnect(s.Serve)
	s.tmu.Lock()
	s.transports = append(s.transports, t)
	s.tmu.Unlock()
}

func (s *Server) Transports() []TransportMetadata {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	metas := make([]TransportMetadata, 0, len(s.transports))
	for _, t := range s.transports {
		metas = append(metas, t.Meta())
	}
	return metas
}

// Start runs every registered transport until ctx is done or one of them
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.tmu.RLock()
	transports := append([]Transport(nil), s.transports...)
	s.tmu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error { return t.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down transports and server")
		for _, t := range transports {
			if err := t.Shutdown(); err != nil {
				slog.Error("There was an error when shutting down transport", "name", t.Meta().Name, "error", err.Error())
			}
		}
		if l := s.activeLink(); l != nil {
			l.close()
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve runs the receive loop for one device connection and returns when the
// connection ends. A connection arriving while another device is linked is
// closed immediately.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	remote := conn.RemoteAddr()
	sess := session.New(s.clock)
	sess.Connecting()

	link := newLink(conn, sess)
	if !s.attach(link) {
		slog.Warn("Device link busy, rejecting connection", "addr", remote)
		conn.Close()
		return ErrBusy
	}

	var reason error
	defer func() {
		s.detach(link, reason)
	}()

	if err := sess.Connected(remote); err != nil {
		reason = err
		return err
	}
	slog.Info("Device connected", "addr", remote, "session", sess.ID())
	s.updateRegistry(ctx, s.registry.Register, sess)

	stop := context.AfterFunc(ctx, link.close)
	defer stop()

	if s.idleTimeout > 0 {
		go s.watchIdle(link)
	}

	for {
		line, err := conn.Recv()
		if err != nil {
			reason = err
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		if proto.IsResponse(line) {
			link.deliver(line)
			continue
		}

		resp := s.handleLine(ctx, sess, line)
		if err := conn.Send(resp.Encode()); err != nil {
			reason = err
			return err
		}
	}
}

func (s *Server) handleLine(ctx context.Context, sess *session.Session, line []byte) proto.Response {
	cmd, err := s.codec.Decode(line)
	if err != nil {
		slog.Warn("Invalid command received", "session", sess.ID(), "error", err, "data", string(line))
		return proto.Nack()
	}

	resp := s.dispatcher.Dispatch(ctx, sess, cmd)
	if resp.Ack && (cmd.Operation == proto.OpLogin || cmd.Operation == proto.OpKeepAlive) {
		s.updateRegistry(ctx, s.registry.Touch, sess)
	}
	return resp
}

func (s *Server) updateRegistry(ctx context.Context, fn func(context.Context, session.Info) error, sess *session.Session) {
	if err := fn(ctx, sess.Info()); err != nil {
		slog.Warn("Failed to update session registry", "session", sess.ID(), "error", err)
	}
}

// idleCheckInterval polls three times per idle window, never faster than
// once a millisecond.
func idleCheckInterval(idle time.Duration) time.Duration {
	return max(idle/3, time.Millisecond)
}

func (s *Server) watchIdle(link *Link) {
	ticker := s.clock.Ticker(idleCheckInterval(s.idleTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-link.closed:
			return
		case <-ticker.C:
			info := link.sess.Info()
			if info.LoggedIn && s.clock.Since(info.LastKeepAlive) > s.idleTimeout {
				slog.Warn("Device idle, closing link", "session", info.ID, "last_keepalive", info.LastKeepAlive)
				link.close()
				return
			}
		}
	}
}

func (s *Server) attach(link *Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return false
	}
	s.link = link
	return true
}

func (s *Server) detach(link *Link, reason error) {
	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	s.mu.Unlock()

	link.close()
	if reason == nil {
		reason = transport.ErrClosed
	}
	link.sess.Disconnect(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.registry.Remove(ctx, link.sess.ID()); err != nil {
		slog.Warn("Failed to remove session from registry", "session", link.sess.ID(), "error", err)
	}
	slog.Info("Device disconnected", "addr", link.conn.RemoteAddr(), "session", link.sess.ID())
}

func (s *Server) activeLink() *Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// Relay sends line to the connected device and returns the device's reply.
// Relays are serialized; the only timeout is the one carried by ctx.
func (s *Server) Relay(ctx context.Context, line []byte) ([]byte, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	link := s.activeLink()
	if link == nil {
		return nil, ErrNoDevice
	}
	slog.Debug("Relaying line to device", "session", link.sess.ID(), "data", string(line))
	reply, err := link.exchange(ctx, line)
	if err != nil {
		return nil, err
	}
	s.observeRelay(link.sess, line, reply)
	return reply, nil
}

func (s *Server) observeRelay(sess *session.Session, line, reply []byte) {
	if len(s.observers) == 0 {
		return
	}
	cmd, err := s.codec.Decode(line)
	if err != nil {
		return
	}
	resp, err := proto.ParseResponse(reply)
	if err != nil {
		return
	}
	ex := dispatch.Exchange{
		SessionID: sess.ID(),
		Remote:    sess.Remote(),
		Command:   cmd,
		Response:  resp,
		At:        s.clock.Now(),
	}
	if cmd.DeviceID != 0 {
		ex.DeviceID = string(cmd.DeviceID)
	}
	for _, fn := range s.observers {
		fn(ex)
	}
}

// SendCommand formats cmd with the server's codec and relays it.
func (s *Server) SendCommand(ctx context.Context, cmd proto.Command) (proto.Response, error) {
	line, err := s.codec.Format(cmd)
	if err != nil {
		return proto.Response{}, err
	}
	reply, err := s.Relay(ctx, line)
	if err != nil {
		return proto.Response{}, err
	}
	return proto.ParseResponse(reply)
}

// Session returns the active session, if any.
func (s *Server) Session() (session.Info, bool) {
	link := s.activeLink()
	if link == nil {
		return session.Info{}, false
	}
	return link.sess.Info(), true
}

// Sessions lists the sessions known to the registry.
func (s *Server) Sessions(ctx context.Context) ([]session.Info, error) {
	return s.registry.List(ctx)
}
