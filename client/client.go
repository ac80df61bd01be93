// Package client is the device side of the link: it keeps one connection to
// the server logged in and alive, answers the server's commands against the
// local board and originates login, keep-alive and message lines.
package client

import (
	"context"
	"errors"
	"fmt"
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

var (
	ErrNotConnected  = errors.New("client: not connected")
	ErrLoginRejected = errors.New("client: login rejected")
)

const (
	DefaultLoginComment     = "Log in"
	DefaultKeepAliveComment = "Keep alive"
)

type Options struct {
	Codec      proto.Codec
	Dispatcher *dispatch.Dispatcher // Defaults to an ungated dispatcher over a simulated board
	KeepAlive  session.KeepAliveConfig
	Clock      clock.Clock

	// ReconnectDelay is waited between connection attempts. Zero retries
	// immediately.
	ReconnectDelay time.Duration
}

type requestKind int

const (
	kindLogin requestKind = iota
	kindKeepAlive
	kindMessage
)

// request is a line this client originated and is waiting on a reply for.
type request struct {
	kind  requestKind
	reply chan proto.Response
}

// link is one live connection and the session riding on it.
type link struct {
	conn      transport.Conn
	sess      *session.Session
	keepalive *session.KeepAlive
	loggedIn  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// sendMu orders sends with their pending entries; mu guards pending only.
	sendMu  sync.Mutex
	mu      sync.Mutex
	pending []request
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

type Client struct {
	Name string

	transport      Transport
	codec          proto.Codec
	dispatcher     *dispatch.Dispatcher
	keepAliveCfg   session.KeepAliveConfig
	clock          clock.Clock
	reconnectDelay time.Duration

	mu      sync.RWMutex
	link    *link
	changed chan struct{}

	obsMu     sync.RWMutex
	observers []func(session.Transition)
}

func NewClient(name string, t Transport, opts Options) *Client {
	if opts.Codec.Identifier == "" {
		opts.Codec = proto.DefaultCodec()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(peripheral.NewBoard(nil), dispatch.WithClock(opts.Clock))
	}
	return &Client{
		Name:           name,
		transport:      t,
		codec:          opts.Codec,
		dispatcher:     opts.Dispatcher,
		keepAliveCfg:   opts.KeepAlive,
		clock:          opts.Clock,
		reconnectDelay: opts.ReconnectDelay,
		changed:        make(chan struct{}),
	}
}

// OnTransition observes the state changes of every session the client opens.
func (c *Client) OnTransition(fn func(session.Transition)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Run keeps the device connected to addr until ctx is done. Every lost
// connection is followed by a fresh connect and login.
func (c *Client) Run(ctx context.Context, addr string) error {
	for {
		err := c.runOnce(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Connection lost, reconnecting", "name", c.Name, "addr", addr, "error", err, "delay", c.reconnectDelay)

		if c.reconnectDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.reconnectDelay):
			}
		}
	}
}

func (c *Client) runOnce(ctx context.Context, addr string) error {
	sess := session.New(c.clock)
	c.obsMu.RLock()
	for _, fn := range c.observers {
		sess.OnTransition(fn)
	}
	c.obsMu.RUnlock()
	sess.Connecting()

	conn, err := c.transport.Connect(ctx, addr)
	if err != nil {
		sess.Disconnect(err)
		return err
	}
	if err := sess.Connected(conn.RemoteAddr()); err != nil {
		conn.Close()
		return err
	}
	slog.Info("Connected to server", "name", c.Name, "addr", addr, "session", sess.ID())

	l := &link{
		conn:     conn,
		sess:     sess,
		loggedIn: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	keepAliveLine, err := c.codec.Format(c.codec.KeepAlive(DefaultKeepAliveComment))
	if err != nil {
		conn.Close()
		return err
	}
	l.keepalive = session.NewKeepAlive(sess, keepAliveLine, func(line []byte) error {
		_, err := c.originate(l, kindKeepAlive, line)
		return err
	}, c.keepAliveCfg)

	c.setLink(nil, l)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, l.close)
	defer stop()

	g.Go(func() error { return c.receive(gctx, l) })
	g.Go(func() error {
		if err := c.login(l); err != nil {
			return err
		}
		return l.keepalive.Run(gctx)
	})

	err = g.Wait()
	l.close()

	c.setLink(l, nil)

	if err == nil {
		err = transport.ErrClosed
	}
	sess.Disconnect(err)
	return err
}

func (c *Client) login(l *link) error {
	line, err := c.codec.Format(c.codec.Login(DefaultLoginComment))
	if err != nil {
		return err
	}
	if _, err := c.originate(l, kindLogin, line); err != nil {
		return err
	}
	slog.Debug("Login sent", "session", l.sess.ID())
	return nil
}

// originate sends a line the client expects a reply to. Sends are ordered
// with their pending entries so replies match in wire order, while the
// receive loop can still pop replies during a slow write.
func (c *Client) originate(l *link, kind requestKind, line []byte) (<-chan proto.Response, error) {
	req := request{kind: kind, reply: make(chan proto.Response, 1)}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	l.pending = append(l.pending, req)
	l.mu.Unlock()

	if err := l.conn.Send(line); err != nil {
		l.drop(req)
		return nil, err
	}
	return req.reply, nil
}

func (l *link) drop(req request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.pending {
		if p.reply == req.reply {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

func (l *link) pop() (request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return request{}, false
	}
	req := l.pending[0]
	l.pending = l.pending[1:]
	return req, true
}

func (c *Client) receive(ctx context.Context, l *link) error {
	for {
		line, err := l.conn.Recv()
		if err != nil {
			return err
		}

		if proto.IsResponse(line) {
			if err := c.handleReply(l, line); err != nil {
				return err
			}
			continue
		}

		resp := proto.Nack()
		cmd, err := c.codec.Decode(line)
		if err != nil {
			slog.Warn("Invalid command received", "session", l.sess.ID(), "error", err, "data", string(line))
		} else {
			resp = c.dispatcher.Dispatch(ctx, l.sess, cmd)
		}
		if err := l.conn.Send(resp.Encode()); err != nil {
			return err
		}
	}
}

func (c *Client) handleReply(l *link, line []byte) error {
	resp, err := proto.ParseResponse(line)
	if err != nil {
		slog.Warn("Invalid reply received", "session", l.sess.ID(), "error", err, "data", string(line))
		return nil
	}
	req, ok := l.pop()
	if !ok {
		slog.Warn("Unexpected reply, nothing outstanding", "session", l.sess.ID(), "data", string(line))
		return nil
	}
	req.reply <- resp

	switch req.kind {
	case kindLogin:
		if !resp.Ack {
			return ErrLoginRejected
		}
		if err := l.sess.Login(); err != nil {
			return err
		}
		select {
		case <-l.loggedIn:
		default:
			close(l.loggedIn)
		}
		slog.Info("Logged in", "name", c.Name, "session", l.sess.ID())
	case kindKeepAlive:
		l.keepalive.Observe(resp)
	}
	return nil
}

// setLink swaps old for l and wakes anyone waiting on a link change.
func (c *Client) setLink(old, l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != old {
		return
	}
	c.link = l
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) activeLink() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// Session returns a snapshot of the current session.
func (c *Client) Session() (session.Info, bool) {
	l := c.activeLink()
	if l == nil {
		return session.Info{}, false
	}
	return l.sess.Info(), true
}

// WaitLoggedIn blocks until the current or next connection has logged in.
func (c *Client) WaitLoggedIn(ctx context.Context) error {
	for {
		c.mu.RLock()
		l, changed := c.link, c.changed
		c.mu.RUnlock()

		if l != nil {
			select {
			case <-l.loggedIn:
				return nil
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendMessage originates a Message command to the server element and waits
// for the server's reply.
func (c *Client) SendMessage(ctx context.Context, text string) (proto.Response, error) {
	l := c.activeLink()
	if l == nil {
		return proto.Response{}, ErrNotConnected
	}
	line, err := c.codec.Format(c.codec.Message(text))
	if err != nil {
		return proto.Response{}, err
	}
	reply, err := c.originate(l, kindMessage, line)
	if err != nil {
		return proto.Response{}, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-l.closed:
		return proto.Response{}, ErrNotConnected
	case <-ctx.Done():
		return proto.Response{}, ctx.Err()
	}
}
