package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbocsi/devlink/session"
	"github.com/mbocsi/devlink/transport"
)

var (
	ErrNoDevice   = errors.New("server: no device connected")
	ErrLinkClosed = errors.New("server: device link closed")
	ErrBusy       = errors.New("server: a device is already connected")
)

// Link is the single active device connection and its session. Replies the
// device sends to relayed lines land in a one-slot mailbox.
type Link struct {
	conn transport.Conn
	sess *session.Session

	mu      sync.Mutex
	waiting bool
	mailbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn transport.Conn, sess *session.Session) *Link {
	return &Link{
		conn:    conn,
		sess:    sess,
		mailbox: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (l *Link) Session() *session.Session {
	return l.sess
}

// exchange sends line to the device and waits for its reply. Callers must
// serialize exchanges; the mailbox holds one reply.
func (l *Link) exchange(ctx context.Context, line []byte) ([]byte, error) {
	l.mu.Lock()
	select {
	case <-l.mailbox:
	default:
	}
	l.waiting = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting = false
		l.mu.Unlock()
	}()

	if err := l.conn.Send(line); err != nil {
		return nil, err
	}

	select {
	case reply := <-l.mailbox:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}

// deliver hands a reply line to a waiting exchange. Replies nobody is
// waiting for are dropped.
func (l *Link) deliver(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.waiting {
		slog.Debug("Unsolicited reply dropped", "session", l.sess.ID(), "data", string(line))
		return
	}
	select {
	case l.mailbox <- bytes.Clone(line):
	default:
		slog.Warn("Reply mailbox full, dropping reply", "session", l.sess.ID(), "data", string(line))
	}
}

func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}
