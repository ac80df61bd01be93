package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/devlink/proto"
)

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultMaxMissed         = 3
)

var ErrKeepAliveMissed = errors.New("session: keep-alive not acknowledged")

type KeepAliveConfig struct {
	Interval  time.Duration
	MaxMissed int
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultKeepAliveInterval
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = DefaultMaxMissed
	}
	return c
}

// KeepAlive periodically sends a liveness probe on a logged-in session and
// disconnects it after MaxMissed consecutive probes go unacknowledged.
//
// The receive loop owns the connection's read side and hands every reply to
// Observe; send must be the connection's serialized write path.
type KeepAlive struct {
	sess *Session
	line []byte
	send func([]byte) error
	cfg  KeepAliveConfig

	mu      sync.Mutex
	missed  int
	pending bool

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

func NewKeepAlive(sess *Session, line []byte, send func([]byte) error, cfg KeepAliveConfig) *KeepAlive {
	return &KeepAlive{
		sess:   sess,
		line:   line,
		send:   send,
		cfg:    cfg.withDefaults(),
		failed: make(chan struct{}),
	}
}

// Run ticks until ctx is done or the session is declared dead.
func (k *KeepAlive) Run(ctx context.Context) error {
	ticker := k.sess.Clock().Ticker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.failed:
			return k.failErr
		case <-ticker.C:
			if err := k.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick runs one interval: an unanswered previous probe counts as a miss,
// then a new probe is sent. Ticks while not logged in are skipped.
func (k *KeepAlive) Tick() error {
	select {
	case <-k.failed:
		return k.failErr
	default:
	}
	if !k.sess.LoggedIn() {
		return nil
	}

	k.mu.Lock()
	if k.pending {
		k.missed++
		slog.Warn("Keep-alive unanswered", "session", k.sess.ID(), "missed", k.missed)
	}
	missed := k.missed
	k.pending = true
	k.mu.Unlock()

	if missed >= k.cfg.MaxMissed {
		return k.fail(fmt.Errorf("%w: %d consecutive", ErrKeepAliveMissed, missed))
	}

	if err := k.send(k.line); err != nil {
		return k.fail(fmt.Errorf("keepalive send: %w", err))
	}
	slog.Debug("Keep-alive sent", "session", k.sess.ID())
	return nil
}

// Observe feeds the peer's reply to the most recent probe.
func (k *KeepAlive) Observe(resp proto.Response) {
	k.mu.Lock()
	k.pending = false
	if resp.Ack {
		k.missed = 0
		k.mu.Unlock()
		k.sess.KeepAlive()
		return
	}
	k.missed++
	missed := k.missed
	k.mu.Unlock()

	slog.Warn("Keep-alive rejected", "session", k.sess.ID(), "missed", missed)
	if missed >= k.cfg.MaxMissed {
		k.fail(fmt.Errorf("%w: %d consecutive", ErrKeepAliveMissed, missed))
	}
}

func (k *KeepAlive) Missed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.missed
}

// Done is closed once the keep-alive has given up on the session.
func (k *KeepAlive) Done() <-chan struct{} {
	return k.failed
}

func (k *KeepAlive) Err() error {
	select {
	case <-k.failed:
		return k.failErr
	default:
		return nil
	}
}

func (k *KeepAlive) fail(err error) error {
	k.failOnce.Do(func() {
		k.failErr = err
		k.sess.Disconnect(err)
		close(k.failed)
	})
	return k.failErr
}
