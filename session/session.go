// Package session tracks the lifecycle of one device connection: connect,
// login gating and keep-alive liveness. It knows nothing about the transport.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrNotLoggedIn       = errors.New("session: not logged in")
	ErrClosed            = errors.New("session: closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	LoggedIn
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case LoggedIn:
		return "logged_in"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported to observers after every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    error
	At        time.Time
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Remote        string    `json:"remote,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	LoggedIn      bool      `json:"logged_in"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
	LastKeepAlive time.Time `json:"last_keepalive,omitzero"`
}

type Session struct {
	id    string
	clock clock.Clock

	mu            sync.RWMutex
	state         State
	remote        string
	deviceID      byte
	connectedAt   time.Time
	lastKeepAlive time.Time

	obsMu     sync.RWMutex
	observers []func(Transition)
}

// New returns a Disconnected session. A nil clock uses the wall clock.
func New(clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{id: uuid.NewString(), clock: clk}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Clock() clock.Clock {
	return s.clock
}

func (s *Session) OnTransition(fn func(Transition)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Connecting starts a connect or accept attempt.
func (s *Session) Connecting() error {
	return s.transition(Connecting, nil, func(from State) bool { return from == Disconnected })
}

// Connected records a completed handshake with remote.
func (s *Session) Connected(remote string) error {
	return s.transition(Connected, nil, func(from State) bool {
		if from != Connecting {
			return false
		}
		s.remote = remote
		s.connectedAt = s.clock.Now()
		return true
	})
}

// Login marks the session logged in. Logging in again is allowed and keeps
// the session logged in.
func (s *Session) Login() error {
	return s.transition(LoggedIn, nil, func(from State) bool {
		if from != Connected && from != LoggedIn {
			return false
		}
		s.lastKeepAlive = s.clock.Now()
		return true
	})
}

// KeepAlive records liveness. It fails unless the session is logged in.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn {
		return ErrNotLoggedIn
	}
	s.lastKeepAlive = s.clock.Now()
	return nil
}

// Disconnect tears the session down from any state and clears login.
func (s *Session) Disconnect(reason error) {
	s.transition(Disconnected, reason, func(State) bool {
		s.remote = ""
		s.lastKeepAlive = time.Time{}
		return true
	})
}

func (s *Session) transition(to State, reason error, allowed func(from State) bool) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	at := s.clock.Now()
	s.mu.Unlock()

	if from == to {
		return nil
	}

	if reason != nil {
		slog.Info("Session state changed", "session", s.id, "from", from.String(), "to", to.String(), "reason", reason.Error())
	} else {
		slog.Debug("Session state changed", "session", s.id, "from", from.String(), "to", to.String())
	}

	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(Transition{SessionID: s.id, From: from, To: to, Reason: reason, At: at})
	}
	return nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LoggedIn() bool {
	return s.State() == LoggedIn
}

func (s *Session) SetDevice(id byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}

func (s *Session) Device() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) Remote() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:            s.id,
		State:         s.state.String(),
		Remote:        s.remote,
		LoggedIn:      s.state == LoggedIn,
		ConnectedAt:   s.connectedAt,
		LastKeepAlive: s.lastKeepAlive,
	}
	if s.deviceID != 0 {
		info.DeviceID = string(s.deviceID)
	}
	return info
}
