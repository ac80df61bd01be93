// Package dispatch executes decoded commands against a peripheral and the
// session they arrived on.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mbocsi/devlink/notify"
	"github.com/mbocsi/devlink/peripheral"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
)

// Exchange is one command and the response it produced.
type Exchange struct {
	SessionID string         `json:"session_id"`
	DeviceID  string         `json:"device_id,omitempty"`
	Remote    string         `json:"remote,omitempty"`
	Command   proto.Command  `json:"command"`
	Response  proto.Response `json:"response"`
	At        time.Time      `json:"at"`
}

type Dispatcher struct {
	peripheral   peripheral.Peripheral
	requireLogin bool
	notifier     notify.Notifier
	observers    []func(Exchange)
	clock        clock.Clock
}

type Option func(*Dispatcher)

// WithRequireLogin rejects Write, Read and Message until the session has
// logged in. Some firmware variants never checked this, so it is off by
// default.
func WithRequireLogin(require bool) Option {
	return func(d *Dispatcher) { d.requireLogin = require }
}

// WithNotifier routes Message commands. Without one they are rejected.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithObserver is called synchronously after every dispatched command.
func WithObserver(fn func(Exchange)) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, fn) }
}

func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

func New(p peripheral.Peripheral, opts ...Option) *Dispatcher {
	d := &Dispatcher{peripheral: p, clock: clock.New()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) RequireLogin() bool {
	return d.requireLogin
}

// Dispatch runs cmd and returns the response to send back. It never fails:
// every problem is reported to the peer as NACK.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, cmd proto.Command) proto.Response {
	resp := d.dispatch(ctx, sess, cmd)

	slog.Debug("Command dispatched", "session", sess.ID(), "operation", cmd.Operation.String(), "element", cmd.Element.String(), "value", cmd.Value, "response", resp.String())

	if len(d.observers) > 0 {
		ex := Exchange{
			SessionID: sess.ID(),
			Remote:    sess.Remote(),
			Command:   cmd,
			Response:  resp,
			At:        d.clock.Now(),
		}
		if cmd.DeviceID != 0 {
			ex.DeviceID = string(cmd.DeviceID)
		}
		for _, fn := range d.observers {
			fn(ex)
		}
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, cmd proto.Command) proto.Response {
	switch cmd.Operation {
	case proto.OpLogin:
		if cmd.Element != proto.ElemServer {
			return proto.Nack()
		}
		// Login is always acknowledged. A session with no live connection
		// cannot log in, so it keeps its state.
		if err := sess.Login(); err != nil {
			slog.Warn("Login on inactive session", "session", sess.ID(), "error", err)
		}
		if cmd.DeviceID != 0 {
			sess.SetDevice(cmd.DeviceID)
		}
		return proto.Ack()

	case proto.OpKeepAlive:
		if cmd.Element != proto.ElemServer {
			return proto.Nack()
		}
		if err := sess.KeepAlive(); err != nil {
			return proto.Nack()
		}
		return proto.Ack()
	}

	if d.requireLogin && !sess.LoggedIn() {
		slog.Debug("Command rejected before login", "session", sess.ID(), "operation", cmd.Operation.String())
		return proto.Nack()
	}

	switch cmd.Operation {
	case proto.OpWrite:
		return d.write(cmd)
	case proto.OpRead:
		return d.read(cmd.Element)
	case proto.OpMessage:
		return d.message(ctx, sess, cmd)
	default:
		return proto.Nack()
	}
}

func (d *Dispatcher) write(cmd proto.Command) proto.Response {
	value, err := parseWriteValue(cmd.Element, cmd.Value)
	if err != nil {
		slog.Debug("Write rejected", "element", cmd.Element.String(), "value", cmd.Value, "error", err)
		return proto.Nack()
	}

	if err := d.peripheral.Write(cmd.Element, value); err != nil {
		slog.Warn("Peripheral write failed", "element", cmd.Element.String(), "value", value, "error", err)
		return proto.Nack()
	}
	return d.read(cmd.Element)
}

func (d *Dispatcher) read(el proto.Element) proto.Response {
	if !el.IsPeripheral() {
		return proto.Nack()
	}
	v, err := d.peripheral.Read(el)
	if err != nil {
		slog.Warn("Peripheral read failed", "element", el.String(), "error", err)
		return proto.Nack()
	}
	return proto.AckValue(v)
}

func (d *Dispatcher) message(ctx context.Context, sess *session.Session, cmd proto.Command) proto.Response {
	if cmd.Element != proto.ElemServer && cmd.Element != proto.ElemSms {
		return proto.Nack()
	}
	if d.notifier == nil {
		slog.Debug("Message dropped, no notifier configured", "session", sess.ID())
		return proto.Nack()
	}

	n := notify.Notification{
		Session: sess.ID(),
		Subject: "Device message",
		Body:    cmd.Comment,
		At:      d.clock.Now(),
	}
	if id := sess.Device(); id != 0 {
		n.DeviceID = string(id)
		n.Subject = "Message from device " + n.DeviceID
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		slog.Warn("Notification failed", "session", sess.ID(), "error", err)
		return proto.Nack()
	}
	return proto.Ack()
}

// parseWriteValue validates a write before anything touches the hardware.
func parseWriteValue(el proto.Element, raw string) (int, error) {
	switch el {
	case proto.ElemLed:
		switch raw {
		case "0":
			return 0, nil
		case "1":
			return 1, nil
		}
		return 0, fmt.Errorf("%w: led value %q", peripheral.ErrOutOfRange, raw)
	case proto.ElemPwm:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("pwm value %q: %w", raw, err)
		}
		if v < 0 || v > 100 {
			return 0, fmt.Errorf("%w: pwm value %d", peripheral.ErrOutOfRange, v)
		}
		return v, nil
	case proto.ElemAdc:
		return 0, peripheral.ErrReadOnly
	default:
		return 0, fmt.Errorf("%w: %s", peripheral.ErrUnsupported, el)
	}
}
