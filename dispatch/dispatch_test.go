package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/mbocsi/devlink/notify"
	"github.com/mbocsi/devlink/peripheral"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
)

// MockPeripheral records every call the dispatcher makes.
type MockPeripheral struct {
	values  map[proto.Element]int
	readErr error
	writes  []proto.Element
	reads   []proto.Element
}

func NewMockPeripheral() *MockPeripheral {
	return &MockPeripheral{values: make(map[proto.Element]int)}
}

func (m *MockPeripheral) Read(el proto.Element) (int, error) {
	m.reads = append(m.reads, el)
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.values[el], nil
}

func (m *MockPeripheral) Write(el proto.Element, value int) error {
	m.writes = append(m.writes, el)
	m.values[el] = value
	return nil
}

type MockNotifier struct {
	received []notify.Notification
	err      error
}

func (m *MockNotifier) Notify(ctx context.Context, n notify.Notification) error {
	m.received = append(m.received, n)
	return m.err
}

func newSession(t *testing.T, loggedIn bool) *session.Session {
	t.Helper()
	sess := session.New(clock.NewMock())
	sess.Connecting()
	sess.Connected("10.0.0.7:40000")
	if loggedIn {
		sess.Login()
	}
	return sess
}

func cmd(op proto.Operation, el proto.Element, value string) proto.Command {
	return proto.Command{Identifier: "UABC", UserKey: "EGC", Operation: op, Element: el, Value: value}
}

func TestDispatch_LoginAlwaysAcks(t *testing.T) {
	d := New(NewMockPeripheral())

	for _, loggedIn := range []bool{false, true} {
		sess := newSession(t, loggedIn)
		resp := d.Dispatch(context.Background(), sess, cmd(proto.OpLogin, proto.ElemServer, ""))
		if resp != proto.Ack() {
			t.Errorf("Expected ACK for login (logged in before: %v), got %s", loggedIn, resp)
		}
		if !sess.LoggedIn() {
			t.Error("Expected session to be logged in")
		}
	}
}

func TestDispatch_LoginOnDisconnectedSession(t *testing.T) {
	d := New(NewMockPeripheral())
	sess := session.New(clock.NewMock())

	resp := d.Dispatch(context.Background(), sess, cmd(proto.OpLogin, proto.ElemServer, ""))
	if resp != proto.Ack() {
		t.Errorf("Expected ACK for login on a disconnected session, got %s", resp)
	}
	if sess.State() != session.Disconnected {
		t.Errorf("Expected session to stay disconnected, got %s", sess.State())
	}
}

func TestDispatch_LoginRecordsDevice(t *testing.T) {
	d := New(NewMockPeripheral())
	sess := newSession(t, false)

	login := cmd(proto.OpLogin, proto.ElemServer, "")
	login.DeviceID = '2'
	d.Dispatch(context.Background(), sess, login)

	if sess.Device() != '2' {
		t.Errorf("Expected device '2', got %q", sess.Device())
	}
}

func TestDispatch_KeepAlive(t *testing.T) {
	d := New(NewMockPeripheral())

	sess := newSession(t, false)
	if resp := d.Dispatch(context.Background(), sess, cmd(proto.OpKeepAlive, proto.ElemServer, "")); resp != proto.Nack() {
		t.Errorf("Expected NACK before login, got %s", resp)
	}

	sess = newSession(t, true)
	if resp := d.Dispatch(context.Background(), sess, cmd(proto.OpKeepAlive, proto.ElemServer, "")); resp != proto.Ack() {
		t.Errorf("Expected ACK after login, got %s", resp)
	}
}

func TestDispatch_WriteLed(t *testing.T) {
	p := NewMockPeripheral()
	d := New(p)
	sess := newSession(t, true)

	resp := d.Dispatch(context.Background(), sess, cmd(proto.OpWrite, proto.ElemLed, "1"))
	if resp != proto.AckValue(1) {
		t.Errorf("Expected ACK:1, got %s", resp)
	}
	if p.values[proto.ElemLed] != 1 {
		t.Errorf("Expected led to be 1, got %d", p.values[proto.ElemLed])
	}
}

func TestDispatch_WriteLedOutOfRangeNeverWrites(t *testing.T) {
	p := NewMockPeripheral()
	d := New(p)
	sess := newSession(t, true)

	for _, value := range []string{"2", "", "on", "-1", "01"} {
		resp := d.Dispatch(context.Background(), sess, cmd(proto.OpWrite, proto.ElemLed, value))
		if resp != proto.Nack() {
			t.Errorf("Expected NACK for led value %q, got %s", value, resp)
		}
	}
	if len(p.writes) != 0 {
		t.Errorf("Expected no peripheral writes, got %d", len(p.writes))
	}
}

func TestDispatch_WritePwm(t *testing.T) {
	board := peripheral.NewBoard(peripheral.FixedADC(0))
	d := New(board)
	sess := newSession(t, true)

	resp := d.Dispatch(context.Background(), sess, cmd(proto.OpWrite, proto.ElemPwm, "42"))
	if resp != proto.AckValue(41) {
		t.Errorf("Expected quantized ACK:41, got %s", resp)
	}

	p := NewMockPeripheral()
	d = New(p)
	for _, value := range []string{"101", "-5", "half", "4.5"} {
		if resp := d.Dispatch(context.Background(), sess, cmd(proto.OpWrite, proto.ElemPwm, value)); resp != proto.Nack() {
			t.Errorf("Expected NACK for pwm value %q, got %s", value, resp)
		}
	}
	if len(p.writes) != 0 {
		t.Errorf("Expected no peripheral writes, got %d", len(p.writes))
	}
}

func TestDispatch_WriteAdcAlwaysNacks(t *testing.T) {
	p := NewMockPeripheral()
	d := New(p)
	sess := newSession(t, true)

	for _, value := range []string{"0", "1", "4095", "", "x"} {
		if resp := d.Dispatch(context.Background(), sess, cmd(proto.OpWrite, proto.ElemAdc, value)); resp != proto.Nack() {
			t.Errorf("Expected NACK for adc write %q, got %s", value, resp)
		}
	}
	if len(p.writes) != 0 {
		t.Errorf("Expected no peripheral writes, got %d", len(p.writes))
	}
}

func TestDispatch_ReadPwm(t *testing.T) {
	p := NewMockPeripheral()
	p.values[proto.ElemPwm] = 42
	d := New(p)

	resp := d.Dispatch(context.Background(), newSession(t, true), cmd(proto.OpRead, proto.ElemPwm, ""))
	if resp != proto.AckValue(42) {
		t.Errorf("Expected ACK:42, got %s", resp)
	}
}

func TestDispatch_ReadFailureNacks(t *testing.T) {
	p := NewMockPeripheral()
	p.readErr = peripheral.ErrReadFailed
	d := New(p)

	resp := d.Dispatch(context.Background(), newSession(t, true), cmd(proto.OpRead, proto.ElemAdc, ""))
	if resp != proto.Nack() {
		t.Errorf("Expected NACK on read failure, got %s", resp)
	}
}

func TestDispatch_UnknownElementNacks(t *testing.T) {
	p := NewMockPeripheral()
	d := New(p)
	sess := newSession(t, true)

	for _, c := range []proto.Command{
		cmd(proto.OpRead, proto.Element('Z'), ""),
		cmd(proto.OpWrite, proto.Element('Z'), "1"),
		cmd(proto.OpRead, proto.ElemServer, ""),
		cmd(proto.OpLogin, proto.ElemLed, ""),
		cmd(proto.OpKeepAlive, proto.ElemAdc, ""),
		cmd(proto.OpMessage, proto.ElemLed, ""),
	} {
		if resp := d.Dispatch(context.Background(), sess, c); resp != proto.Nack() {
			t.Errorf("Expected NACK for %s %s, got %s", c.Operation, c.Element, resp)
		}
	}
	if len(p.writes) != 0 || len(p.reads) != 0 {
		t.Errorf("Expected no peripheral access, got %d writes and %d reads", len(p.writes), len(p.reads))
	}
}

func TestDispatch_RequireLogin(t *testing.T) {
	p := NewMockPeripheral()
	gated := New(p, WithRequireLogin(true))
	open := New(p)

	sess := newSession(t, false)
	write := cmd(proto.OpWrite, proto.ElemLed, "1")

	if resp := gated.Dispatch(context.Background(), sess, write); resp != proto.Nack() {
		t.Errorf("Expected gated dispatcher to NACK before login, got %s", resp)
	}
	if len(p.writes) != 0 {
		t.Fatal("Expected gated write not to reach the peripheral")
	}

	if resp := open.Dispatch(context.Background(), sess, write); resp != proto.AckValue(1) {
		t.Errorf("Expected ungated dispatcher to ACK:1 before login, got %s", resp)
	}

	gated.Dispatch(context.Background(), sess, cmd(proto.OpLogin, proto.ElemServer, ""))
	if resp := gated.Dispatch(context.Background(), sess, cmd(proto.OpRead, proto.ElemLed, "")); resp != proto.AckValue(1) {
		t.Errorf("Expected gated dispatcher to ACK:1 after login, got %s", resp)
	}
}

func TestDispatch_Message(t *testing.T) {
	notifier := &MockNotifier{}
	d := New(NewMockPeripheral(), WithNotifier(notifier))
	sess := newSession(t, true)
	sess.SetDevice('1')

	msg := cmd(proto.OpMessage, proto.ElemSms, "")
	msg.Comment = "button pressed"
	if resp := d.Dispatch(context.Background(), sess, msg); resp != proto.Ack() {
		t.Fatalf("Expected ACK, got %s", resp)
	}
	if len(notifier.received) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notifier.received))
	}
	n := notifier.received[0]
	if n.Body != "button pressed" || n.DeviceID != "1" || n.Session != sess.ID() {
		t.Errorf("Unexpected notification %+v", n)
	}

	notifier.err = errors.New("smtp down")
	if resp := d.Dispatch(context.Background(), sess, msg); resp != proto.Nack() {
		t.Errorf("Expected NACK on notifier failure, got %s", resp)
	}
}

func TestDispatch_MessageWithoutNotifier(t *testing.T) {
	d := New(NewMockPeripheral())

	resp := d.Dispatch(context.Background(), newSession(t, true), cmd(proto.OpMessage, proto.ElemServer, ""))
	if resp != proto.Nack() {
		t.Errorf("Expected NACK without notifier, got %s", resp)
	}
}

func TestDispatch_Observer(t *testing.T) {
	var seen []Exchange
	d := New(NewMockPeripheral(), WithObserver(func(ex Exchange) { seen = append(seen, ex) }))
	sess := newSession(t, true)

	c := cmd(proto.OpWrite, proto.ElemLed, "1")
	c.DeviceID = '3'
	d.Dispatch(context.Background(), sess, c)

	if len(seen) != 1 {
		t.Fatalf("Expected 1 exchange, got %d", len(seen))
	}
	ex := seen[0]
	if ex.SessionID != sess.ID() || ex.DeviceID != "3" || ex.Remote != "10.0.0.7:40000" {
		t.Errorf("Unexpected exchange metadata %+v", ex)
	}
	if ex.Response != proto.AckValue(1) {
		t.Errorf("Expected recorded response ACK:1, got %s", ex.Response)
	}
}
