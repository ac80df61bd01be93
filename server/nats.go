package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/proto"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the uplink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// UplinkMessage is the JSON body published for every dispatched command.
type UplinkMessage struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Operation string    `json:"operation"`
	Element   string    `json:"element"`
	Value     string    `json:"value,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSBridge publishes device traffic on <prefix>.uplink.* subjects and
// relays raw command lines received on <prefix>.downlink.<gateway> to the
// linked device.
type NATSBridge struct {
	conn    *nats.Conn
	pub     Publisher
	prefix  string
	gateway string
	relay   Relayer
	timeout time.Duration
}

func NewNATSBridge(conn *nats.Conn, prefix, gateway string, relay Relayer, timeout time.Duration) *NATSBridge {
	if prefix == "" {
		prefix = "devlink"
	}
	if gateway == "" {
		gateway = "default"
	}
	return &NATSBridge{conn: conn, pub: conn, prefix: prefix, gateway: gateway, relay: relay, timeout: timeout}
}

func (b *NATSBridge) UplinkSubject(op proto.Operation) string {
	return b.prefix + ".uplink." + op.String()
}

func (b *NATSBridge) DownlinkSubject() string {
	return b.prefix + ".downlink." + b.gateway
}

// PublishExchange is installed as a dispatcher observer.
func (b *NATSBridge) PublishExchange(ex dispatch.Exchange) {
	data, err := json.Marshal(newUplinkMessage(ex))
	if err != nil {
		slog.Warn("Failed to encode uplink message", "error", err)
		return
	}
	for _, subject := range []string{b.UplinkSubject(ex.Command.Operation), b.prefix + ".uplink.all"} {
		if err := b.pub.Publish(subject, data); err != nil {
			slog.Warn("Failed to publish uplink message", "subject", subject, "error", err)
		}
	}
	slog.Debug("Published uplink message", "operation", ex.Command.Operation.String(), "session", ex.SessionID)
}

func newUplinkMessage(ex dispatch.Exchange) UplinkMessage {
	return UplinkMessage{
		SessionID: ex.SessionID,
		DeviceID:  ex.DeviceID,
		Remote:    ex.Remote,
		Operation: ex.Command.Operation.String(),
		Element:   ex.Command.Element.String(),
		Value:     ex.Command.Value,
		Comment:   ex.Command.Comment,
		Response:  ex.Response.String(),
		Timestamp: ex.At,
	}
}

// Start subscribes to the downlink subject until ctx is done.
func (b *NATSBridge) Start(ctx context.Context) error {
	subject := b.DownlinkSubject()
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := b.handleDownlink(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			slog.Warn("Failed to respond to downlink", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return err
	}
	slog.Info("Subscribed to downlink commands", "subject", subject)

	<-ctx.Done()
	return sub.Unsubscribe()
}

func (b *NATSBridge) handleDownlink(ctx context.Context, data []byte) []byte {
	line := []byte(strings.TrimSpace(string(data)))
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	reply, err := b.relay.Relay(ctx, line)
	if err != nil {
		slog.Warn("Downlink relay failed", "error", err, "data", string(line))
		return proto.Nack().Encode()
	}
	return reply
}
