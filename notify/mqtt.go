package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrMQTTTimeout = errors.New("notify: mqtt operation timed out")

const (
	DefaultStateTopic  = "device/led"
	DefaultNotifyTopic = "device/notify"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	StateTopic  string
	NotifyTopic string
	QoS         byte
	Timeout     time.Duration
}

// mqttClient is the part of mqtt.Client used here.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes device state and notifications to a broker and can accept
// protocol lines on a command topic.
type MQTT struct {
	client mqttClient
	cfg    MQTTConfig
}

// DialMQTT connects to the broker and blocks until the connection is up.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	cfg = cfg.withDefaults()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			slog.Info("MQTT connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
		})

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect(), cfg.Timeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client mqttClient, cfg MQTTConfig) *MQTT {
	return &MQTT{client: client, cfg: cfg.withDefaults()}
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.StateTopic == "" {
		c.StateTopic = DefaultStateTopic
	}
	if c.NotifyTopic == "" {
		c.NotifyTopic = DefaultNotifyTopic
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "devlink"
	}
	return c
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrMQTTTimeout
	}
	return token.Error()
}

func (m *MQTT) publish(topic string, payload []byte) error {
	if err := wait(m.client.Publish(topic, m.cfg.QoS, false, payload), m.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// PublishState reports a peripheral value as "<user_key>:<value>" on the
// state topic.
func (m *MQTT) PublishState(userKey string, value int) error {
	payload := userKey + ":" + strconv.Itoa(value)
	slog.Debug("Publishing device state", "topic", m.cfg.StateTopic, "payload", payload)
	return m.publish(m.cfg.StateTopic, []byte(payload))
}

func (m *MQTT) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return m.publish(m.cfg.NotifyTopic, payload)
}

// HandleCommands subscribes to topic and answers each payload with the
// handler's reply on "<topic>/status".
func (m *MQTT) HandleCommands(ctx context.Context, topic string, handler func(ctx context.Context, line []byte) []byte) error {
	status := topic + "/status"
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		slog.Debug("MQTT command received", "topic", msg.Topic(), "payload", string(msg.Payload()))
		reply := handler(ctx, msg.Payload())
		if err := m.publish(status, reply); err != nil {
			slog.Warn("Failed to publish command status", "topic", status, "error", err)
		}
	}
	if err := wait(m.client.Subscribe(topic, m.cfg.QoS, callback), m.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	slog.Info("Subscribed to MQTT command topic", "topic", topic)
	return nil
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
