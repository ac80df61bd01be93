// Package config loads the TOML configuration shared by the server and
// device binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/transport"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Protocol  ProtocolConfig  `toml:"protocol"`
	Server    ServerConfig    `toml:"server"`
	Device    DeviceConfig    `toml:"device"`
	KeepAlive KeepAliveConfig `toml:"keepalive"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	SMTP      SMTPConfig      `toml:"smtp"`
	Redis     RedisConfig     `toml:"redis"`
	NATS      NATSConfig      `toml:"nats"`
	Database  DatabaseConfig  `toml:"database"`
	Log       LogConfig       `toml:"log"`
}

type ProtocolConfig struct {
	Identifier   string `toml:"identifier"`
	UserKey      string `toml:"user_key"`
	DeviceID     string `toml:"device_id"`
	MultiDevice  bool   `toml:"multi_device"`
	Trailer      bool   `toml:"trailer"`
	RequireLogin bool   `toml:"require_login"`
}

type ServerConfig struct {
	TCPAddr      string        `toml:"tcp_addr"`
	WSAddr       string        `toml:"ws_addr"`
	UDPAddr      string        `toml:"udp_addr"`
	HTTPAddr     string        `toml:"http_addr"`
	Framing      string        `toml:"framing"`
	RelayTimeout time.Duration `toml:"relay_timeout"`
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	MDNS         bool          `toml:"mdns"`
	MDNSInstance string        `toml:"mdns_instance"`
}

type DeviceConfig struct {
	Name           string        `toml:"name"`
	ServerAddr     string        `toml:"server_addr"`
	Transport      string        `toml:"transport"`
	Framing        string        `toml:"framing"`
	ReconnectDelay time.Duration `toml:"reconnect_delay"`
	ButtonDebounce time.Duration `toml:"button_debounce"`
	ButtonAction   string        `toml:"button_action"`
	ButtonMessage  string        `toml:"button_message"`
	CommandTopic   string        `toml:"command_topic"`
	Discover       bool          `toml:"discover"`
}

type KeepAliveConfig struct {
	Interval  time.Duration `toml:"interval"`
	MaxMissed int           `toml:"max_missed"`
}

type MQTTConfig struct {
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	StateTopic  string `toml:"state_topic"`
	NotifyTopic string `toml:"notify_topic"`
	QoS         int    `toml:"qos"`
}

type SMTPConfig struct {
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

type RedisConfig struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	TTL      time.Duration `toml:"ttl"`
}

type NATSConfig struct {
	URL       string `toml:"url"`
	Prefix    string `toml:"prefix"`
	GatewayID string `toml:"gateway_id"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Protocol: ProtocolConfig{
			Identifier: "UABC",
			UserKey:    "EGC",
		},
		Server: ServerConfig{
			TCPAddr:      ":8266",
			UDPAddr:      ":8267",
			HTTPAddr:     ":8080",
			Framing:      string(transport.FramingMessage),
			RelayTimeout: 5 * time.Second,
		},
		Device: DeviceConfig{
			Name:           "devlink-device",
			ServerAddr:     "localhost:8266",
			Transport:      "tcp",
			Framing:        string(transport.FramingMessage),
			ButtonDebounce: time.Minute,
			ButtonAction:   "message",
			ButtonMessage:  "Button pressed",
		},
		KeepAlive: KeepAliveConfig{
			Interval:  15 * time.Second,
			MaxMissed: 3,
		},
		MQTT: MQTTConfig{
			ClientID:    "devlink",
			StateTopic:  "device/led",
			NotifyTopic: "device/notify",
		},
		SMTP: SMTPConfig{Port: 587},
		Redis: RedisConfig{
			Prefix: "devlink",
			TTL:    time.Minute,
		},
		NATS: NATSConfig{Prefix: "devlink"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, applies DEVLINK_* environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Protocol.Identifier = getEnv("DEVLINK_IDENTIFIER", c.Protocol.Identifier)
	c.Protocol.UserKey = getEnv("DEVLINK_USER_KEY", c.Protocol.UserKey)
	c.Protocol.DeviceID = getEnv("DEVLINK_DEVICE_ID", c.Protocol.DeviceID)
	c.Protocol.RequireLogin = getEnvAsBool("DEVLINK_REQUIRE_LOGIN", c.Protocol.RequireLogin)
	c.Server.TCPAddr = getEnv("DEVLINK_TCP_ADDR", c.Server.TCPAddr)
	c.Server.WSAddr = getEnv("DEVLINK_WS_ADDR", c.Server.WSAddr)
	c.Server.UDPAddr = getEnv("DEVLINK_UDP_ADDR", c.Server.UDPAddr)
	c.Server.HTTPAddr = getEnv("DEVLINK_HTTP_ADDR", c.Server.HTTPAddr)
	c.Device.ServerAddr = getEnv("DEVLINK_SERVER_ADDR", c.Device.ServerAddr)
	c.KeepAlive.MaxMissed = getEnvAsInt("DEVLINK_KEEPALIVE_MAX_MISSED", c.KeepAlive.MaxMissed)
	c.MQTT.Broker = getEnv("DEVLINK_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("DEVLINK_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("DEVLINK_MQTT_PASSWORD", c.MQTT.Password)
	c.SMTP.Host = getEnv("DEVLINK_SMTP_HOST", c.SMTP.Host)
	c.SMTP.Password = getEnv("DEVLINK_SMTP_PASSWORD", c.SMTP.Password)
	c.Redis.Addr = getEnv("DEVLINK_REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("DEVLINK_NATS_URL", c.NATS.URL)
	c.Database.URL = getEnv("DEVLINK_DATABASE_URL", c.Database.URL)
	c.Log.Level = getEnv("DEVLINK_LOG_LEVEL", c.Log.Level)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func (c Config) Validate() error {
	p := c.Protocol
	if strings.TrimSpace(p.Identifier) == "" || strings.Contains(p.Identifier, ":") {
		return fmt.Errorf("%w: protocol identifier %q", ErrInvalid, p.Identifier)
	}
	if strings.TrimSpace(p.UserKey) == "" || strings.Contains(p.UserKey, ":") {
		return fmt.Errorf("%w: protocol user_key %q", ErrInvalid, p.UserKey)
	}
	if len(p.DeviceID) > 1 || p.DeviceID == ":" {
		return fmt.Errorf("%w: protocol device_id must be a single character, got %q", ErrInvalid, p.DeviceID)
	}
	if p.DeviceID != "" && p.MultiDevice {
		return fmt.Errorf("%w: protocol device_id and multi_device are exclusive", ErrInvalid)
	}

	if _, err := transport.ParseFraming(c.Server.Framing); err != nil {
		return fmt.Errorf("%w: server framing: %v", ErrInvalid, err)
	}
	if _, err := transport.ParseFraming(c.Device.Framing); err != nil {
		return fmt.Errorf("%w: device framing: %v", ErrInvalid, err)
	}
	if c.Server.RelayTimeout < 0 || c.Server.IdleTimeout < 0 || c.Device.ReconnectDelay < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.Server.IdleTimeout > 0 && c.Server.IdleTimeout < time.Second {
		return fmt.Errorf("%w: server idle_timeout %v is below 1s", ErrInvalid, c.Server.IdleTimeout)
	}

	switch c.Device.Transport {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("%w: device transport %q (want tcp or websocket)", ErrInvalid, c.Device.Transport)
	}
	switch c.Device.ButtonAction {
	case "", "message", "mqtt", "smtp":
	default:
		return fmt.Errorf("%w: device button_action %q", ErrInvalid, c.Device.ButtonAction)
	}

	if c.KeepAlive.Interval <= 0 {
		return fmt.Errorf("%w: keepalive interval must be positive", ErrInvalid)
	}
	if c.KeepAlive.MaxMissed <= 0 {
		return fmt.Errorf("%w: keepalive max_missed must be positive", ErrInvalid)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos %d", ErrInvalid, c.MQTT.QoS)
	}
	if c.SMTP.Host != "" && (c.SMTP.From == "" || len(c.SMTP.To) == 0) {
		return fmt.Errorf("%w: smtp needs from and to when host is set", ErrInvalid)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Codec builds the protocol codec described by the protocol section.
func (c Config) Codec() proto.Codec {
	codec := proto.Codec{
		Identifier:  c.Protocol.Identifier,
		UserKey:     c.Protocol.UserKey,
		MultiDevice: c.Protocol.MultiDevice,
		Trailer:     c.Protocol.Trailer,
	}
	if c.Protocol.DeviceID != "" {
		codec.DeviceID = c.Protocol.DeviceID[0]
	}
	return codec
}
