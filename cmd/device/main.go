package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/config"
	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/notify"
	"github.com/mbocsi/devlink/peripheral"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
	"github.com/mbocsi/devlink/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	addr := flag.String("addr", "", "Server address, overrides device.server_addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Device.ServerAddr = *addr
	}
	config.SetupLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Device stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	codec := cfg.Codec()
	board := peripheral.NewBoard(nil)
	dispatcher := dispatch.New(board, dispatch.WithRequireLogin(cfg.Protocol.RequireLogin))

	var mq *notify.MQTT
	if cfg.MQTT.Broker != "" {
		var err error
		mq, err = notify.DialMQTT(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-" + cfg.Device.Name,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			StateTopic:  cfg.MQTT.StateTopic,
			NotifyTopic: cfg.MQTT.NotifyTopic,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return err
		}
		defer mq.Close()

		board.OnChange(func(el proto.Element, value int) {
			if el != proto.ElemLed {
				return
			}
			if err := mq.PublishState(cfg.Protocol.UserKey, value); err != nil {
				slog.Warn("Failed to publish LED state", "error", err)
			}
		})

		if cfg.Device.CommandTopic != "" {
			sess, err := mqttSession(cfg.MQTT.Broker)
			if err != nil {
				return err
			}
			err = mq.HandleCommands(ctx, cfg.Device.CommandTopic, func(ctx context.Context, line []byte) []byte {
				cmd, err := codec.Decode(line)
				if err != nil {
					slog.Warn("Invalid MQTT command", "error", err, "data", string(line))
					return proto.Nack().Encode()
				}
				return dispatcher.Dispatch(ctx, sess, cmd).Encode()
			})
			if err != nil {
				return err
			}
		}
	}

	addr := cfg.Device.ServerAddr
	if cfg.Device.Discover {
		svc, err := client.Discover(5 * time.Second)
		if err != nil {
			return err
		}
		addr = svc.Addr()
	}

	var t client.Transport
	switch cfg.Device.Transport {
	case "websocket":
		t = client.NewWebSocketTransport()
	default:
		framing, err := transport.ParseFraming(cfg.Device.Framing)
		if err != nil {
			return err
		}
		t = client.NewTCPTransport(framing)
	}

	c := client.NewClient(cfg.Device.Name, t, client.Options{
		Codec:      codec,
		Dispatcher: dispatcher,
		KeepAlive: session.KeepAliveConfig{
			Interval:  cfg.KeepAlive.Interval,
			MaxMissed: cfg.KeepAlive.MaxMissed,
		},
		ReconnectDelay: cfg.Device.ReconnectDelay,
	})
	c.OnTransition(func(tr session.Transition) {
		slog.Info("Session state changed", "session", tr.SessionID, "from", tr.From.String(), "to", tr.To.String(), "reason", tr.Reason)
	})

	action, err := buttonAction(cfg, c, mq)
	if err != nil {
		return err
	}
	button := peripheral.NewButton(nil, cfg.Device.ButtonDebounce)
	go readPresses(button)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx, addr) })
	g.Go(func() error {
		c.HandleButton(gctx, button.Edges(), action)
		return nil
	})
	return g.Wait()
}

func buttonAction(cfg config.Config, c *client.Client, mq *notify.MQTT) (client.ButtonAction, error) {
	device := cfg.Protocol.DeviceID
	switch cfg.Device.ButtonAction {
	case "mqtt":
		if mq == nil {
			return nil, fmt.Errorf("button action mqtt needs mqtt.broker")
		}
		return client.NotifyAction(mq, device, "Button", cfg.Device.ButtonMessage), nil
	case "smtp":
		mailer, err := notify.NewMailer(notify.MailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		})
		if err != nil {
			return nil, err
		}
		return client.NotifyAction(mailer, device, "Button", cfg.Device.ButtonMessage), nil
	default:
		return c.MessageAction(cfg.Device.ButtonMessage), nil
	}
}

// mqttSession is the always logged-in session MQTT commands run under.
func mqttSession(broker string) (*session.Session, error) {
	sess := session.New(nil)
	if err := sess.Connecting(); err != nil {
		return nil, err
	}
	if err := sess.Connected("mqtt:" + broker); err != nil {
		return nil, err
	}
	if err := sess.Login(); err != nil {
		return nil, err
	}
	return sess, nil
}

// readPresses treats every line on stdin as a button press.
func readPresses(button *peripheral.Button) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !button.Press() {
			slog.Info("Button press ignored", "reason", "debounce")
		}
	}
	button.Close()
}
