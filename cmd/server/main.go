package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/devlink/config"
	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/mcp"
	"github.com/mbocsi/devlink/notify"
	"github.com/mbocsi/devlink/peripheral"
	"github.com/mbocsi/devlink/server"
	"github.com/mbocsi/devlink/store"
	"github.com/mbocsi/devlink/transport"
	"github.com/mbocsi/devlink/web"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	serveMCP := flag.Bool("mcp", false, "Serve MCP tools on stdio")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// stdout belongs to the MCP protocol when serving on stdio
	var logOut io.Writer = os.Stdout
	if *serveMCP {
		logOut = os.Stderr
	}
	config.SetupLogger(cfg.Log, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *serveMCP); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, serveMCP bool) error {
	var (
		notifiers      notify.Multi
		observers      []func(dispatch.Exchange)
		registry       server.Registry = server.NewMemoryRegistry()
		exchangeSource web.ExchangeSource
	)

	if cfg.Database.URL != "" {
		st, err := store.Open(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer st.Close()
		slog.Info("Connected to database")
		observers = append(observers, st.Observer(2*time.Second))
		exchangeSource = st
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		redisRegistry := server.NewRedisRegistry(redisClient, cfg.Redis.Prefix, cfg.Redis.TTL)
		registry = redisRegistry
		observers = append(observers, redisRegistry.RecordExchange)
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("devlink-server"))
		if err != nil {
			return err
		}
		defer conn.Close()
		slog.Info("Connected to NATS", "url", cfg.NATS.URL)
		natsConn = conn
	}

	if cfg.MQTT.Broker != "" {
		mq, err := notify.DialMQTT(mqttConfig(cfg, "-server"))
		if err != nil {
			return err
		}
		defer mq.Close()
		notifiers = append(notifiers, mq)
	}

	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewMailer(notify.MailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, mailer)
	}

	// The bridge relays through the server, so it is built after it and
	// published to through this closure.
	var natsBridge *server.NATSBridge
	if natsConn != nil {
		observers = append(observers, func(ex dispatch.Exchange) { natsBridge.PublishExchange(ex) })
	}

	opts := []dispatch.Option{dispatch.WithRequireLogin(cfg.Protocol.RequireLogin)}
	if len(notifiers) > 0 {
		opts = append(opts, dispatch.WithNotifier(notifiers))
	}
	for _, fn := range observers {
		opts = append(opts, dispatch.WithObserver(fn))
	}
	srv := server.NewServer(server.ServerOptions{
		Codec:          cfg.Codec(),
		Dispatcher:     dispatch.New(peripheral.NewBoard(nil), opts...),
		Registry:       registry,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RelayObservers: observers,
	})
	if natsConn != nil {
		natsBridge = server.NewNATSBridge(natsConn, cfg.NATS.Prefix, cfg.NATS.GatewayID, srv, cfg.Server.RelayTimeout)
	}

	framing, err := transport.ParseFraming(cfg.Server.Framing)
	if err != nil {
		return err
	}
	tcpServer := server.NewTCPTransport(cfg.Server.TCPAddr, framing)
	tcpServer.SetName("Device TCP")
	tcpServer.SetDescription("Persistent device connection, one device at a time")
	srv.RegisterTransport(tcpServer)

	if cfg.Server.WSAddr != "" {
		wsServer := server.NewWSTransport(cfg.Server.WSAddr)
		wsServer.SetName("Device WebSocket")
		wsServer.SetDescription("Device connection over WebSocket")
		srv.RegisterTransport(wsServer)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })

	if cfg.Server.UDPAddr != "" {
		udpBridge := server.NewUDPBridge(cfg.Server.UDPAddr, srv, cfg.Server.RelayTimeout)
		g.Go(func() error { return udpBridge.Start(gctx) })
	}

	if natsBridge != nil {
		g.Go(func() error { return natsBridge.Start(gctx) })
	}

	if cfg.Server.HTTPAddr != "" {
		api := web.NewAPI(srv, exchangeSource, cfg.Server.RelayTimeout)
		g.Go(func() error { return api.Start(cfg.Server.HTTPAddr) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.MDNS {
		select {
		case <-tcpServer.Ready():
		case <-gctx.Done():
			return g.Wait()
		}
		if mdnsServer, err := advertise(cfg, tcpServer.ListenAddr(), framing); err != nil {
			slog.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	if serveMCP {
		mcpServer := mcp.NewMCPServer(srv, cfg.Server.RelayTimeout)
		go func() {
			if err := mcpServer.Run(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
		}()
	}

	return g.Wait()
}

func mqttConfig(cfg config.Config, suffix string) notify.MQTTConfig {
	return notify.MQTTConfig{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID + suffix,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		StateTopic:  cfg.MQTT.StateTopic,
		NotifyTopic: cfg.MQTT.NotifyTopic,
		QoS:         byte(cfg.MQTT.QoS),
	}
}

func advertise(cfg config.Config, listenAddr string, framing transport.Framing) (*mdns.Server, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return server.Advertise(cfg.Server.MDNSInstance, port, []string{"framing=" + string(framing)})
}
