package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/config"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/event"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/server"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/socket"
	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/store/mongostore"
	"github.com/spf13/pflag"
)

func main() {
	flagSet := pflag.NewFlagSet("roomsocket", pflag.ContinueOnError)
	configPath := flagSet.String("config", config.DefaultPath, "path of the JSON configuration file")
	rooms := flagSet.StringSlice("room", nil, "rooms to join after connecting")
	mapID := flagSet.String("map-id", "", "external id to publish for this session")
	listen := flagSet.StringSlice("listen", nil, "events to subscribe to and log")
	emits := flagSet.StringArray("emit", nil, "event to emit once ready: [#room:|@externalId:|~sessionId:]event[=json]")
	metricsAddr := flagSet.String("metrics-addr", "", "override metrics_addr from the configuration")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	specs := make([]emitSpec, 0, len(*emits))
	for _, raw := range *emits {
		spec, err := parseEmit(raw)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		specs = append(specs, spec)
	}

	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.ReadConfigFrom(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	loggerCallback := logger.Init(cfg)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	ctx := context.Background()
	client, err := mongostore.Connect(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return
	}
	cleaner.Add(mongostore.NewCloseCallback(client))

	conn, err := client.Open(ctx)
	if err != nil {
		logger.FatalF("Error occured while opening store connection, details: %v", err)
		return
	}
	s, err := socket.New(ctx, conn, socket.FromConfig(cfg.Socket))
	if err != nil {
		logger.FatalF("Error occured while connecting socket, details: %v", err)
		return
	}
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		s.Disconnect(ctx)
		return conn.Close(ctx)
	}))

	if cfg.MetricsAddr != "" {
		metrics, err := server.StartMetricsServer(cfg.MetricsAddr, s.Connected)
		if err != nil {
			logger.FatalF("Error occured while starting metrics server, details: %v", err)
			return
		}
		cleaner.Add(metrics)
	}

	if *mapID != "" {
		if err := s.MapID(ctx, *mapID); err != nil {
			return
		}
	}
	// 保持身份映射最新，--emit @id 才能解析
	if _, err := s.WatchSessions(ctx, func(refs []socket.SessionRef) {
		logger.DebugF("[%s] %d mapped session(s) online", s.ID(), len(refs))
	}); err != nil {
		return
	}
	for _, room := range *rooms {
		_ = s.Join(ctx, room, nil)
	}
	for _, name := range *listen {
		_, _ = s.On(ctx, name, func(msg socket.Message) {
			logger.InfoF("[%s] Received %s event %s (room=%q mappedId=%q): %v", s.ID(), msg.Scope, msg.Event, msg.Room, msg.MappedID, msg.Data)
		})
	}
	for _, spec := range specs {
		_ = spec.send(ctx, s)
	}

	logger.InfoF("[%s] Socket ready, rooms=%v", s.ID(), s.Rooms())
	<-s.Done()
	logger.Warn("Socket disconnected, exiting")
}
