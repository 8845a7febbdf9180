// Package main provides the arena server binary: it hosts rooms, serves
// matchmaking over HTTP, and accepts room connections over WebSocket.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/gateway"
	"github.com/cory-johannsen/arena/internal/matchmaker"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/presence"
	"github.com/cory-johannsen/arena/internal/room"
	"github.com/cory-johannsen/arena/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	pres, err := buildPresence(cfg.Presence)
	if err != nil {
		logger.Fatal("initializing presence backend", zap.Error(err))
	}
	logger.Info("presence backend ready", zap.String("backend", cfg.Presence.Backend))

	drv := buildDriver(cfg.Driver)
	bootStart := time.Now()
	if err := drv.Boot(ctx); err != nil {
		logger.Fatal("booting room-cache driver", zap.Error(err))
	}
	logger.Info("room-cache driver ready",
		zap.String("backend", cfg.Driver.Backend),
		zap.Duration("elapsed", time.Since(bootStart)),
	)

	mm := matchmaker.New(matchmaker.Config{
		ProcessID:           cfg.Server.ProcessID,
		DevMode:             cfg.Server.DevMode,
		Presence:            pres,
		Driver:              drv,
		Logger:              logger,
		SeatReservationTTL:  cfg.Matchmaker.SeatReservationTTL,
		IPCTimeout:          cfg.Matchmaker.IPCTimeout,
		HealthCheckInterval: cfg.Matchmaker.HealthCheckInterval,
		PatchInterval:       cfg.Matchmaker.PatchInterval,
	})
	mm.Define("relay", func() any { return &relayRoom{} }).
		FilterBy("channel").
		EnableRealtimeListing()

	gw := gateway.New(gateway.Config{
		Addr:       cfg.Server.Addr(),
		MatchMaker: mm,
		Logger:     logger,
	})

	lifecycle := server.NewLifecycle(logger)

	matchmakerDone := make(chan struct{})
	lifecycle.Add("matchmaker", &server.FuncService{
		StartFn: func() error {
			if err := mm.Start(ctx); err != nil {
				return err
			}
			<-matchmakerDone
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mm.GracefulShutdown(shutdownCtx); err != nil {
				logger.Error("matchmaker shutdown", zap.Error(err))
			}
			if err := drv.Shutdown(shutdownCtx); err != nil {
				logger.Error("driver shutdown", zap.Error(err))
			}
			close(matchmakerDone)
		},
	})
	lifecycle.Add("gateway", gw)

	logger.Info("arena server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("processId", mm.ProcessID()),
		zap.Bool("devMode", cfg.Server.DevMode),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildPresence(cfg config.PresenceConfig) (presence.Presence, error) {
	switch cfg.Backend {
	case "nats":
		return presence.NewNATSPresence(cfg.URL, cfg.Bucket)
	default:
		return presence.NewLocalPresence(), nil
	}
}

func buildDriver(cfg config.DriverConfig) driver.Driver {
	switch cfg.Backend {
	case "postgres":
		return driver.NewPostgresDriver(cfg.Postgres)
	default:
		return driver.NewMemoryDriver()
	}
}

// relayRoom is the built-in room type: it rebroadcasts every message to the
// other occupants of the same channel.
type relayRoom struct{}

func (relayRoom) OnCreate(r *room.Room, options map[string]any) error {
	if n, ok := options["maxClients"].(float64); ok && n > 0 {
		r.SetMaxClients(int(n))
	}
	r.OnMessage("*", func(c *room.Client, msgType string, payload []byte) {
		r.BroadcastBytes(msgType, payload, room.Except(c))
	})
	return nil
}
