// Package main provides the multiworld room server: the public and custom
// session endpoints plus the optional admin health service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/admin"
	"github.com/cory-johannsen/multiworld/internal/config"
	"github.com/cory-johannsen/multiworld/internal/lobby"
	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/room"
	"github.com/cory-johannsen/multiworld/internal/server"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses built-in defaults")
	stopTimeout := flag.Duration("stop-timeout", 10*time.Second, "how long to wait for services to stop")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging, "multiworld-server")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	registry := lobby.NewRegistry(lobby.Options{
		Room: room.Options{SharedItemKinds: cfg.Room.SharedItemKinds},
	}, logger)
	handler := lobby.NewHandler(registry, cfg.Network.OutboxSize, logger)

	lifecycle := server.NewLifecycle(logger, *stopTimeout)

	if cfg.Public.Enabled {
		ep, err := transport.PublicEndpoint(cfg)
		if err != nil {
			logger.Fatal("configuring public endpoint", zap.Error(err))
		}
		acc := transport.NewAcceptor(ep, handler, logger)
		lifecycle.Add("public", &server.FuncService{ServeFn: acc.ListenAndServe, StopFn: acc.Stop})
	}
	if cfg.Custom.Enabled {
		acc := transport.NewAcceptor(transport.CustomEndpoint(cfg), handler, logger)
		lifecycle.Add("custom", &server.FuncService{ServeFn: acc.ListenAndServe, StopFn: acc.Stop})
	}
	if cfg.Admin.Enabled {
		health := admin.NewServer(cfg.Admin.Addr(), logger)
		lifecycle.Add("admin", health)
		lifecycle.OnReady(func() { health.SetServing(true) })
		lifecycle.OnStopping(func() { health.SetServing(false) })
	}

	logger.Info("multiworld server initialized",
		zap.Bool("public", cfg.Public.Enabled),
		zap.Bool("custom", cfg.Custom.Enabled),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Uint16s("shared_item_kinds", cfg.Room.SharedItemKinds),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
