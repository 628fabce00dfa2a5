// Package main provides the multiworld bridge: it joins a room on a server
// and relays items between that room and a local emulator plugin.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/client"
	"github.com/cory-johannsen/multiworld/internal/companion"
	"github.com/cory-johannsen/multiworld/internal/config"
	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/server"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file; empty uses built-in defaults")
	serverAddr := flag.String("server", "", "host:port of a custom server; empty uses the default public server")
	tlsName := flag.String("tls-server-name", "", "request TLS from -server, validating this certificate name")
	ipv6 := flag.Bool("ipv6", false, "reach the default public server over IPv6")
	roomName := flag.String("room", "", "room to join, created if it does not exist")
	password := flag.String("password", "", "room password")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging, "multiworld-bridge")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if *roomName == "" {
		logger.Fatal("-room is required")
	}

	host := client.DefaultIPv4
	switch {
	case *serverAddr != "" && *tlsName != "":
		host = transport.EncryptedHost(*serverAddr, *tlsName)
	case *serverAddr != "":
		host = client.Custom(*serverAddr)
	case *ipv6:
		host = client.DefaultIPv6
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Network.HandshakeTimeout)
	lobbyClient, err := client.Connect(ctx, host, transport.DialOptions{Timeout: cfg.Network.WriteTimeout})
	if err != nil {
		cancel()
		logger.Fatal("connecting to server", zap.String("server", host.String()), zap.Error(err))
	}
	roomClient, err := lobbyClient.Connect(ctx, *roomName, *password)
	cancel()
	if err != nil {
		logger.Fatal("entering room", zap.String("room", *roomName), zap.Error(err))
	}
	defer roomClient.Close()
	logger.Info("entered room",
		zap.String("server", host.String()),
		zap.String("room", *roomName),
		zap.Uint8("unassigned_clients", roomClient.UnassignedCount()),
	)

	ln, err := net.Listen("tcp", cfg.Companion.Addr())
	if err != nil {
		logger.Fatal("listening for plugin", zap.String("addr", cfg.Companion.Addr()), zap.Error(err))
	}

	bridge := companion.NewBridge(roomClient, logger)
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()

	lifecycle := server.NewLifecycle(logger, 5*time.Second)
	lifecycle.Add("room", &server.FuncService{
		ServeFn: func() error { return bridge.Run(bridgeCtx) },
		StopFn:  stopBridge,
	})
	lifecycle.Add("companion", &server.FuncService{
		ServeFn: func() error { return bridge.ListenAndServe(bridgeCtx, ln, cfg.Network.HandshakeTimeout) },
		StopFn:  stopBridge,
	})

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("bridge stopped", zap.Error(err))
	}
}
