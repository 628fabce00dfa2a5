// Package admin exposes the operational gRPC surface: the standard health
// service and server reflection.
package admin

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LobbyService is the health service name reported alongside the overall status.
const LobbyService = "multiworld.Lobby"

// Server serves gRPC health checks. It reports NOT_SERVING until SetServing(true).
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a health server for addr.
//
// Precondition: addr must be a valid listen address; logger must be non-nil.
func NewServer(addr string, logger *zap.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{addr: addr, logger: logger, grpc: gs, health: hs}
	s.SetServing(false)
	return s
}

// SetServing flips the reported status of the server and the lobby service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(LobbyService, status)
	s.logger.Debug("health status changed", zap.String("status", status.String()))
}

// Serve listens on the configured address and blocks until Stop.
//
// Postcondition: Returns nil after Stop, or the listen or serve error.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("admin grpc server listening", zap.String("addr", ln.Addr().String()))
	if err := s.grpc.Serve(ln); err != nil {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server, letting
// in-flight checks finish.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the listening address, or "" before Serve has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
