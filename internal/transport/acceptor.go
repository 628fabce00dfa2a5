package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/config"
	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// SessionHandler processes a connection that completed the handshake.
// Implementations run the lobby and room loop for a single client.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Endpoint describes one listening socket.
type Endpoint struct {
	// Name labels the endpoint in logs, e.g. "public" or "custom".
	Name string
	// Addr is the "host:port" to listen on.
	Addr string
	// TLS, if non-nil, makes the endpoint require an Encrypt request and upgrade to TLS.
	TLS *tls.Config

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// PublicEndpoint builds the TLS-upgraded endpoint from configuration.
//
// Precondition: cfg.Public.CertFile and KeyFile must name a readable PEM key pair.
// Postcondition: Returns an Endpoint with a non-nil TLS config, or an error.
func PublicEndpoint(cfg config.Config) (Endpoint, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Public.CertFile, cfg.Public.KeyFile)
	if err != nil {
		return Endpoint{}, fmt.Errorf("loading tls key pair: %w", err)
	}
	return Endpoint{
		Name:             "public",
		Addr:             cfg.Public.Addr(),
		TLS:              &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		ReadTimeout:      cfg.Network.ReadTimeout,
		WriteTimeout:     cfg.Network.WriteTimeout,
	}, nil
}

// CustomEndpoint builds the plain endpoint from configuration.
func CustomEndpoint(cfg config.Config) Endpoint {
	return Endpoint{
		Name:             "custom",
		Addr:             cfg.Custom.Addr(),
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		ReadTimeout:      cfg.Network.ReadTimeout,
		WriteTimeout:     cfg.Network.WriteTimeout,
	}
}

// Acceptor listens on an Endpoint, performs the server handshake on every
// accepted connection and dispatches it to a SessionHandler.
type Acceptor struct {
	ep      Endpoint
	handler SessionHandler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an acceptor for the given endpoint.
//
// Precondition: ep.Addr must be a valid listen address; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(ep Endpoint, handler SessionHandler, logger *zap.Logger) *Acceptor {
	if ep.HandshakeTimeout <= 0 {
		ep.HandshakeTimeout = DefaultTimeout
	}
	return &Acceptor{
		ep:      ep,
		handler: handler,
		logger:  logger.With(zap.String("endpoint", ep.Name)),
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.ep.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.ep.Addr, err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", a.ep.TLS != nil),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn runs the handshake and the session for one TCP connection.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	fields := observability.ConnFields(raw.RemoteAddr().String(), a.ep.Name)

	conn := NewConn(raw, a.ep.ReadTimeout, a.ep.WriteTimeout)
	defer conn.Close()

	if err := ServerHandshake(conn, a.ep.TLS, a.ep.HandshakeTimeout); err != nil {
		var vm *protocol.VersionMismatchError
		if errors.As(err, &vm) {
			a.logger.Info("client version mismatch", append(fields, zap.Uint8("peer_version", vm.Version))...)
		} else {
			a.logger.Warn("handshake failed", append(fields, zap.Error(err))...)
		}
		return
	}

	a.logger.Debug("client connected", append(fields, observability.ConnID(conn.ID()))...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Unblock the session's reads when the acceptor stops.
	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	err := a.handler.HandleSession(ctx, conn)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		a.logger.Debug("session ended cleanly",
			append(fields, zap.Duration("duration", time.Since(start)))...)
	default:
		a.logger.Debug("session ended",
			append(fields, zap.Error(err), zap.Duration("duration", time.Since(start)))...)
	}
}

// Stop gracefully stops the acceptor, closing the listener and every session,
// then waiting for their goroutines to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()

	a.logger.Info("acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
