package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// DefaultTimeout bounds every handshake step and steady-state client write.
const DefaultTimeout = 30 * time.Second

// ErrEncryptionRequired is returned when a client on the public endpoint skips the Encrypt request.
var ErrEncryptionRequired = errors.New("encryption required on this endpoint")

type hostKind int

const (
	hostCustom hostKind = iota
	hostDefaultV4
	hostDefaultV6
)

// Host names a session server to connect to.
type Host struct {
	kind       hostKind
	addr       string
	serverName string
}

// Default public endpoints. Connections to them are always upgraded to TLS.
var (
	DefaultIPv4 = Host{kind: hostDefaultV4, serverName: protocol.DefaultServerName}
	DefaultIPv6 = Host{kind: hostDefaultV6, serverName: protocol.DefaultServerName}
)

// CustomHost returns an explicitly-addressed, unencrypted endpoint.
//
// Precondition: addr must be in "host:port" form.
func CustomHost(addr string) Host {
	return Host{kind: hostCustom, addr: addr}
}

// EncryptedHost returns an explicitly-addressed endpoint that requests TLS
// like the default one, validating the certificate against serverName.
func EncryptedHost(addr, serverName string) Host {
	return Host{kind: hostCustom, addr: addr, serverName: serverName}
}

// Address returns the "host:port" to dial.
func (h Host) Address() string {
	switch h.kind {
	case hostDefaultV4:
		return net.JoinHostPort(protocol.DefaultAddressV4.String(), strconv.Itoa(protocol.DefaultPort))
	case hostDefaultV6:
		return net.JoinHostPort(protocol.DefaultAddressV6.String(), strconv.Itoa(protocol.DefaultPort))
	default:
		return h.addr
	}
}

// Encrypted reports whether the handshake upgrades to TLS.
func (h Host) Encrypted() bool { return h.serverName != "" }

func (h Host) String() string { return h.Address() }

// DialOptions tunes Dial.
type DialOptions struct {
	// Timeout bounds dialing, every handshake step and later writes. Zero means DefaultTimeout.
	Timeout time.Duration
	// TLSConfig overrides the TLS client configuration. Nil uses the system trust roots.
	TLSConfig *tls.Config
}

// Dial connects to host and performs the client side of the handshake.
//
// Postcondition: Returns the established connection and the server's sorted
// room names, or a non-nil error with the socket closed. A version mismatch
// is reported as *protocol.VersionMismatchError.
func Dial(ctx context.Context, host Host, opts DialOptions) (*Conn, []string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", host.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", host, err)
	}
	conn := NewConn(raw, 0, timeout)

	rooms, err := clientHandshake(conn, host, opts.TLSConfig, timeout)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rooms, nil
}

func clientHandshake(conn *Conn, host Host, tlsConfig *tls.Config, timeout time.Duration) ([]string, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := protocol.ExchangeVersion(conn, protocol.Version); err != nil {
		return nil, err
	}

	if host.Encrypted() {
		if err := conn.WriteMessage(protocol.Encrypt{}); err != nil {
			return nil, fmt.Errorf("requesting encryption: %w", err)
		}
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host.serverName
		}
		if err := conn.upgradeClient(cfg); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	rooms, err := protocol.ReadRoomList(conn)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	conn.Buffer()
	return rooms, nil
}

// ServerHandshake performs the server side of the handshake up to, but not
// including, the room list, which the lobby sends atomically with subscribing
// the connection to room announcements.
//
// Precondition: conn must be freshly accepted.
// Postcondition: on success the version matched and, if tlsConfig is non-nil,
// the connection is encrypted. On failure no room state has been touched.
func ServerHandshake(conn *Conn, tlsConfig *tls.Config, timeout time.Duration) error {
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := protocol.ExchangeVersion(conn, protocol.Version); err != nil {
		return err
	}

	if tlsConfig != nil {
		msg, err := conn.ReadLobbyClientMessage()
		if err != nil {
			return fmt.Errorf("reading encryption request: %w", err)
		}
		if _, ok := msg.(protocol.Encrypt); !ok {
			return &protocol.ViolationError{Reason: fmt.Sprintf("%s: got %T", ErrEncryptionRequired, msg)}
		}
		if err := conn.upgradeServer(tlsConfig); err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
	}

	_ = conn.SetDeadline(time.Time{})
	conn.Buffer()
	return nil
}
