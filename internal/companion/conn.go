package companion

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Conn is a version-checked companion connection. Writes are serialized;
// reads must come from a single goroutine.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	writeTimeout time.Duration
}

// Handshake exchanges companion versions over raw and wraps it.
//
// Precondition: raw must be open; timeout bounds the exchange and each later write.
// Postcondition: Returns a Conn, or a *VersionMismatchError or I/O error
// after which raw has been closed.
func Handshake(raw net.Conn, timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(timeout))
	}
	if err := exchangeVersion(raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("companion handshake: %w", err)
	}
	_ = raw.SetDeadline(time.Time{})
	return &Conn{raw: raw, reader: bufio.NewReader(raw), writeTimeout: timeout}, nil
}

// Dial connects to a bridge as a plugin would.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing companion endpoint %s: %w", addr, err)
	}
	return Handshake(raw, timeout)
}

// VersionMismatchError reports a plugin or bridge speaking another companion version.
type VersionMismatchError struct {
	Version uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("companion version mismatch: peer speaks version %d, expected %d", e.Version, Version)
}

func exchangeVersion(raw net.Conn) error {
	if err := protocol.WriteVersion(raw, Version); err != nil {
		return err
	}
	peer, err := protocol.ReadVersion(raw)
	if err != nil {
		return err
	}
	if peer != Version {
		return &VersionMismatchError{Version: peer}
	}
	return nil
}

// ReadPluginMessage reads the next message from the plugin.
func (c *Conn) ReadPluginMessage() (PluginMessage, error) {
	return ReadPluginMessage(c.reader)
}

// ReadHostMessage reads the next message from the bridge.
func (c *Conn) ReadHostMessage() (HostMessage, error) {
	return ReadHostMessage(c.reader)
}

// WriteMessage encodes and writes one message.
func (c *Conn) WriteMessage(m protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.raw.Write(b)
	return err
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the connection.
func (c *Conn) Close() error { return c.raw.Close() }
