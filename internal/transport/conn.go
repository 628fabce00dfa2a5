// Package transport carries multiworld protocol messages over TCP: the
// connection wrapper, the version and encryption handshake, the per-client
// outbox, and the listener that accepts sessions.
package transport

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Conn wraps a network connection with protocol message framing.
// Writes are serialized; reads must come from a single goroutine.
type Conn struct {
	id     uuid.UUID
	raw    net.Conn
	reader io.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn with a fresh process-unique ID. Reads are
// unbuffered until Buffer is called, so no bytes are consumed past a message
// boundary before a TLS upgrade.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New(),
		raw:          raw,
		reader:       raw,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's process-unique handle.
func (c *Conn) ID() uuid.UUID { return c.id }

// RemoteAddr returns the remote network address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Buffer switches reads to a buffered reader. Call once the handshake is done.
func (c *Conn) Buffer() {
	c.reader = bufio.NewReaderSize(c.raw, 4096)
}

// upgradeServer wraps the connection in server-side TLS and completes the TLS handshake.
func (c *Conn) upgradeServer(cfg *tls.Config) error {
	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.raw = tlsConn
	c.reader = tlsConn
	return nil
}

// upgradeClient wraps the connection in client-side TLS and completes the TLS handshake.
func (c *Conn) upgradeClient(cfg *tls.Config) error {
	tlsConn := tls.Client(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.raw = tlsConn
	c.reader = tlsConn
	return nil
}

// SetDeadline sets the read and write deadline of the underlying connection.
// A zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *Conn) armRead() {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// ReadLobbyClientMessage reads the next lobby message.
//
// Postcondition: returns io.EOF when the peer closed cleanly between messages.
func (c *Conn) ReadLobbyClientMessage() (protocol.LobbyClientMessage, error) {
	c.armRead()
	return protocol.ReadLobbyClientMessage(c.reader)
}

// ReadRoomClientMessage reads the next room message.
func (c *Conn) ReadRoomClientMessage() (protocol.RoomClientMessage, error) {
	c.armRead()
	return protocol.ReadRoomClientMessage(c.reader)
}

// ReadServerMessage reads the next server message.
func (c *Conn) ReadServerMessage() (protocol.ServerMessage, error) {
	c.armRead()
	return protocol.ReadServerMessage(c.reader)
}

// WriteMessage encodes and writes one message.
//
// Postcondition: the message is written whole or an error is returned; concurrent
// writers never interleave bytes.
func (c *Conn) WriteMessage(m protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return c.WriteFrame(b)
}

// WriteFrame writes pre-encoded bytes under the write lock.
func (c *Conn) WriteFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(b)
	return err
}

// Read reads raw bytes, for the handshake primitives.
func (c *Conn) Read(p []byte) (int, error) { return c.reader.Read(p) }

// Write writes raw bytes under the write lock, for the handshake primitives.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
//
// Postcondition: The connection is closed and blocked reads return an error.
func (c *Conn) Close() error {
	return c.raw.Close()
}
