// Package testutil provides test helpers: an in-process server and a raw
// protocol client for end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

// DefaultTimeout bounds every read and write of a test Client.
const DefaultTimeout = 5 * time.Second

// Client is a raw protocol test client.
type Client struct {
	conn *transport.Conn
	t    *testing.T
	// Rooms is the room list received at the end of the handshake.
	Rooms []string
}

// StartServer runs an acceptor on a loopback port with handler and returns its address.
//
// Postcondition: The acceptor is listening, and is stopped when the test ends.
func StartServer(t *testing.T, handler transport.SessionHandler) string {
	t.Helper()
	acc := transport.NewAcceptor(transport.Endpoint{
		Name:         "test",
		Addr:         "127.0.0.1:0",
		WriteTimeout: DefaultTimeout,
	}, handler, zaptest.NewLogger(t))

	go func() { _ = acc.ListenAndServe() }()
	t.Cleanup(acc.Stop)

	deadline := time.Now().Add(DefaultTimeout)
	for !(acc.IsRunning() && acc.Addr() != "") {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return acc.Addr()
}

// Dial connects to addr and completes the unencrypted handshake.
//
// Precondition: addr must be a listening multiworld server.
// Postcondition: Returns a connected Client or fails the test.
func Dial(t *testing.T, addr string) *Client {
	t.Helper()
	start := time.Now()

	conn, rooms, err := transport.Dial(context.Background(), transport.CustomHost(addr), transport.DialOptions{Timeout: DefaultTimeout})
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() { conn.Close() })

	return &Client{conn: conn, t: t, Rooms: rooms}
}

// Send writes one message.
func (c *Client) Send(m protocol.Message) {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(DefaultTimeout))
	if err := c.conn.WriteMessage(m); err != nil {
		c.t.Fatalf("sending %T: %v", m, err)
	}
}

// Next reads the next server message or fails the test.
func (c *Client) Next() protocol.ServerMessage {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(DefaultTimeout))
	m, err := c.conn.ReadServerMessage()
	if err != nil {
		c.t.Fatalf("reading server message: %v", err)
	}
	return m
}

// Expect reads the next server message and fails the test unless it equals want.
func (c *Client) Expect(want protocol.ServerMessage) {
	c.t.Helper()
	got := c.Next()
	if !sameEncoding(want, got) {
		c.t.Fatalf("expected %#v, got %#v", want, got)
	}
}

// ExpectSilence fails the test if any message arrives within d.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(d))
	m, err := c.conn.ReadServerMessage()
	var netErr net.Error
	if err == nil {
		c.t.Fatalf("expected no message, got %#v", m)
	}
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("expected a read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(DefaultTimeout))
	for {
		m, err := c.conn.ReadServerMessage()
		if err == nil {
			c.t.Logf("discarding %#v while waiting for close", m)
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatalf("server did not close the connection")
		}
		return
	}
}

// sameEncoding compares messages by wire encoding, so nil and empty slices match.
func sameEncoding(a, b protocol.ServerMessage) bool {
	ab, errA := protocol.Marshal(a)
	bb, errB := protocol.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

// Close closes the connection.
func (c *Client) Close() {
	c.conn.Close()
}
