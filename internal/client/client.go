// Package client is the client side of the multiworld protocol: connecting to
// a server, choosing a room and keeping a local mirror of the room's state.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

// Host re-exports transport.Host so callers need only this package.
type Host = transport.Host

// Hosts a client can connect to.
var (
	DefaultIPv4 = transport.DefaultIPv4
	DefaultIPv6 = transport.DefaultIPv6
)

// Custom returns an unencrypted endpoint at addr.
func Custom(addr string) Host { return transport.CustomHost(addr) }

// RemoteError is an Error message sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "server error: " + e.Message }

// UnexpectedMessageError reports a server message that is not valid at this point.
type UnexpectedMessageError struct {
	Message protocol.ServerMessage
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected server message %T", e.Message)
}

// ErrClosed is returned after the connection to the server has ended.
var ErrClosed = errors.New("connection closed")

// receiver reads server messages in the background so callers can poll.
// msgs is closed once the connection ends or close is called.
type receiver struct {
	conn   *transport.Conn
	msgs   chan protocol.ServerMessage
	err    error
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func startReceiver(conn *transport.Conn) *receiver {
	r := &receiver{
		conn:   conn,
		msgs:   make(chan protocol.ServerMessage, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *receiver) run() {
	defer close(r.exited)
	defer close(r.msgs)
	for {
		m, err := r.conn.ReadServerMessage()
		if err != nil {
			r.err = err
			return
		}
		select {
		case r.msgs <- m:
		case <-r.done:
			return
		}
	}
}

// close stops the reader and closes the connection. Safe to call more than once.
func (r *receiver) close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *receiver) closedErr() error {
	if r.err == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, r.err)
}

// tryRecv returns the next message if one has arrived, or nil.
func (r *receiver) tryRecv() (protocol.ServerMessage, error) {
	select {
	case m, ok := <-r.msgs:
		if !ok {
			return nil, r.closedErr()
		}
		return m, nil
	default:
		return nil, nil
	}
}

// recv blocks for the next message.
func (r *receiver) recv(ctx context.Context) (protocol.ServerMessage, error) {
	select {
	case m, ok := <-r.msgs:
		if !ok {
			return nil, r.closedErr()
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LobbyClient is connected to a server but not yet in a room.
type LobbyClient struct {
	conn  *transport.Conn
	recv  *receiver
	rooms []string
}

// Connect dials host and completes the handshake.
//
// Postcondition: Returns a LobbyClient holding the server's room list, or a
// typed error: *protocol.VersionMismatchError, *protocol.DecodeError or a
// network error.
func Connect(ctx context.Context, host Host, opts transport.DialOptions) (*LobbyClient, error) {
	conn, rooms, err := transport.Dial(ctx, host, opts)
	if err != nil {
		return nil, err
	}
	return &LobbyClient{conn: conn, recv: startReceiver(conn), rooms: rooms}, nil
}

// Rooms returns the known room names, sorted.
func (l *LobbyClient) Rooms() []string { return slices.Clone(l.rooms) }

// TryRecvNewRoom returns the name of a newly created room if an announcement
// has arrived, or "" if none has.
func (l *LobbyClient) TryRecvNewRoom() (string, error) {
	m, err := l.recv.tryRecv()
	if err != nil || m == nil {
		return "", err
	}
	switch m := m.(type) {
	case protocol.NewRoom:
		l.addRoom(m.Name)
		return m.Name, nil
	case protocol.ServerError:
		return "", &RemoteError{Message: m.Message}
	default:
		return "", &UnexpectedMessageError{Message: m}
	}
}

func (l *LobbyClient) addRoom(name string) {
	if i, found := slices.BinarySearch(l.rooms, name); !found {
		l.rooms = slices.Insert(l.rooms, i, name)
	}
}

// Join enters an existing room.
func (l *LobbyClient) Join(ctx context.Context, name, password string) (*RoomClient, error) {
	return l.enter(ctx, protocol.JoinRoom{Name: name, Password: password})
}

// Create makes a new room and enters it.
func (l *LobbyClient) Create(ctx context.Context, name, password string) (*RoomClient, error) {
	return l.enter(ctx, protocol.CreateRoom{Name: name, Password: password})
}

// Connect joins the room if its name is known, and creates it otherwise.
func (l *LobbyClient) Connect(ctx context.Context, name, password string) (*RoomClient, error) {
	if _, found := slices.BinarySearch(l.rooms, name); found {
		return l.Join(ctx, name, password)
	}
	return l.Create(ctx, name, password)
}

// enter sends a room request and waits for EnterRoom. A RemoteError leaves
// the LobbyClient usable; once a RoomClient is returned the LobbyClient must
// no longer be used.
func (l *LobbyClient) enter(ctx context.Context, req protocol.LobbyClientMessage) (*RoomClient, error) {
	if err := l.conn.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("sending room request: %w", err)
	}
	for {
		m, err := l.recv.recv(ctx)
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case protocol.NewRoom:
			l.addRoom(m.Name)
		case protocol.ServerError:
			return nil, &RemoteError{Message: m.Message}
		case protocol.EnterRoom:
			rc := newRoomClient(l.conn, l.recv)
			rc.Apply(m)
			return rc, nil
		default:
			return nil, &UnexpectedMessageError{Message: m}
		}
	}
}

// Close disconnects from the server.
func (l *LobbyClient) Close() error { return l.recv.close() }
