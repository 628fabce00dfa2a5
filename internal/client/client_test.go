package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/multiworld/internal/lobby"
	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/room"
	"github.com/cory-johannsen/multiworld/internal/testutil"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

func TestDecodeName(t *testing.T) {
	assert.Equal(t, "", DecodeName(protocol.DefaultName))
	assert.Equal(t, "Link", DecodeName(protocol.Name{0xb6, 0xcd, 0xd2, 0xcf, 0xdf, 0xdf, 0xdf, 0xdf}))
	assert.Equal(t, "A-b.9 z", DecodeName(protocol.Name{0xab, 0xe4, 0xc6, 0xea, 0x09, 0xdf, 0xde, 0xdf}))
	assert.Equal(t, "??", DecodeName(protocol.Name{0x50, 0xff, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf}))
}

func TestEncodeName(t *testing.T) {
	name, err := EncodeName("Link")
	require.NoError(t, err)
	assert.Equal(t, protocol.Name{0xb6, 0xcd, 0xd2, 0xcf, 0xdf, 0xdf, 0xdf, 0xdf}, name)

	_, err = EncodeName("toolongname")
	assert.Error(t, err)
	_, err = EncodeName("bad!")
	assert.Error(t, err)
	_, err = EncodeName("é")
	assert.Error(t, err)
}

func TestNameRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringMatching(`[0-9A-Za-z.\-]([0-9A-Za-z .\-]{0,6}[0-9A-Za-z.\-])?`).Draw(rt, "name")
		name, err := EncodeName(s)
		require.NoError(rt, err)
		require.Equal(rt, s, DecodeName(name))
	})
}

func TestFormatRoomState(t *testing.T) {
	assert.Equal(t, "room is empty", FormatRoomState(nil, 0, 0))

	link, err := EncodeName("Link")
	require.NoError(t, err)
	players := []protocol.Player{
		{World: 1, Name: link},
		{World: 4, Name: protocol.DefaultName},
	}
	assert.Equal(t, "1. Link\n4. (no name) (you)\n2 clients with no world", FormatRoomState(players, 2, 4))
	assert.Equal(t, "1. Link\n4. (no name)\n1 client with no world", FormatRoomState(players, 1, 0))
	assert.Equal(t, "1 client with no world", FormatRoomState(nil, 1, 0))
}

func TestApplyMirrorsRoomState(t *testing.T) {
	c := newRoomClient(nil, nil)
	name := protocol.Name{0xab, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf}

	c.Apply(protocol.EnterRoom{
		Players:              []protocol.Player{{World: 3, Name: name}, {World: 1, Name: protocol.DefaultName}},
		NumUnassignedClients: 2,
	})
	assert.Equal(t, []protocol.World{1, 3}, worlds(c.Players()))
	assert.Equal(t, uint8(2), c.UnassignedCount())

	c.Apply(protocol.PlayerClaimed{World: 2})
	assert.Equal(t, []protocol.World{1, 2, 3}, worlds(c.Players()))
	assert.Equal(t, uint8(1), c.UnassignedCount())

	c.Apply(protocol.PlayerClaimed{World: 2})
	assert.Equal(t, uint8(1), c.UnassignedCount(), "a known world is not added twice")

	c.Apply(protocol.PlayerNameChanged{World: 2, Name: name})
	assert.Equal(t, name, c.PlayerName(2))
	assert.Equal(t, protocol.DefaultName, c.PlayerName(9))

	c.Apply(protocol.PlayerReset{World: 2})
	assert.Equal(t, []protocol.World{1, 3}, worlds(c.Players()))
	assert.Equal(t, uint8(2), c.UnassignedCount())

	c.Apply(protocol.ClientConnected{})
	assert.Equal(t, uint8(3), c.UnassignedCount())
	c.Apply(protocol.UnregisteredClientDisconnected{})
	assert.Equal(t, uint8(2), c.UnassignedCount())

	c.Apply(protocol.PlayerDisconnected{World: 3})
	assert.Equal(t, []protocol.World{1}, worlds(c.Players()))
	assert.Equal(t, uint8(2), c.UnassignedCount())

	c.Apply(protocol.ItemQueue{Kinds: []uint16{5, 6}})
	c.Apply(protocol.GetItem{Kind: 7})
	assert.Equal(t, []uint16{5, 6, 7}, c.ItemQueue())

	c.Apply(protocol.ItemQueue{Kinds: []uint16{1}})
	assert.Equal(t, []uint16{1}, c.ItemQueue())
}

func TestApplyNeverUnderflows(t *testing.T) {
	c := newRoomClient(nil, nil)
	c.Apply(protocol.UnregisteredClientDisconnected{})
	c.Apply(protocol.PlayerClaimed{World: 1})
	assert.Equal(t, uint8(0), c.UnassignedCount())
}

func worlds(players []protocol.Player) []protocol.World {
	ws := make([]protocol.World, len(players))
	for i, p := range players {
		ws[i] = p.World
	}
	return ws
}

func startServer(t *testing.T) string {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := lobby.NewRegistry(lobby.Options{
		Room:       room.Options{SharedItemKinds: []uint16{protocol.TriforcePiece}},
		BcryptCost: bcrypt.MinCost,
	}, logger)
	return testutil.StartServer(t, lobby.NewHandler(reg, 64, logger))
}

func connect(t *testing.T, addr string) *LobbyClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lc, err := Connect(ctx, Custom(addr), transport.DialOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { lc.Close() })
	return lc
}

// next waits for the next message and applies it.
func next(t *testing.T, c *RoomClient) protocol.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Recv(ctx)
	require.NoError(t, err)
	c.Apply(m)
	return m
}

func TestClientEndToEnd(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	watcher := connect(t, addr)
	assert.Empty(t, watcher.Rooms())

	first := connect(t, addr)
	a, err := first.Connect(ctx, "game", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), a.UnassignedCount())

	require.Eventually(t, func() bool {
		name, err := watcher.TryRecvNewRoom()
		return err == nil && name == "game"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"game"}, watcher.Rooms())

	_, err = watcher.Join(ctx, "game", "wrong")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, lobby.ErrWrongPassword.Error(), remote.Message)

	b, err := watcher.Connect(ctx, "game", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint8(2), b.UnassignedCount())
	assert.Equal(t, protocol.ClientConnected{}, next(t, a))

	link, err := EncodeName("Link")
	require.NoError(t, err)
	require.NoError(t, a.SetPlayerName(link))
	require.NoError(t, a.SetPlayerID(1))
	require.NoError(t, a.SetPlayerID(1))
	assert.Equal(t, protocol.PlayerClaimed{World: 1}, next(t, a))
	assert.Equal(t, protocol.PlayerNameChanged{World: 1, Name: link}, next(t, a))
	assert.Equal(t, protocol.PlayerClaimed{World: 1}, next(t, b))
	assert.Equal(t, protocol.PlayerNameChanged{World: 1, Name: link}, next(t, b))
	assert.Equal(t, link, b.PlayerName(1))

	require.NoError(t, b.SetPlayerID(2))
	next(t, a)
	next(t, b)
	assert.Equal(t, "1. Link\n2. (no name) (you)", b.FormatState())

	require.NoError(t, a.SendItem(5, protocol.TriforcePiece, 2))
	assert.Equal(t, protocol.GetItem{Kind: protocol.TriforcePiece}, next(t, b))
	assert.Equal(t, []uint16{protocol.TriforcePiece}, b.ItemQueue())

	m, err := a.TryRecv()
	require.NoError(t, err)
	assert.Nil(t, m, "the finder receives nothing")

	require.NoError(t, b.ResetPlayerID())
	assert.Equal(t, protocol.PlayerReset{World: 2}, next(t, a))
	require.NoError(t, b.SendItem(1, 1, 1))
	ctxRecv, cancelRecv := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRecv()
	for {
		_, err = b.Recv(ctxRecv)
		if err != nil {
			break
		}
	}
	require.ErrorAs(t, err, &remote, "sending while unassigned is answered with an error")
}

func TestCloseStopsReceiverWithFullBuffer(t *testing.T) {
	server, local := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	r := startReceiver(transport.NewConn(local, 0, 0))
	c := newRoomClient(r.conn, r)

	frame, err := protocol.Marshal(protocol.GetItem{Kind: protocol.TriforcePiece})
	require.NoError(t, err)
	written := make(chan error, 1)
	go func() {
		// Pipe writes return only once read, so after the last one the
		// receiver holds a message it has no room to queue.
		for i := 0; i <= cap(r.msgs); i++ {
			if _, err := server.Write(frame); err != nil {
				written <- err
				return
			}
		}
		written <- nil
	}()
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not read the frames")
	}

	require.NoError(t, c.Close())
	select {
	case <-r.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver still running after Close")
	}
	assert.NoError(t, c.Close())
}

func TestFailedWritesAreNotCached(t *testing.T) {
	server, local := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = local.Close()
	})
	c := newRoomClient(transport.NewConn(local, 0, 20*time.Millisecond), nil)

	// readOne reads a single message from the server side of the pipe.
	readOne := func() <-chan protocol.RoomClientMessage {
		ch := make(chan protocol.RoomClientMessage, 1)
		go func() {
			m, err := protocol.ReadRoomClientMessage(server)
			if err == nil {
				ch <- m
			}
		}()
		return ch
	}
	expect := func(ch <-chan protocol.RoomClientMessage, want protocol.RoomClientMessage) {
		t.Helper()
		select {
		case m := <-ch:
			assert.Equal(t, want, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("no %T written", want)
		}
	}

	// Nobody reads, so the write times out.
	require.Error(t, c.SetPlayerID(1))
	assert.Equal(t, protocol.World(0), c.World())

	ch := readOne()
	require.NoError(t, c.SetPlayerID(1))
	expect(ch, protocol.PlayerID{World: 1})
	assert.Equal(t, protocol.World(1), c.World())

	link, err := EncodeName("Link")
	require.NoError(t, err)
	require.Error(t, c.SetPlayerName(link))

	ch = readOne()
	require.NoError(t, c.SetPlayerName(link))
	expect(ch, protocol.PlayerName{Name: link})

	require.Error(t, c.ResetPlayerID())
	assert.Equal(t, protocol.World(1), c.World())

	ch = readOne()
	require.NoError(t, c.ResetPlayerID())
	expect(ch, protocol.ResetPlayerID{})
	assert.Equal(t, protocol.World(0), c.World())
}
