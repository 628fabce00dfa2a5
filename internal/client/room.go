package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

// RoomClient is connected to a room. It caches the local world claim and name
// so repeated requests are not re-sent, and mirrors the room's state from the
// server messages passed to Apply. All methods are safe for concurrent use.
type RoomClient struct {
	conn *transport.Conn
	recv *receiver

	mu         sync.Mutex
	players    []protocol.Player
	unassigned uint8
	lastWorld  protocol.World
	lastName   protocol.Name
	itemQueue  []uint16
}

func newRoomClient(conn *transport.Conn, recv *receiver) *RoomClient {
	return &RoomClient{conn: conn, recv: recv, lastName: protocol.DefaultName}
}

// SetPlayerID claims world w. Claiming the world already claimed is a no-op;
// a claim whose write failed is not remembered and can be retried.
// A name set earlier is re-sent for the new world.
//
// Precondition: w must be valid.
func (c *RoomClient) SetPlayerID(w protocol.World) error {
	if !w.Valid() {
		return fmt.Errorf("cannot claim %s", w)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastWorld == w {
		return nil
	}
	if err := c.conn.WriteMessage(protocol.PlayerID{World: w}); err != nil {
		return fmt.Errorf("claiming %s: %w", w, err)
	}
	c.lastWorld = w
	if c.lastName != protocol.DefaultName {
		if err := c.conn.WriteMessage(protocol.PlayerName{Name: c.lastName}); err != nil {
			return fmt.Errorf("sending player name: %w", err)
		}
	}
	return nil
}

// ResetPlayerID releases the claimed world, if any.
func (c *RoomClient) ResetPlayerID() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastWorld.Valid() {
		return nil
	}
	if err := c.conn.WriteMessage(protocol.ResetPlayerID{}); err != nil {
		return fmt.Errorf("releasing world: %w", err)
	}
	c.lastWorld = 0
	return nil
}

// SetPlayerName caches name and sends it if a world is claimed. The cache
// is only updated once the name has been written.
func (c *RoomClient) SetPlayerName(name protocol.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastName == name {
		return nil
	}
	if c.lastWorld.Valid() {
		if err := c.conn.WriteMessage(protocol.PlayerName{Name: name}); err != nil {
			return fmt.Errorf("sending player name: %w", err)
		}
	}
	c.lastName = name
	return nil
}

// SendItem reports an item found in the local world.
//
// Precondition: target must be valid.
func (c *RoomClient) SendItem(key uint32, kind uint16, target protocol.World) error {
	if !target.Valid() {
		return fmt.Errorf("cannot send an item to %s", target)
	}
	if err := c.conn.WriteMessage(protocol.SendItem{Key: key, Kind: kind, TargetWorld: target}); err != nil {
		return fmt.Errorf("sending item: %w", err)
	}
	return nil
}

// TryRecv returns the next server message if one has arrived, or nil.
// An Error message is returned as a *RemoteError.
func (c *RoomClient) TryRecv() (protocol.ServerMessage, error) {
	m, err := c.recv.tryRecv()
	return checkRemote(m, err)
}

// Recv blocks for the next server message.
func (c *RoomClient) Recv(ctx context.Context) (protocol.ServerMessage, error) {
	m, err := c.recv.recv(ctx)
	return checkRemote(m, err)
}

func checkRemote(m protocol.ServerMessage, err error) (protocol.ServerMessage, error) {
	if serverErr, ok := m.(protocol.ServerError); ok {
		return nil, &RemoteError{Message: serverErr.Message}
	}
	return m, err
}

// Apply updates the room mirror with a server message.
func (c *RoomClient) Apply(m protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := m.(type) {
	case protocol.EnterRoom:
		c.players = slices.Clone(m.Players)
		slices.SortFunc(c.players, byWorld)
		c.unassigned = m.NumUnassignedClients
	case protocol.PlayerClaimed:
		if i, found := c.findPlayer(m.World); !found {
			c.players = slices.Insert(c.players, i, protocol.NewPlayer(m.World))
			c.unassigned = saturatingSub(c.unassigned)
		}
	case protocol.PlayerReset:
		if i, found := c.findPlayer(m.World); found {
			c.players = slices.Delete(c.players, i, i+1)
			c.unassigned = saturatingAdd(c.unassigned)
		}
	case protocol.ClientConnected:
		c.unassigned = saturatingAdd(c.unassigned)
	case protocol.PlayerDisconnected:
		if i, found := c.findPlayer(m.World); found {
			c.players = slices.Delete(c.players, i, i+1)
		}
	case protocol.UnregisteredClientDisconnected:
		c.unassigned = saturatingSub(c.unassigned)
	case protocol.PlayerNameChanged:
		if i, found := c.findPlayer(m.World); found {
			c.players[i].Name = m.Name
		}
	case protocol.ItemQueue:
		c.itemQueue = slices.Clone(m.Kinds)
	case protocol.GetItem:
		c.itemQueue = append(c.itemQueue, m.Kind)
	}
}

func (c *RoomClient) findPlayer(w protocol.World) (int, bool) {
	return slices.BinarySearchFunc(c.players, w, func(p protocol.Player, w protocol.World) int {
		return int(p.World) - int(w)
	})
}

func byWorld(a, b protocol.Player) int { return int(a.World) - int(b.World) }

func saturatingAdd(n uint8) uint8 {
	if n == 255 {
		return n
	}
	return n + 1
}

func saturatingSub(n uint8) uint8 {
	if n == 0 {
		return n
	}
	return n - 1
}

// Players returns the mirrored players, sorted by world.
func (c *RoomClient) Players() []protocol.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.players)
}

// UnassignedCount returns the mirrored number of clients without a world.
func (c *RoomClient) UnassignedCount() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unassigned
}

// World returns the world this client last claimed, or 0.
func (c *RoomClient) World() protocol.World {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWorld
}

// ItemQueue returns the item kinds received by the local world, in order.
func (c *RoomClient) ItemQueue() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.itemQueue)
}

// PlayerName returns the name of the player in world w, or the default name.
func (c *RoomClient) PlayerName(w protocol.World) protocol.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, found := c.findPlayer(w); found {
		return c.players[i].Name
	}
	return protocol.DefaultName
}

// FormatState summarizes the mirrored room for display.
func (c *RoomClient) FormatState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FormatRoomState(c.players, c.unassigned, c.lastWorld)
}

// Close disconnects from the room.
func (c *RoomClient) Close() error { return c.recv.close() }
