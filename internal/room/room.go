// Package room holds the authoritative per-room state: connected clients,
// world claims and item queues, and the rules that turn client requests into
// server messages.
package room

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Room errors.
var (
	ErrUnknownClient = errors.New("client is not in this room")
	ErrAlreadyJoined = errors.New("client already joined this room")
	ErrUnassigned    = errors.New("no world claimed")
	ErrWorldClaimed  = errors.New("world is claimed by another client")
	ErrDisconnected  = errors.New("client disconnected while joining")
)

// Sender is a client's outbound queue. SendFrame must not block on the network;
// an error means the client can no longer be written to.
type Sender interface {
	SendFrame(frame []byte) error
}

// Item is one found item awaiting delivery.
type Item struct {
	Source protocol.World
	Key    uint32
	Kind   uint16
}

// Options tunes a Room.
type Options struct {
	// SharedItemKinds lists the item kinds delivered to every world except the finder.
	SharedItemKinds []uint16
}

type client struct {
	player *protocol.Player
	out    Sender
	failed bool
}

// Room is one multiworld session. All methods are safe for concurrent use;
// each one is a single atomic transition, and the messages it causes are
// enqueued before the lock is released.
type Room struct {
	name   string
	logger *zap.Logger
	shared map[uint16]struct{}

	mu           sync.Mutex
	clients      map[uuid.UUID]*client
	holders      map[protocol.World]uuid.UUID
	unassigned   int
	baseQueue    []Item
	playerQueues map[protocol.World][]Item
	// doomed lists clients whose sends failed during the current transition.
	doomed []uuid.UUID
}

// New creates an empty room.
//
// Precondition: name must be non-empty; logger must be non-nil.
// Postcondition: Returns a room with no clients and empty queues.
func New(name string, opts Options, logger *zap.Logger) *Room {
	shared := make(map[uint16]struct{}, len(opts.SharedItemKinds))
	for _, k := range opts.SharedItemKinds {
		shared[k] = struct{}{}
	}
	return &Room{
		name:         name,
		logger:       logger.With(observability.Room(name)),
		shared:       shared,
		clients:      make(map[uuid.UUID]*client),
		holders:      make(map[protocol.World]uuid.UUID),
		playerQueues: make(map[protocol.World][]Item),
	}
}

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

// Join registers a client. Existing clients are told ClientConnected before the
// new one is added, then the new client receives EnterRoom. Its unassigned
// count includes the new client itself.
//
// Precondition: id must be unique within the room; out must be non-nil.
// Postcondition: On success the client is Unassigned and its EnterRoom is queued.
// Returns ErrDisconnected if the client's sender failed during the join.
func (r *Room) Join(id uuid.UUID, out Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; ok {
		return ErrAlreadyJoined
	}

	r.broadcast(protocol.ClientConnected{})
	r.clients[id] = &client{out: out}
	r.unassigned++
	r.unicast(id, r.snapshot())
	r.reap()

	if _, ok := r.clients[id]; !ok {
		return ErrDisconnected
	}
	r.logger.Debug("client joined", zap.String("client_id", id.String()))
	return nil
}

// Leave removes a client and tells the others.
//
// Postcondition: The client is gone; a departure for an unknown id is a no-op.
func (r *Room) Leave(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
	r.reap()
}

// ClaimWorld assigns world w to the client.
//
// Precondition: w must be valid.
// Postcondition: On success every client is told PlayerReset for a previously
// held world, then PlayerClaimed(w), and the claimant receives its pending item
// queue if non-empty. Returns ErrWorldClaimed, with nothing changed, if another
// client holds w.
func (r *Room) ClaimWorld(id uuid.UUID, w protocol.World) error {
	if !w.Valid() {
		return &protocol.ViolationError{Reason: "claiming world 0"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if holder, held := r.holders[w]; held {
		if holder == id {
			return nil
		}
		return ErrWorldClaimed
	}

	if c.player != nil {
		prev := c.player.World
		delete(r.holders, prev)
		c.player = nil
		r.unassigned++
		r.broadcast(protocol.PlayerReset{World: prev})
	}

	player := protocol.NewPlayer(w)
	c.player = &player
	r.holders[w] = id
	r.unassigned--
	r.broadcast(protocol.PlayerClaimed{World: w})

	if kinds := kindsOf(r.queueFor(w)); len(kinds) > 0 {
		r.unicast(id, protocol.ItemQueue{Kinds: kinds})
	}
	r.reap()
	return nil
}

// ResetWorld releases the client's world. Unassigned clients are left alone.
func (r *Room) ResetWorld(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if c.player == nil {
		return nil
	}

	w := c.player.World
	delete(r.holders, w)
	c.player = nil
	r.unassigned++
	r.broadcast(protocol.PlayerReset{World: w})
	r.reap()
	return nil
}

// SetName renames the client's player and tells every client.
//
// Postcondition: Returns ErrUnassigned, with nothing sent, if no world is claimed.
func (r *Room) SetName(id uuid.UUID, name protocol.Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if c.player == nil {
		return ErrUnassigned
	}

	c.player.Name = name
	r.broadcast(protocol.PlayerNameChanged{World: c.player.World, Name: name})
	r.reap()
	return nil
}

// SendItem records an item found by the client's world and delivers it.
//
// Shared kinds go to the base queue and every forked queue, and live to every
// assigned client except the finder. Other kinds go to the target world's
// queue, forked from the base queue on first use, and live to its holder.
// Replays of the same (source, key) are ignored.
//
// Precondition: target must be valid.
// Postcondition: Returns ErrUnassigned if the client has not claimed a world.
func (r *Room) SendItem(id uuid.UUID, key uint32, kind uint16, target protocol.World) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if c.player == nil {
		return ErrUnassigned
	}

	item := Item{Source: c.player.World, Key: key, Kind: kind}
	if _, shared := r.shared[kind]; shared {
		r.queueShared(item)
	} else {
		r.queueTargeted(item, target)
	}
	r.reap()
	return nil
}

func (r *Room) queueShared(item Item) {
	if containsItem(r.baseQueue, item) {
		return
	}
	r.baseQueue = append(r.baseQueue, item)
	for w, q := range r.playerQueues {
		r.playerQueues[w] = append(q, item)
	}

	frame := r.encode(protocol.GetItem{Kind: item.Kind})
	for id, c := range r.clients {
		if c.player != nil && c.player.World != item.Source {
			r.deliver(id, c, frame)
		}
	}
}

func (r *Room) queueTargeted(item Item, target protocol.World) {
	q, forked := r.playerQueues[target]
	if forked && containsItem(q, item) {
		return
	}
	if !forked {
		q = slices.Clone(r.baseQueue)
	}
	r.playerQueues[target] = append(q, item)

	if holder, ok := r.holders[target]; ok {
		r.unicast(holder, protocol.GetItem{Kind: item.Kind})
	}
}

// queueFor returns w's fork, or the base queue if w has none.
func (r *Room) queueFor(w protocol.World) []Item {
	if q, ok := r.playerQueues[w]; ok {
		return q
	}
	return r.baseQueue
}

// snapshot describes the room for a client about to join.
func (r *Room) snapshot() protocol.EnterRoom {
	players := make([]protocol.Player, 0, len(r.holders))
	for _, c := range r.clients {
		if c.player != nil {
			players = append(players, *c.player)
		}
	}
	slices.SortFunc(players, func(a, b protocol.Player) int { return int(a.World) - int(b.World) })
	return protocol.EnterRoom{
		Players:              players,
		NumUnassignedClients: uint8(min(r.unassigned, 255)),
	}
}

// remove drops the client from the registry, then tells the remaining clients.
func (r *Room) remove(id uuid.UUID) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	delete(r.clients, id)

	var msg protocol.ServerMessage
	if c.player != nil {
		delete(r.holders, c.player.World)
		msg = protocol.PlayerDisconnected{World: c.player.World}
	} else {
		r.unassigned--
		msg = protocol.UnregisteredClientDisconnected{}
	}
	r.logger.Debug("client left", zap.String("client_id", id.String()))
	r.broadcast(msg)
}

// reap removes every client whose send failed. Removal broadcasts can fail
// further clients, which join the worklist.
func (r *Room) reap() {
	for len(r.doomed) > 0 {
		id := r.doomed[0]
		r.doomed = r.doomed[1:]
		r.remove(id)
	}
	r.doomed = nil
}

func (r *Room) broadcast(m protocol.ServerMessage) {
	frame := r.encode(m)
	for id, c := range r.clients {
		r.deliver(id, c, frame)
	}
}

func (r *Room) unicast(id uuid.UUID, m protocol.ServerMessage) {
	if c, ok := r.clients[id]; ok {
		r.deliver(id, c, r.encode(m))
	}
}

func (r *Room) deliver(id uuid.UUID, c *client, frame []byte) {
	if c.failed || frame == nil {
		return
	}
	if err := c.out.SendFrame(frame); err != nil {
		c.failed = true
		r.doomed = append(r.doomed, id)
		r.logger.Debug("dropping client after failed send",
			zap.String("client_id", id.String()),
			zap.Error(err),
		)
	}
}

func (r *Room) encode(m protocol.ServerMessage) []byte {
	b, err := protocol.Marshal(m)
	if err != nil {
		r.logger.Error("encoding server message", zap.String("type", fmt.Sprintf("%T", m)), zap.Error(err))
		return nil
	}
	return b
}

func containsItem(q []Item, item Item) bool {
	return slices.ContainsFunc(q, func(i Item) bool { return i.Source == item.Source && i.Key == item.Key })
}

func kindsOf(q []Item) []uint16 {
	kinds := make([]uint16, len(q))
	for i, item := range q {
		kinds[i] = item.Kind
	}
	return kinds
}
