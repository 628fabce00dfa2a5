package room

import (
	"slices"

	"github.com/google/uuid"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Snapshot returns what a joining client would be told about the room.
func (r *Room) Snapshot() protocol.EnterRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// ClientCount returns the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// UnassignedCount returns the number of connected clients without a world.
func (r *Room) UnassignedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unassigned
}

// BaseQueue returns a copy of the shared-item queue.
func (r *Room) BaseQueue() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.baseQueue)
}

// PlayerQueue returns a copy of w's forked queue and whether w has been forked.
func (r *Room) PlayerQueue(w protocol.World) ([]Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.playerQueues[w]
	return slices.Clone(q), ok
}

// WorldOf returns the world claimed by the client, if any.
func (r *Room) WorldOf(id uuid.UUID) (protocol.World, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok || c.player == nil {
		return 0, false
	}
	return c.player.World, true
}
