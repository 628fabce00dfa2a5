package client

import (
	"fmt"
	"strings"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// FormatRoomState summarizes a room for display. own is the local client's
// world, or 0 if it has not claimed one.
//
// Precondition: players are sorted by world.
// Postcondition: Returns one line per player followed by a line counting
// clients without a world, if any.
func FormatRoomState(players []protocol.Player, unassigned uint8, own protocol.World) string {
	if len(players) == 0 && unassigned == 0 {
		return "room is empty"
	}

	var b strings.Builder
	for _, p := range players {
		name := DecodeName(p.Name)
		if name == "" || p.Name == protocol.DefaultName {
			name = "(no name)"
		}
		fmt.Fprintf(&b, "%d. %s", p.World, name)
		if p.World == own {
			b.WriteString(" (you)")
		}
		b.WriteByte('\n')
	}

	switch unassigned {
	case 0:
	case 1:
		b.WriteString("1 client with no world\n")
	default:
		fmt.Fprintf(&b, "%d clients with no world\n", unassigned)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
