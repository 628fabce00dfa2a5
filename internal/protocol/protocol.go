// Package protocol defines the multiworld wire protocol: the lobby, room and
// server message sets, their binary encoding, and the handshake primitives.
package protocol

import (
	"fmt"
	"net"
)

// Version is the protocol version exchanged as the first byte of every connection.
const Version uint8 = 1

// DefaultPort is the TCP port of the public session service.
const DefaultPort = 24809

// DefaultServerName is the DNS name the public service's certificate is issued for.
const DefaultServerName = "fenhl.net"

// Well-known addresses of the public session service.
var (
	DefaultAddressV4 = net.IPv4(37, 252, 122, 84)
	DefaultAddressV6 = net.ParseIP("2a02:2770:8:0:21a:4aff:fee1:f281")
)

// TriforcePiece is the item kind delivered to every world instead of a single target.
const TriforcePiece uint16 = 0xca

// World identifies one game instance's slot within a room. Zero is invalid.
type World uint8

// Valid reports whether w may be claimed.
func (w World) Valid() bool { return w != 0 }

// String renders the world number.
func (w World) String() string { return fmt.Sprintf("world %d", uint8(w)) }

// Name is a player's file name in the game's 8-byte charset.
type Name [8]byte

// DefaultName is the sentinel for "no name set": eight charset spaces.
var DefaultName = Name{0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf}

// Player is a world claimed by a connected client.
type Player struct {
	World World
	Name  Name
}

// NewPlayer returns a Player for world with the default name.
//
// Precondition: world must be valid.
func NewPlayer(world World) Player {
	return Player{World: world, Name: DefaultName}
}
