// Package companion serves the loopback endpoint an emulator plugin connects
// to. The plugin speaks a reduced message set and relays through a Bridge to
// the room.
package companion

import (
	"fmt"
	"io"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Version is the companion protocol version exchanged on connect.
const Version uint8 = 1

// DefaultPort is the loopback port the bridge listens on.
const DefaultPort = 24818

// PluginMessage is sent by the plugin.
type PluginMessage interface {
	protocol.Message
	pluginMessage()
}

// HostMessage is sent to the plugin.
type HostMessage interface {
	protocol.Message
	hostMessage()
}

const (
	tagPlayerID uint8 = iota
	tagPlayerName
	tagSendItem
)

// PlayerID reports the world the loaded game belongs to.
type PlayerID struct {
	World protocol.World
}

// PlayerName reports the name stored in the loaded save.
type PlayerName struct {
	Name protocol.Name
}

// SendItem reports an item found in the local world.
type SendItem struct {
	Key         uint32
	Kind        uint16
	TargetWorld protocol.World
}

func (PlayerID) pluginMessage()   {}
func (PlayerName) pluginMessage() {}
func (SendItem) pluginMessage()   {}

func (m PlayerID) AppendBinary(b []byte) ([]byte, error) {
	return protocol.AppendWorld(append(b, tagPlayerID), m.World)
}

func (m PlayerName) AppendBinary(b []byte) ([]byte, error) {
	return protocol.AppendName(append(b, tagPlayerName), m.Name), nil
}

func (m SendItem) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, tagSendItem)
	b = protocol.AppendU32(b, m.Key)
	b = protocol.AppendU16(b, m.Kind)
	return protocol.AppendWorld(b, m.TargetWorld)
}

const (
	tagItemQueue uint8 = iota
	tagGetItem
	tagPlayerNameChanged
)

// ItemQueue replaces the plugin's list of received items.
type ItemQueue struct {
	Kinds []uint16
}

// GetItem appends one item to the plugin's list.
type GetItem struct {
	Kind uint16
}

// PlayerNameChanged tells the plugin a world's player name.
type PlayerNameChanged struct {
	World protocol.World
	Name  protocol.Name
}

func (ItemQueue) hostMessage()         {}
func (GetItem) hostMessage()           {}
func (PlayerNameChanged) hostMessage() {}

func (m ItemQueue) AppendBinary(b []byte) ([]byte, error) {
	return protocol.AppendU16s(append(b, tagItemQueue), m.Kinds)
}

func (m GetItem) AppendBinary(b []byte) ([]byte, error) {
	return protocol.AppendU16(append(b, tagGetItem), m.Kind), nil
}

func (m PlayerNameChanged) AppendBinary(b []byte) ([]byte, error) {
	b, err := protocol.AppendWorld(append(b, tagPlayerNameChanged), m.World)
	if err != nil {
		return b, err
	}
	return protocol.AppendName(b, m.Name), nil
}

// ReadPluginMessage reads one plugin message from r.
//
// Postcondition: returns io.EOF if r ended cleanly before the message.
func ReadPluginMessage(r io.Reader) (PluginMessage, error) {
	return decodePluginMessage(protocol.NewDecoder(r))
}

// ReadHostMessage reads one host message from r.
func ReadHostMessage(r io.Reader) (HostMessage, error) {
	return decodeHostMessage(protocol.NewDecoder(r))
}

// UnmarshalPluginMessage decodes exactly one plugin message from data.
func UnmarshalPluginMessage(data []byte) (PluginMessage, error) {
	return protocol.UnmarshalWith(data, decodePluginMessage)
}

// UnmarshalHostMessage decodes exactly one host message from data.
func UnmarshalHostMessage(data []byte) (HostMessage, error) {
	return protocol.UnmarshalWith(data, decodeHostMessage)
}

func decodePluginMessage(d *protocol.Decoder) (PluginMessage, error) {
	tag, err := d.U8("plugin message")
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagPlayerID:
		w, err := d.World("PlayerId world")
		if err != nil {
			return nil, err
		}
		return PlayerID{World: w}, nil
	case tagPlayerName:
		n, err := d.Name("PlayerName name")
		if err != nil {
			return nil, err
		}
		return PlayerName{Name: n}, nil
	case tagSendItem:
		key, err := d.U32("SendItem key")
		if err != nil {
			return nil, err
		}
		kind, err := d.U16("SendItem kind")
		if err != nil {
			return nil, err
		}
		target, err := d.World("SendItem target world")
		if err != nil {
			return nil, err
		}
		return SendItem{Key: key, Kind: kind, TargetWorld: target}, nil
	default:
		return nil, &protocol.DecodeError{What: fmt.Sprintf("plugin message variant %d", tag), Err: protocol.ErrUnknownVariant}
	}
}

func decodeHostMessage(d *protocol.Decoder) (HostMessage, error) {
	tag, err := d.U8("host message")
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagItemQueue:
		kinds, err := d.U16s("ItemQueue kinds")
		if err != nil {
			return nil, err
		}
		return ItemQueue{Kinds: kinds}, nil
	case tagGetItem:
		kind, err := d.U16("GetItem kind")
		if err != nil {
			return nil, err
		}
		return GetItem{Kind: kind}, nil
	case tagPlayerNameChanged:
		w, err := d.World("PlayerName world")
		if err != nil {
			return nil, err
		}
		n, err := d.Name("PlayerName name")
		if err != nil {
			return nil, err
		}
		return PlayerNameChanged{World: w, Name: n}, nil
	default:
		return nil, &protocol.DecodeError{What: fmt.Sprintf("host message variant %d", tag), Err: protocol.ErrUnknownVariant}
	}
}
