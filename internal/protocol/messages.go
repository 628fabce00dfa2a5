package protocol

import (
	"fmt"
	"io"
)

// Message is a value of one of the protocol's message sets.
type Message interface {
	// AppendBinary appends the wire encoding of the message to b.
	AppendBinary(b []byte) ([]byte, error)
}

// LobbyClientMessage is sent by a client that has not yet entered a room.
type LobbyClientMessage interface {
	Message
	lobbyClientMessage()
}

// RoomClientMessage is sent by a client inside a room.
type RoomClientMessage interface {
	Message
	roomClientMessage()
}

// ServerMessage is sent by the server to lobby and room clients.
type ServerMessage interface {
	Message
	serverMessage()
}

// Lobby client variants.
const (
	tagJoinRoom uint8 = iota
	tagCreateRoom
	tagEncrypt
)

// JoinRoom asks to enter an existing room.
type JoinRoom struct {
	Name     string
	Password string
}

// CreateRoom asks to create a room and enter it.
type CreateRoom struct {
	Name     string
	Password string
}

// Encrypt asks to upgrade the connection to TLS. Only valid right after the version exchange.
type Encrypt struct{}

func (JoinRoom) lobbyClientMessage()   {}
func (CreateRoom) lobbyClientMessage() {}
func (Encrypt) lobbyClientMessage()    {}

func (m JoinRoom) AppendBinary(b []byte) ([]byte, error) {
	return appendCredentials(append(b, tagJoinRoom), m.Name, m.Password)
}

func (m CreateRoom) AppendBinary(b []byte) ([]byte, error) {
	return appendCredentials(append(b, tagCreateRoom), m.Name, m.Password)
}

func (Encrypt) AppendBinary(b []byte) ([]byte, error) { return append(b, tagEncrypt), nil }

func appendCredentials(b []byte, name, password string) ([]byte, error) {
	b, err := AppendString(b, name)
	if err != nil {
		return nil, fmt.Errorf("room name: %w", err)
	}
	if b, err = AppendString(b, password); err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	return b, nil
}

// Room client variants.
const (
	tagPlayerID uint8 = iota
	tagResetPlayerID
	tagPlayerName
	tagSendItem
)

// PlayerID claims a world.
type PlayerID struct {
	World World
}

// ResetPlayerID releases the currently claimed world.
type ResetPlayerID struct{}

// PlayerName sets the display name of the claimed world.
type PlayerName struct {
	Name Name
}

// SendItem reports an item found in the sender's world.
type SendItem struct {
	// Key disambiguates items from the same source world, e.g. a location id.
	Key         uint32
	Kind        uint16
	TargetWorld World
}

func (PlayerID) roomClientMessage()      {}
func (ResetPlayerID) roomClientMessage() {}
func (PlayerName) roomClientMessage()    {}
func (SendItem) roomClientMessage()      {}

func (m PlayerID) AppendBinary(b []byte) ([]byte, error) {
	return AppendWorld(append(b, tagPlayerID), m.World)
}

func (ResetPlayerID) AppendBinary(b []byte) ([]byte, error) {
	return append(b, tagResetPlayerID), nil
}

func (m PlayerName) AppendBinary(b []byte) ([]byte, error) {
	return AppendName(append(b, tagPlayerName), m.Name), nil
}

func (m SendItem) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, tagSendItem)
	b = AppendU32(b, m.Key)
	b = AppendU16(b, m.Kind)
	return AppendWorld(b, m.TargetWorld)
}

// Server variants.
const (
	tagServerError uint8 = iota
	tagEnterRoom
	tagPlayerClaimed
	tagPlayerReset
	tagClientConnected
	tagPlayerDisconnected
	tagUnregisteredClientDisconnected
	tagPlayerNameChanged
	tagItemQueue
	tagGetItem
	tagNewRoom
)

// ServerError carries a human-readable error for the receiving client.
type ServerError struct {
	Message string
}

// EnterRoom is the room snapshot sent when a client creates or joins a room.
type EnterRoom struct {
	Players              []Player
	NumUnassignedClients uint8
}

// PlayerClaimed announces that a world has been claimed.
type PlayerClaimed struct {
	World World
}

// PlayerReset announces that a world has been released by its client.
type PlayerReset struct {
	World World
}

// ClientConnected announces a new unassigned client.
type ClientConnected struct{}

// PlayerDisconnected announces that the client holding World left.
type PlayerDisconnected struct {
	World World
}

// UnregisteredClientDisconnected announces that an unassigned client left.
type UnregisteredClientDisconnected struct{}

// PlayerNameChanged announces a new display name for World.
type PlayerNameChanged struct {
	World World
	Name  Name
}

// ItemQueue replaces the receiver's whole item queue.
type ItemQueue struct {
	Kinds []uint16
}

// GetItem appends one item to the receiver's item queue.
type GetItem struct {
	Kind uint16
}

// NewRoom tells a lobby client that a room was created.
type NewRoom struct {
	Name string
}

func (ServerError) serverMessage()                    {}
func (EnterRoom) serverMessage()                      {}
func (PlayerClaimed) serverMessage()                  {}
func (PlayerReset) serverMessage()                    {}
func (ClientConnected) serverMessage()                {}
func (PlayerDisconnected) serverMessage()             {}
func (UnregisteredClientDisconnected) serverMessage() {}
func (PlayerNameChanged) serverMessage()              {}
func (ItemQueue) serverMessage()                      {}
func (GetItem) serverMessage()                        {}
func (NewRoom) serverMessage()                        {}

func (m ServerError) AppendBinary(b []byte) ([]byte, error) {
	return AppendString(append(b, tagServerError), m.Message)
}

func (m EnterRoom) AppendBinary(b []byte) ([]byte, error) {
	if len(m.Players) > MaxSequenceLen {
		return nil, ErrTooLong
	}
	b = append(b, tagEnterRoom)
	b = AppendU64(b, uint64(len(m.Players)))
	for _, p := range m.Players {
		var err error
		if b, err = AppendWorld(b, p.World); err != nil {
			return nil, err
		}
		b = AppendName(b, p.Name)
	}
	return append(b, m.NumUnassignedClients), nil
}

func (m PlayerClaimed) AppendBinary(b []byte) ([]byte, error) {
	return AppendWorld(append(b, tagPlayerClaimed), m.World)
}

func (m PlayerReset) AppendBinary(b []byte) ([]byte, error) {
	return AppendWorld(append(b, tagPlayerReset), m.World)
}

func (ClientConnected) AppendBinary(b []byte) ([]byte, error) {
	return append(b, tagClientConnected), nil
}

func (m PlayerDisconnected) AppendBinary(b []byte) ([]byte, error) {
	return AppendWorld(append(b, tagPlayerDisconnected), m.World)
}

func (UnregisteredClientDisconnected) AppendBinary(b []byte) ([]byte, error) {
	return append(b, tagUnregisteredClientDisconnected), nil
}

func (m PlayerNameChanged) AppendBinary(b []byte) ([]byte, error) {
	b, err := AppendWorld(append(b, tagPlayerNameChanged), m.World)
	if err != nil {
		return nil, err
	}
	return AppendName(b, m.Name), nil
}

func (m ItemQueue) AppendBinary(b []byte) ([]byte, error) {
	return AppendU16s(append(b, tagItemQueue), m.Kinds)
}

func (m GetItem) AppendBinary(b []byte) ([]byte, error) {
	return AppendU16(append(b, tagGetItem), m.Kind), nil
}

func (m NewRoom) AppendBinary(b []byte) ([]byte, error) {
	return AppendString(append(b, tagNewRoom), m.Name)
}

// ReadLobbyClientMessage reads one lobby client message from r.
//
// Postcondition: returns io.EOF if r ended cleanly before the message, a
// *DecodeError for malformed or truncated bytes, or another wrapped I/O error.
func ReadLobbyClientMessage(r io.Reader) (LobbyClientMessage, error) {
	return decodeLobbyClientMessage(NewDecoder(r))
}

// ReadRoomClientMessage reads one room client message from r.
func ReadRoomClientMessage(r io.Reader) (RoomClientMessage, error) {
	return decodeRoomClientMessage(NewDecoder(r))
}

// ReadServerMessage reads one server message from r.
func ReadServerMessage(r io.Reader) (ServerMessage, error) {
	return decodeServerMessage(NewDecoder(r))
}

// UnmarshalLobbyClientMessage decodes exactly one lobby client message from data.
func UnmarshalLobbyClientMessage(data []byte) (LobbyClientMessage, error) {
	return UnmarshalWith(data, decodeLobbyClientMessage)
}

// UnmarshalRoomClientMessage decodes exactly one room client message from data.
func UnmarshalRoomClientMessage(data []byte) (RoomClientMessage, error) {
	return UnmarshalWith(data, decodeRoomClientMessage)
}

// UnmarshalServerMessage decodes exactly one server message from data.
func UnmarshalServerMessage(data []byte) (ServerMessage, error) {
	return UnmarshalWith(data, decodeServerMessage)
}

func decodeLobbyClientMessage(d *Decoder) (LobbyClientMessage, error) {
	d.begin()
	tag, err := d.U8("lobby client message")
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagJoinRoom:
		name, password, err := decodeCredentials(d)
		if err != nil {
			return nil, err
		}
		return JoinRoom{Name: name, Password: password}, nil
	case tagCreateRoom:
		name, password, err := decodeCredentials(d)
		if err != nil {
			return nil, err
		}
		return CreateRoom{Name: name, Password: password}, nil
	case tagEncrypt:
		return Encrypt{}, nil
	default:
		return nil, &DecodeError{What: fmt.Sprintf("lobby client message variant %d", tag), Err: ErrUnknownVariant}
	}
}

func decodeCredentials(d *Decoder) (string, string, error) {
	name, err := d.String("room name")
	if err != nil {
		return "", "", err
	}
	password, err := d.String("password")
	if err != nil {
		return "", "", err
	}
	return name, password, nil
}

func decodeRoomClientMessage(d *Decoder) (RoomClientMessage, error) {
	d.begin()
	tag, err := d.U8("room client message")
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
	case tagResetPlayerID:
		return ResetPlayerID{}, nil
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
		return nil, &DecodeError{What: fmt.Sprintf("room client message variant %d", tag), Err: ErrUnknownVariant}
	}
}

func decodeServerMessage(d *Decoder) (ServerMessage, error) {
	d.begin()
	tag, err := d.U8("server message")
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagServerError:
		s, err := d.String("Error text")
		if err != nil {
			return nil, err
		}
		return ServerError{Message: s}, nil
	case tagEnterRoom:
		n, err := d.length("EnterRoom players", MaxSequenceLen)
		if err != nil {
			return nil, err
		}
		players := make([]Player, 0, min(n, 256))
		for range n {
			w, err := d.World("EnterRoom player world")
			if err != nil {
				return nil, err
			}
			name, err := d.Name("EnterRoom player name")
			if err != nil {
				return nil, err
			}
			players = append(players, Player{World: w, Name: name})
		}
		unassigned, err := d.U8("EnterRoom unassigned count")
		if err != nil {
			return nil, err
		}
		return EnterRoom{Players: players, NumUnassignedClients: unassigned}, nil
	case tagPlayerClaimed:
		w, err := d.World("PlayerId world")
		if err != nil {
			return nil, err
		}
		return PlayerClaimed{World: w}, nil
	case tagPlayerReset:
		w, err := d.World("ResetPlayerId world")
		if err != nil {
			return nil, err
		}
		return PlayerReset{World: w}, nil
	case tagClientConnected:
		return ClientConnected{}, nil
	case tagPlayerDisconnected:
		w, err := d.World("PlayerDisconnected world")
		if err != nil {
			return nil, err
		}
		return PlayerDisconnected{World: w}, nil
	case tagUnregisteredClientDisconnected:
		return UnregisteredClientDisconnected{}, nil
	case tagPlayerNameChanged:
		w, err := d.World("PlayerName world")
		if err != nil {
			return nil, err
		}
		name, err := d.Name("PlayerName name")
		if err != nil {
			return nil, err
		}
		return PlayerNameChanged{World: w, Name: name}, nil
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
	case tagNewRoom:
		name, err := d.String("NewRoom name")
		if err != nil {
			return nil, err
		}
		return NewRoom{Name: name}, nil
	default:
		return nil, &DecodeError{What: fmt.Sprintf("server message variant %d", tag), Err: ErrUnknownVariant}
	}
}
