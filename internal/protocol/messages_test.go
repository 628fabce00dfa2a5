package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSendItemEncoding(t *testing.T) {
	b, err := Marshal(SendItem{Key: 5, Kind: TriforcePiece, TargetWorld: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0, 0, 5, 0x00, 0xca, 2}, b)
}

func TestJoinRoomEncoding(t *testing.T) {
	b, err := Marshal(JoinRoom{Name: "ab", Password: ""})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0,
		0, 0, 0, 0, 0, 0, 0, 2, 'a', 'b',
		0, 0, 0, 0, 0, 0, 0, 0,
	}, b)
}

func TestEnterRoomRoundTrip(t *testing.T) {
	in := EnterRoom{
		Players:              []Player{NewPlayer(1), {World: 3, Name: Name{0xab, 0xc5, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf}}},
		NumUnassignedClients: 2,
	}
	b, err := Marshal(in)
	require.NoError(t, err)

	out, err := UnmarshalServerMessage(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeZeroWorldFails(t *testing.T) {
	_, err := Marshal(PlayerID{World: 0})
	assert.ErrorIs(t, err, ErrZeroWorld)

	_, err = Marshal(SendItem{Key: 1, Kind: 1, TargetWorld: 0})
	assert.ErrorIs(t, err, ErrZeroWorld)
}

func TestDecodeZeroWorldFails(t *testing.T) {
	_, err := UnmarshalRoomClientMessage([]byte{tagPlayerID, 0})
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, ErrZeroWorld)
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := UnmarshalRoomClientMessage([]byte{42})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = UnmarshalLobbyClientMessage([]byte{3})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = UnmarshalServerMessage([]byte{200})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestDecodeEmptyInput(t *testing.T) {
	_, err := UnmarshalServerMessage(nil)
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestDecodeTrailingBytes(t *testing.T) {
	_, err := UnmarshalRoomClientMessage([]byte{tagResetPlayerID, 0})
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestDecodeOverlongString(t *testing.T) {
	b := []byte{tagServerError}
	b = AppendU64(b, MaxStringLen+1)
	_, err := UnmarshalServerMessage(b)
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	b := []byte{tagNewRoom}
	b = AppendU64(b, 2)
	b = append(b, 0xff, 0xfe)
	_, err := UnmarshalServerMessage(b)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestReadCleanEOF(t *testing.T) {
	_, err := ReadRoomClientMessage(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsDecodeError(err))
}

func TestReadTruncatedIsDecodeError(t *testing.T) {
	_, err := ReadRoomClientMessage(bytes.NewReader([]byte{tagSendItem, 0, 0}))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadSequentialMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, PlayerID{World: 1}))
	require.NoError(t, Write(&buf, PlayerName{Name: DefaultName}))
	require.NoError(t, Write(&buf, ResetPlayerID{}))

	var got []RoomClientMessage
	for {
		m, err := ReadRoomClientMessage(&buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, m)
	}
	assert.Equal(t, []RoomClientMessage{PlayerID{World: 1}, PlayerName{Name: DefaultName}, ResetPlayerID{}}, got)
}

func TestExchangeVersion(t *testing.T) {
	peer := bytes.NewBuffer([]byte{Version})
	rw := struct {
		io.Reader
		io.Writer
	}{peer, io.Discard}
	require.NoError(t, ExchangeVersion(rw, Version))
}

func TestExchangeVersionMismatch(t *testing.T) {
	var sent bytes.Buffer
	rw := struct {
		io.Reader
		io.Writer
	}{bytes.NewReader([]byte{2}), &sent}

	err := ExchangeVersion(rw, 1)
	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, uint8(2), vm.Version)
	assert.Equal(t, []byte{1}, sent.Bytes())
}

func TestRoomListSortedAndDeduplicated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRoomList(&buf, []string{"zelda", "alpha", "zelda", "mid"}))

	names, err := ReadRoomList(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zelda"}, names)
}

func drawWorld(t *rapid.T, label string) World {
	return World(rapid.IntRange(1, 255).Draw(t, label))
}

func drawName(t *rapid.T) Name {
	var n Name
	copy(n[:], rapid.SliceOfN(rapid.Byte(), 8, 8).Draw(t, "name"))
	return n
}

func drawServerMessage(t *rapid.T) ServerMessage {
	switch rapid.IntRange(0, 10).Draw(t, "variant") {
	case 0:
		return ServerError{Message: rapid.String().Draw(t, "text")}
	case 1:
		n := rapid.IntRange(0, 5).Draw(t, "players")
		players := make([]Player, n)
		for i := range players {
			players[i] = Player{World: drawWorld(t, "world"), Name: drawName(t)}
		}
		return EnterRoom{Players: players, NumUnassignedClients: rapid.Uint8().Draw(t, "unassigned")}
	case 2:
		return PlayerClaimed{World: drawWorld(t, "world")}
	case 3:
		return PlayerReset{World: drawWorld(t, "world")}
	case 4:
		return ClientConnected{}
	case 5:
		return PlayerDisconnected{World: drawWorld(t, "world")}
	case 6:
		return UnregisteredClientDisconnected{}
	case 7:
		return PlayerNameChanged{World: drawWorld(t, "world"), Name: drawName(t)}
	case 8:
		return ItemQueue{Kinds: rapid.SliceOf(rapid.Uint16()).Draw(t, "kinds")}
	case 9:
		return GetItem{Kind: rapid.Uint16().Draw(t, "kind")}
	default:
		return NewRoom{Name: rapid.String().Draw(t, "room")}
	}
}

func drawRoomClientMessage(t *rapid.T) RoomClientMessage {
	switch rapid.IntRange(0, 3).Draw(t, "variant") {
	case 0:
		return PlayerID{World: drawWorld(t, "world")}
	case 1:
		return ResetPlayerID{}
	case 2:
		return PlayerName{Name: drawName(t)}
	default:
		return SendItem{
			Key:         rapid.Uint32().Draw(t, "key"),
			Kind:        rapid.Uint16().Draw(t, "kind"),
			TargetWorld: drawWorld(t, "target"),
		}
	}
}

func drawLobbyClientMessage(t *rapid.T) LobbyClientMessage {
	switch rapid.IntRange(0, 2).Draw(t, "variant") {
	case 0:
		return JoinRoom{Name: rapid.String().Draw(t, "name"), Password: rapid.String().Draw(t, "password")}
	case 1:
		return CreateRoom{Name: rapid.String().Draw(t, "name"), Password: rapid.String().Draw(t, "password")}
	default:
		return Encrypt{}
	}
}

// Property: decode(encode(m)) re-encodes to the same bytes for every server message.
func TestPropertyServerMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := drawServerMessage(t)
		b, err := Marshal(in)
		require.NoError(t, err)

		out, err := UnmarshalServerMessage(b)
		require.NoError(t, err)
		again, err := Marshal(out)
		require.NoError(t, err)
		assert.Equal(t, b, again)
		assert.IsType(t, in, out)
	})
}

// Property: room client messages round-trip to equal values.
func TestPropertyRoomClientMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := drawRoomClientMessage(t)
		b, err := Marshal(in)
		require.NoError(t, err)
		out, err := UnmarshalRoomClientMessage(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

// Property: lobby client messages round-trip to equal values.
func TestPropertyLobbyClientMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := drawLobbyClientMessage(t)
		b, err := Marshal(in)
		require.NoError(t, err)
		out, err := UnmarshalLobbyClientMessage(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

// Property: every strict prefix of an encoded message is rejected as a decode error.
func TestPropertyTruncationIsDecodeError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b, err := Marshal(drawServerMessage(t))
		require.NoError(t, err)
		cut := rapid.IntRange(0, len(b)-1).Draw(t, "cut")

		_, err = UnmarshalServerMessage(b[:cut])
		require.Error(t, err)
		assert.True(t, IsDecodeError(err), "prefix of length %d: %v", cut, err)
	})
}

// Property: arbitrary bytes never panic the decoder.
func TestPropertyArbitraryBytesNeverPanic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")
		assert.NotPanics(t, func() {
			_, _ = UnmarshalServerMessage(data)
			_, _ = UnmarshalRoomClientMessage(data)
			_, _ = UnmarshalLobbyClientMessage(data)
		})
	})
}
