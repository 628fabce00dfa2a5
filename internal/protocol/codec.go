package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"unicode/utf8"
)

// Limits on decoded lengths. A peer announcing more is rejected before any allocation.
const (
	MaxStringLen   = 64 << 10
	MaxSequenceLen = 1 << 20
)

// Decoder reads protocol primitives from a stream. It does no buffering of
// its own, so a Decoder may be created per message over a long-lived reader.
type Decoder struct {
	r       io.Reader
	started bool
	scratch [8]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// begin marks the start of a message so that a clean EOF before its first
// byte is reported as io.EOF rather than as truncation.
func (d *Decoder) begin() { d.started = false }

func (d *Decoder) fill(what string, p []byte) error {
	n, err := io.ReadFull(d.r, p)
	if err == nil {
		d.started = true
		return nil
	}
	if errors.Is(err, io.EOF) && n == 0 && !d.started {
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{What: what, Err: io.ErrUnexpectedEOF}
	}
	return fmt.Errorf("reading %s: %w", what, err)
}

// U8 reads one byte.
func (d *Decoder) U8(what string) (uint8, error) {
	if err := d.fill(what, d.scratch[:1]); err != nil {
		return 0, err
	}
	return d.scratch[0], nil
}

// U16 reads a big-endian uint16.
func (d *Decoder) U16(what string) (uint16, error) {
	if err := d.fill(what, d.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(d.scratch[:2]), nil
}

// U32 reads a big-endian uint32.
func (d *Decoder) U32(what string) (uint32, error) {
	if err := d.fill(what, d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.scratch[:4]), nil
}

// U64 reads a big-endian uint64.
func (d *Decoder) U64(what string) (uint64, error) {
	if err := d.fill(what, d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(d.scratch[:8]), nil
}

// World reads a non-zero world byte.
func (d *Decoder) World(what string) (World, error) {
	b, err := d.U8(what)
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, &DecodeError{What: what, Err: ErrZeroWorld}
	}
	return World(b), nil
}

// Name reads an 8-byte player name.
func (d *Decoder) Name(what string) (Name, error) {
	var n Name
	if err := d.fill(what, n[:]); err != nil {
		return Name{}, err
	}
	return n, nil
}

func (d *Decoder) length(what string, limit uint64) (int, error) {
	n, err := d.U64(what + " length")
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, &DecodeError{What: what, Err: fmt.Errorf("%w: %d > %d", ErrTooLong, n, limit)}
	}
	return int(n), nil
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String(what string) (string, error) {
	n, err := d.length(what, MaxStringLen)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := d.fill(what, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", &DecodeError{What: what, Err: ErrInvalidUTF8}
	}
	return string(buf), nil
}

// U16s reads a length-prefixed sequence of uint16.
func (d *Decoder) U16s(what string) ([]uint16, error) {
	n, err := d.length(what, MaxSequenceLen)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, min(n, 1024))
	for range n {
		v, err := d.U16(what)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Strings reads a length-prefixed sequence of strings.
func (d *Decoder) Strings(what string) ([]string, error) {
	n, err := d.length(what, MaxSequenceLen)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, min(n, 64))
	for range n {
		s, err := d.String(what)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AppendU8 appends one byte.
func AppendU8(b []byte, v uint8) []byte { return append(b, v) }

// AppendU16 appends a big-endian uint16.
func AppendU16(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }

// AppendU32 appends a big-endian uint32.
func AppendU32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

// AppendU64 appends a big-endian uint64.
func AppendU64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

// AppendWorld appends a world byte, rejecting world 0.
func AppendWorld(b []byte, w World) ([]byte, error) {
	if !w.Valid() {
		return b, ErrZeroWorld
	}
	return append(b, byte(w)), nil
}

// AppendName appends an 8-byte player name.
func AppendName(b []byte, n Name) []byte { return append(b, n[:]...) }

// AppendString appends a length-prefixed string.
func AppendString(b []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return b, ErrTooLong
	}
	if !utf8.ValidString(s) {
		return b, ErrInvalidUTF8
	}
	b = AppendU64(b, uint64(len(s)))
	return append(b, s...), nil
}

// AppendU16s appends a length-prefixed sequence of uint16.
func AppendU16s(b []byte, vs []uint16) ([]byte, error) {
	if len(vs) > MaxSequenceLen {
		return b, ErrTooLong
	}
	b = AppendU64(b, uint64(len(vs)))
	for _, v := range vs {
		b = AppendU16(b, v)
	}
	return b, nil
}

// Marshal returns the wire encoding of m.
func Marshal(m Message) ([]byte, error) {
	return m.AppendBinary(nil)
}

// Write encodes m and writes it to w with a single Write call.
//
// Postcondition: either the whole message was handed to w or an error is returned.
func Write(w io.Writer, m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", m, err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing %T: %w", m, err)
	}
	return nil
}

// UnmarshalWith decodes exactly one value from data using read.
//
// Postcondition: empty or truncated input and trailing bytes are reported as *DecodeError.
func UnmarshalWith[T any](data []byte, read func(*Decoder) (T, error)) (T, error) {
	r := bytes.NewReader(data)
	m, err := read(NewDecoder(r))
	if err != nil {
		var zero T
		if errors.Is(err, io.EOF) {
			return zero, &DecodeError{What: "message", Err: io.ErrUnexpectedEOF}
		}
		return zero, err
	}
	if r.Len() > 0 {
		var zero T
		return zero, &DecodeError{What: "message", Err: ErrTrailingBytes}
	}
	return m, nil
}

// WriteVersion writes a single version byte.
func WriteVersion(w io.Writer, v uint8) error {
	if _, err := w.Write([]byte{v}); err != nil {
		return fmt.Errorf("writing version: %w", err)
	}
	return nil
}

// ReadVersion reads a single version byte.
func ReadVersion(r io.Reader) (uint8, error) {
	d := NewDecoder(r)
	v, err := d.U8("version")
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("reading version: %w", io.ErrUnexpectedEOF)
	}
	return v, err
}

// ExchangeVersion writes want and reads the peer's version.
//
// Postcondition: returns a *VersionMismatchError carrying the peer's version if they differ.
func ExchangeVersion(rw io.ReadWriter, want uint8) error {
	if err := WriteVersion(rw, want); err != nil {
		return err
	}
	peer, err := ReadVersion(rw)
	if err != nil {
		return err
	}
	if peer != want {
		return &VersionMismatchError{Version: peer}
	}
	return nil
}

// AppendRoomList appends the sorted, duplicate-free set of room names.
func AppendRoomList(b []byte, names []string) ([]byte, error) {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	b = AppendU64(b, uint64(len(sorted)))
	for _, name := range sorted {
		var err error
		if b, err = AppendString(b, name); err != nil {
			return b, fmt.Errorf("encoding room name %q: %w", name, err)
		}
	}
	return b, nil
}

// WriteRoomList writes the sorted, duplicate-free set of room names.
func WriteRoomList(w io.Writer, names []string) error {
	b, err := AppendRoomList(nil, names)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing room list: %w", err)
	}
	return nil
}

// ReadRoomList reads the room-name set sent at the end of the handshake.
//
// Postcondition: the returned names are sorted and duplicate-free.
func ReadRoomList(r io.Reader) ([]string, error) {
	names, err := NewDecoder(r).Strings("room list")
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading room list: %w", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}
