package protocol

import (
	"errors"
	"fmt"
)

// DecodeError reports malformed or truncated message bytes.
type DecodeError struct {
	// What names the value being decoded.
	What string
	// Err is the underlying cause, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding %s: %v", e.What, e.Err)
	}
	return "decoding " + e.What
}

func (e *DecodeError) Unwrap() error { return e.Err }

// VersionMismatchError reports a peer speaking a different protocol version.
type VersionMismatchError struct {
	// Version is the version the peer announced.
	Version uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: peer speaks version %d, expected %d", e.Version, Version)
}

// ViolationError reports a message that is illegal in the sender's current state.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string { return "protocol violation: " + e.Reason }

// Errors used as DecodeError causes.
var (
	ErrUnknownVariant = errors.New("unknown variant")
	ErrZeroWorld      = errors.New("world 0 is invalid")
	ErrTooLong        = errors.New("length exceeds limit")
	ErrInvalidUTF8    = errors.New("string is not valid UTF-8")
	ErrTrailingBytes  = errors.New("trailing bytes after message")
)

// IsDecodeError reports whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
