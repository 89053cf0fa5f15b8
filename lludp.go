// Package lludp is the parent package of a client-side implementation of the reliable UDP messaging protocol used between viewers and simulators.
// It contains child packages protocol (packet header, zero-coding and ACK trailers), message (templates and the field codec), circuit (one reliable connection to one peer),
// network (the set of circuits and handler dispatch) and relay (a man-in-the-middle that renumbers and injects packets).
// Child packages are mostly self-contained; the parent package provides the few shared constants and the error taxonomy.
package lludp

import (
	"errors"
	"fmt"
)

// MaxPacketSize specifies the buffer size used to hold UDP payloads.
// Simulators keep datagrams well under a typical 1500B MTU; the buffer is sized to also hold zero-decoded payloads, which can grow past the wire length.
const MaxPacketSize uint16 = 8192

//#region errors

var (
	// ErrTooManyRepeats is returned when a variable block holds more than 255 instances.
	ErrTooManyRepeats = errors.New("too many block repeats")
	// ErrFieldTooLarge is returned when a variable-length field exceeds the capacity of its length prefix.
	ErrFieldTooLarge = errors.New("field too large")
	// ErrUnknownMessageID is returned when no template matches a frequency+id pair.
	ErrUnknownMessageID = errors.New("unknown message id")
	// ErrUnknownMessageName is returned when no template matches a message name.
	ErrUnknownMessageName = errors.New("unknown message name")
	// ErrTruncatedPacket is returned when fewer bytes remain than a header or template requires.
	ErrTruncatedPacket = errors.New("truncated packet")
	// ErrMalformedEncoding is returned when a zero-coded stream cannot be expanded.
	ErrMalformedEncoding = errors.New("malformed zero-coding")
	// ErrNotConnected is returned when sending on a circuit that is disconnecting or disconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrHandshakeTimeout is returned when the peer never answered the circuit handshake.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrFieldType is returned when a field value does not match its template type.
	ErrFieldType = errors.New("field value does not match template type")
)

// ErrUnknownMessage returns an ErrUnknownMessageID error for the given frequency name and id.
func ErrUnknownMessage(frequency string, id uint16) error {
	return fmt.Errorf("%w: %s %d", ErrUnknownMessageID, frequency, id)
}

// ErrUnknownName returns an ErrUnknownMessageName error for the given name.
func ErrUnknownName(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownMessageName, name)
}

// ErrTruncated returns an ErrTruncatedPacket error noting where the read failed and how many bytes were needed versus available.
func ErrTruncated(where string, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrTruncatedPacket, where, need, have)
}

// ErrRepeats returns an ErrTooManyRepeats error for the given block.
func ErrRepeats(block string, count int) error {
	return fmt.Errorf("%w: block %s has %d instances (max 255)", ErrTooManyRepeats, block, count)
}

// ErrTooLarge returns an ErrFieldTooLarge error for the given field.
func ErrTooLarge(field string, length, max int) error {
	return fmt.Errorf("%w: field %s is %d bytes (max %d)", ErrFieldTooLarge, field, length, max)
}

// ErrWrongType returns an ErrFieldType error describing the offending field.
func ErrWrongType(field, want string, got any) error {
	return fmt.Errorf("%w: field %s wants %s, got %T", ErrFieldType, field, want, got)
}

//#endregion errors
