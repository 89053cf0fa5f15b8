/*
Package protocol contains tools for interacting with the packet header, the appended-ACK trailer and zero-coding.

Byte layout of a packet:

	byte 0      flags (RELIABLE, RESENT, ZEROCODED, APPENDED_ACKS)
	byte 1      reserved
	bytes 2-3   sequence number (big-endian)
	byte 4..    frequency marker and message id
	  High      [id]                 5 byte header
	  Medium    [0xFF id]            6 byte header
	  Low       [0xFF 0xFF id id]    8 byte header (id big-endian)
	...         message body
	...         appended ACKs: N 4-byte big-endian sequence numbers, then the count N as the final byte

You should never have to interact with the raw bits or endian-ness of the header; use Header, Pack and Unpack.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/rflandau/lludp"
	"github.com/rs/zerolog"
)

// Flags is the bitfield held in the first byte of every packet.
type Flags uint8

const (
	FlagAppendedAcks Flags = 0x10
	FlagResent       Flags = 0x20
	FlagReliable     Flags = 0x40
	FlagZerocoded    Flags = 0x80
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	var s string
	for _, p := range []struct {
		f    Flags
		name string
	}{{FlagReliable, "RELIABLE"}, {FlagResent, "RESENT"}, {FlagZerocoded, "ZEROCODED"}, {FlagAppendedAcks, "APPENDED_ACKS"}} {
		if f.Has(p.f) {
			if s != "" {
				s += "|"
			}
			s += p.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Frequency is the header-width category of a message.
type Frequency uint8

const (
	High Frequency = iota
	Medium
	Low
)

func (f Frequency) String() string {
	switch f {
	case High:
		return "High"
	case Medium:
		return "Medium"
	case Low:
		return "Low"
	}
	return "UNKNOWN"
}

// HeaderLen returns the number of header bytes (flags through message id) used by the frequency class.
func (f Frequency) HeaderLen() int {
	switch f {
	case High:
		return 5
	case Medium:
		return 6
	default:
		return 8
	}
}

// MaxID returns the largest message id that can be expressed by the frequency class.
func (f Frequency) MaxID() uint16 {
	switch f {
	case High, Medium:
		return 0xFE
	default:
		return 0xFFFF
	}
}

const (
	// MinHeaderLen is the length of the shortest (High frequency) header.
	MinHeaderLen = 5
	// ZeroCodeOffset is the number of leading bytes that are never zero-coded.
	ZeroCodeOffset = 4
	// AckLen is the width of a single appended ACK.
	AckLen = 4
	// MaxAppendedAcks is the most ACKs a trailer can describe.
	MaxAppendedAcks = 255

	frequencyMarker byte = 0xFF
)

// A Header represents a deconstructed packet header.
type Header struct {
	Flags     Flags
	Sequence  uint16
	Frequency Frequency
	ID        uint16
}

//#region errors

var (
	ErrInvalidFrequency = errors.New("frequency must be High, Medium or Low")
	ErrInvalidID        = errors.New("message id is out of range for its frequency")
)

//#endregion errors

// Len returns the serialized length of the header.
func (hdr *Header) Len() int {
	return hdr.Frequency.HeaderLen()
}

// Validate tests each field in header, returning a list of issues.
func (hdr *Header) Validate() (errs []error) {
	if hdr.Frequency > Low {
		errs = append(errs, ErrInvalidFrequency)
	} else if hdr.ID > hdr.Frequency.MaxID() || (hdr.Frequency != Low && hdr.ID == 0) {
		errs = append(errs, ErrInvalidID)
	}
	return errs
}

// AppendTo serializes the header onto the end of dst, returning the extended slice.
//
// NOTE: Does NOT imply .Validate().
func (hdr *Header) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(hdr.Flags), 0)
	dst = binary.BigEndian.AppendUint16(dst, hdr.Sequence)
	switch hdr.Frequency {
	case High:
		dst = append(dst, byte(hdr.ID))
	case Medium:
		dst = append(dst, frequencyMarker, byte(hdr.ID))
	default:
		dst = append(dst, frequencyMarker, frequencyMarker)
		dst = binary.BigEndian.AppendUint16(dst, hdr.ID)
	}
	return dst
}

// Serialize returns the header in wire order.
func (hdr *Header) Serialize() []byte {
	return hdr.AppendTo(make([]byte, 0, hdr.Len()))
}

// Deserialize populates hdr's fields from the given (already zero-decoded) bytes.
// Clobbers existing data.
// Returns the number of bytes consumed.
//
// If an error occurs, hdr will be left in a partially clobbered state which is considered undefined.
func (hdr *Header) Deserialize(b []byte) (n int, err error) {
	if len(b) < MinHeaderLen {
		return 0, lludp.ErrTruncated("header", MinHeaderLen, len(b))
	}
	hdr.Flags = Flags(b[0])
	hdr.Sequence = binary.BigEndian.Uint16(b[2:4])
	switch {
	case b[4] != frequencyMarker:
		hdr.Frequency, hdr.ID = High, uint16(b[4])
		return 5, nil
	case len(b) < 6:
		return 0, lludp.ErrTruncated("medium frequency header", 6, len(b))
	case b[5] != frequencyMarker:
		hdr.Frequency, hdr.ID = Medium, uint16(b[5])
		return 6, nil
	case len(b) < 8:
		return 0, lludp.ErrTruncated("low frequency header", 8, len(b))
	}
	hdr.Frequency, hdr.ID = Low, binary.BigEndian.Uint16(b[6:8])
	return 8, nil
}

// Zerolog attaches header's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (hdr *Header) Zerolog(ev *zerolog.Event) {
	ev.Str("flags", hdr.Flags.String()).
		Uint16("seq", hdr.Sequence).
		Str("frequency", hdr.Frequency.String()).
		Uint16("id", hdr.ID)
}

// SequenceOf reads the sequence number out of a raw datagram without decoding anything else.
func SequenceOf(b []byte) (uint16, bool) {
	if len(b) < ZeroCodeOffset {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[2:4]), true
}

// SetSequence overwrites the sequence number of a raw packet in place.
// Sequence bytes are never zero-coded, so this is safe on encoded packets too.
func SetSequence(b []byte, seq uint16) {
	binary.BigEndian.PutUint16(b[2:4], seq)
}

// String returns a short description such as "Low 65531".
func (hdr *Header) String() string {
	return hdr.Frequency.String() + " " + strconv.FormatUint(uint64(hdr.ID), 10)
}
