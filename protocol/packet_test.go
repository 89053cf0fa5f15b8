package protocol_test

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/rflandau/lludp"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/protocol"
)

func TestPackUnpack(t *testing.T) {
	sparse := make([]byte, 64)
	sparse[10] = 3
	tests := []struct {
		name           string
		frame          protocol.Frame
		zerocode       bool
		wantZerocoded  bool
		wantTrailerLen int
	}{
		{name: "plain",
			frame: protocol.Frame{Header: protocol.Header{Flags: protocol.FlagReliable, Sequence: 5, Frequency: protocol.High, ID: 1}, Body: []byte{1, 2, 3}},
		},
		{name: "zero-coding not beneficial",
			frame:    protocol.Frame{Header: protocol.Header{Sequence: 5, Frequency: protocol.Medium, ID: 4}, Body: []byte{1, 2, 3}},
			zerocode: true,
		},
		{name: "zero-coding beneficial",
			frame:         protocol.Frame{Header: protocol.Header{Sequence: 5, Frequency: protocol.Low, ID: 4}, Body: sparse},
			zerocode:      true,
			wantZerocoded: true,
		},
		{name: "acks",
			frame:          protocol.Frame{Header: protocol.Header{Flags: protocol.FlagReliable, Sequence: 6, Frequency: protocol.High, ID: 2}, Body: []byte{9}, Acks: []uint32{1, 2, 300}},
			wantTrailerLen: 3*4 + 1,
		},
		{name: "acks and zero-coding",
			frame:          protocol.Frame{Header: protocol.Header{Flags: protocol.FlagReliable, Sequence: 0, Frequency: protocol.Low, ID: 0xFFFB}, Body: sparse, Acks: []uint32{0, 65535}},
			zerocode:       true,
			wantZerocoded:  true,
			wantTrailerLen: 2*4 + 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := protocol.Pack(&tt.frame, tt.zerocode)
			if err != nil {
				t.Fatal(err)
			}
			flags := protocol.Flags(b[0])
			if flags.Has(protocol.FlagZerocoded) != tt.wantZerocoded {
				t.Error("bad zero-coding decision", ExpectedActual(tt.wantZerocoded, flags.Has(protocol.FlagZerocoded)))
			}
			if flags.Has(protocol.FlagAppendedAcks) != (tt.wantTrailerLen > 0) {
				t.Error("bad APPENDED_ACKS flag")
			}
			if tt.wantTrailerLen > 0 && int(b[len(b)-1]) != len(tt.frame.Acks) {
				t.Error("bad ack count byte", ExpectedActual(len(tt.frame.Acks), int(b[len(b)-1])))
			}

			f, err := protocol.Unpack(b, make([]byte, lludp.MaxPacketSize))
			if err != nil {
				t.Fatal(err)
			}
			if f.Header.Sequence != tt.frame.Header.Sequence || f.Header.ID != tt.frame.Header.ID || f.Header.Frequency != tt.frame.Header.Frequency {
				t.Error("header mismatch", ExpectedActual(tt.frame.Header, f.Header))
			}
			if f.Header.Flags.Has(protocol.FlagReliable) != tt.frame.Header.Flags.Has(protocol.FlagReliable) {
				t.Error("lost the reliable flag")
			}
			if !bytes.Equal(f.Body, tt.frame.Body) {
				t.Error("body mismatch", ExpectedActual(tt.frame.Body, f.Body))
			}
			if !slices.Equal(f.Acks, tt.frame.Acks) {
				t.Error("ack mismatch", ExpectedActual(tt.frame.Acks, f.Acks))
			}
		})
	}
}

func TestPack_TooManyAcks(t *testing.T) {
	f := protocol.Frame{Header: protocol.Header{Frequency: protocol.High, ID: 1}, Acks: make([]uint32, 256)}
	if _, err := protocol.Pack(&f, false); err == nil {
		t.Fatal("packed 256 acks")
	}
}

// Garbage must be rejected without panicking.
func TestUnpack_Garbage(t *testing.T) {
	scratch := make([]byte, lludp.MaxPacketSize)
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, lludp.ErrTruncatedPacket},
		{"3 bytes", []byte{0xDE, 0xAD, 0xBE}, lludp.ErrTruncatedPacket},
		{"ack count larger than packet", []byte{byte(protocol.FlagAppendedAcks), 0, 0, 1, 1, 200}, lludp.ErrTruncatedPacket},
		{"ack trailer eats header", []byte{byte(protocol.FlagAppendedAcks), 0, 0, 1, 1, 0, 0, 2, 1}, lludp.ErrTruncatedPacket},
		{"dangling zero token", []byte{byte(protocol.FlagZerocoded), 0, 0, 1, 1, 0}, lludp.ErrMalformedEncoding},
		{"zero-coded header too short", []byte{byte(protocol.FlagZerocoded), 0, 0, 1, 0xFF}, lludp.ErrTruncatedPacket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.Unpack(tt.in, scratch); !errors.Is(err, tt.want) {
				t.Fatal("unexpected error", ExpectedActual(tt.want, err))
			}
		})
	}
}
