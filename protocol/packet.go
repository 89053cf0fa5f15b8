package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/rflandau/lludp"
	"github.com/rs/zerolog"
)

// A Frame is a packet split into its header, message body and appended ACKs.
type Frame struct {
	Header Header
	// Body is everything after the header and before the ACK trailer, zero-decoded.
	Body []byte
	// Acks holds the appended ACKs in wire order.
	Acks []uint32
}

// Pack serializes the frame into a datagram.
//
// The ZEROCODED and APPENDED_ACKS flags are derived rather than trusted:
// if zerocode is set, the header and body are zero-coded and the flag is kept only when that shrinks the packet;
// the ACK trailer is appended after zero-coding and is never itself encoded.
func Pack(f *Frame, zerocode bool) ([]byte, error) {
	if len(f.Acks) > MaxAppendedAcks {
		return nil, fmt.Errorf("cannot append %d ACKs (max %d)", len(f.Acks), MaxAppendedAcks)
	}
	hdr := f.Header
	hdr.Flags &^= FlagZerocoded | FlagAppendedAcks
	if len(f.Acks) > 0 {
		hdr.Flags |= FlagAppendedAcks
	}

	trailer := 0
	if len(f.Acks) > 0 {
		trailer = len(f.Acks)*AckLen + 1
	}
	raw := make([]byte, 0, hdr.Len()+len(f.Body)+trailer)
	raw = hdr.AppendTo(raw)
	raw = append(raw, f.Body...)

	out := raw
	if zerocode {
		if enc := ZeroEncode(make([]byte, 0, len(raw)+trailer), raw); len(enc) < len(raw) {
			enc[0] |= byte(FlagZerocoded)
			out = enc
		}
	}

	if len(f.Acks) > 0 {
		for _, ack := range f.Acks {
			out = binary.BigEndian.AppendUint32(out, ack)
		}
		out = append(out, byte(len(f.Acks)))
	}
	return out, nil
}

// Unpack splits a datagram into a Frame.
// scratch is used to hold the zero-decoded packet; it must be at least MaxPacketSize long if the packet might be zero-coded.
//
// The returned frame's Body aliases either b or scratch; copy it before reusing either buffer.
// Unpack never panics on malformed input, returning ErrTruncatedPacket or ErrMalformedEncoding instead.
func Unpack(b, scratch []byte) (Frame, error) {
	var f Frame
	if len(b) < MinHeaderLen {
		return f, lludp.ErrTruncated("packet", MinHeaderLen, len(b))
	}
	flags := Flags(b[0])
	end := len(b)

	if flags.Has(FlagAppendedAcks) {
		count := int(b[end-1])
		need := count*AckLen + 1
		if end-need < MinHeaderLen {
			return f, lludp.ErrTruncated("appended ACKs", need+MinHeaderLen, end)
		}
		end -= need
		f.Acks = make([]uint32, count)
		for i := range count {
			f.Acks[i] = binary.BigEndian.Uint32(b[end+i*AckLen:])
		}
	}

	body := b[:end]
	if flags.Has(FlagZerocoded) {
		n, err := ZeroDecode(body, scratch)
		if err != nil {
			return f, err
		}
		body = scratch[:n]
	}

	n, err := f.Header.Deserialize(body)
	if err != nil {
		return f, err
	}
	f.Body = body[n:]
	return f, nil
}

// Zerolog attaches the frame's header and trailer to the given log event.
func (f *Frame) Zerolog(ev *zerolog.Event) {
	f.Header.Zerolog(ev)
	ev.Int("body length", len(f.Body))
	if len(f.Acks) > 0 {
		ev.Uints32("acks", f.Acks)
	}
}
