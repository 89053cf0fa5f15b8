package protocol_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/rflandau/lludp"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/protocol"
)

func TestZeroEncode(t *testing.T) {
	hdr := []byte{0x80, 0, 0, 0}
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"header only", hdr, hdr},
		{"short input", []byte{0, 0}, []byte{0, 0}},
		{"no zeros", append(hdr, 1, 2, 3), append(hdr, 1, 2, 3)},
		{"single zero", append(hdr, 1, 0, 2), append(hdr, 1, 0, 1, 2)},
		{"trailing run", append(hdr, 7, 0, 0, 0), append(hdr, 7, 0, 3)},
		{"leading run", append(hdr, 0, 0, 9), append(hdr, 0, 2, 9)},
		{"exactly 255", append(hdr, make([]byte, 255)...), append(hdr, 0, 0xFF)},
		{"256", append(hdr, make([]byte, 256)...), append(hdr, 0, 0xFF, 0, 1)},
		// 0x01 followed by 300 zeros is a run of 255 and a run of 45
		{"300 zeros", append(append(hdr, 1), make([]byte, 300)...), append(hdr, 1, 0, 0xFF, 0, 45)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := protocol.ZeroEncode(nil, tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Fatal("bad encoding", ExpectedActual(tt.want, got))
			}
			scratch := make([]byte, lludp.MaxPacketSize)
			n, err := protocol.ZeroDecode(got, scratch)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(scratch[:n], tt.in) {
				t.Fatal("decoding did not reproduce the input", ExpectedActual(tt.in, scratch[:n]))
			}
		})
	}
}

func TestZeroDecode_300Zeros(t *testing.T) {
	enc := []byte{0x80, 0, 0, 1, 1, 0, 0xFF, 0, 45}
	scratch := make([]byte, 512)
	for i := range scratch {
		scratch[i] = 0xAA // garbage that must not leak into the result
	}
	n, err := protocol.ZeroDecode(enc, scratch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4+1+300 {
		t.Fatal("bad decoded length", ExpectedActual(305, n))
	}
	if scratch[4] != 1 {
		t.Error("lost the literal byte")
	}
	for i, b := range scratch[5:n] {
		if b != 0 {
			t.Fatalf("byte %d of the run is %#x", i, b)
		}
	}
}

func TestZeroDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		scratch int
	}{
		{"dangling zero", []byte{0x80, 0, 0, 1, 5, 0}, 64},
		{"zero length run", []byte{0x80, 0, 0, 1, 0, 0, 5}, 64},
		{"run overflows scratch", []byte{0x80, 0, 0, 1, 0, 0xFF}, 64},
		{"literal overflows scratch", []byte{0x80, 0, 0, 1, 1, 2, 3}, 5},
		{"scratch smaller than header", []byte{0x80, 0, 0, 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.ZeroDecode(tt.in, make([]byte, tt.scratch)); !errors.Is(err, lludp.ErrMalformedEncoding) {
				t.Fatal("expected malformed encoding", ExpectedActual(lludp.ErrMalformedEncoding, err))
			}
		})
	}
}

// Random sparse byte strings must survive encode then decode.
func TestZeroCoding_RoundTrip(t *testing.T) {
	scratch := make([]byte, 16*1024)
	for i := range 200 {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			in := make([]byte, rand.IntN(2048))
			for j := range in {
				if rand.IntN(3) == 0 {
					in[j] = byte(rand.IntN(256))
				}
			}
			n, err := protocol.ZeroDecode(protocol.ZeroEncode(nil, in), scratch)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(scratch[:n], in) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}
