package protocol

import (
	"fmt"

	"github.com/rflandau/lludp"
)

// Zero-coding replaces each run of zero bytes with a 0x00 token followed by the run length (1-255).
// Runs longer than 255 are split across multiple tokens.
// The first ZeroCodeOffset bytes (flags, reserved byte, sequence number) are always copied verbatim.

// ZeroEncode appends the zero-coded form of src to dst and returns the extended slice.
func ZeroEncode(dst, src []byte) []byte {
	n := min(len(src), ZeroCodeOffset)
	dst = append(dst, src[:n]...)

	var run byte
	for _, b := range src[n:] {
		if b == 0 {
			run++
			if run == 0xFF {
				dst = append(dst, 0, run)
				run = 0
			}
			continue
		}
		if run > 0 {
			dst = append(dst, 0, run)
			run = 0
		}
		dst = append(dst, b)
	}
	if run > 0 {
		dst = append(dst, 0, run)
	}
	return dst
}

// ZeroDecode expands the zero-coded src into dst, returning the decoded length.
// dst must be large enough to hold the expansion; running out of room, a dangling zero token or a zero-length run are all reported as ErrMalformedEncoding.
func ZeroDecode(src, dst []byte) (int, error) {
	n := min(len(src), ZeroCodeOffset)
	if len(dst) < n {
		return 0, errMalformed("scratch buffer cannot hold the fixed header bytes", n)
	}
	copy(dst, src[:n])

	for i := n; i < len(src); {
		if b := src[i]; b != 0 {
			if n >= len(dst) {
				return 0, errMalformed("expansion overflows scratch buffer", i)
			}
			dst[n] = b
			n++
			i++
			continue
		}
		if i+1 >= len(src) {
			return 0, errMalformed("zero token has no run length", i)
		}
		run := int(src[i+1])
		if run == 0 {
			return 0, errMalformed("zero-length run", i)
		} else if n+run > len(dst) {
			return 0, errMalformed("expansion overflows scratch buffer", i)
		}
		clear(dst[n : n+run])
		n += run
		i += 2
	}
	return n, nil
}

func errMalformed(reason string, offset int) error {
	return fmt.Errorf("%w: %s (offset %d)", lludp.ErrMalformedEncoding, reason, offset)
}
