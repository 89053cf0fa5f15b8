package circuit

import (
	"net/netip"
	"time"

	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults applied to options left unset.
const (
	DefaultTick             time.Duration = 500 * time.Millisecond
	DefaultResendTimeout    time.Duration = 4 * time.Second
	DefaultHandshakeTimeout time.Duration = 8 * time.Second
	DefaultMaxSequence      uint16        = 0xFFFF
	DefaultRecentInbound    int           = 100
	DefaultMaxAppendedAcks  int           = 10
	DefaultAckCeiling       int           = 250
)

// An Option function sets various options on a circuit.
// Uses defaults if an option is not set.
type Option func(*Circuit)

// WithLogger replaces the circuit's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Circuit) { c.log = l }
}

// WithCodec sets the codec used to encode and decode messages.
// Defaults to a codec over message.DefaultSchema.
func WithCodec(codec *message.Codec) Option {
	return func(c *Circuit) { c.codec = codec }
}

// WithDispatcher sets the function every decoded, non-duplicate inbound message is handed to.
// It is called from the receive goroutine, one message at a time, in arrival order.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Circuit) { c.dispatch = d }
}

// WithOnClose sets a function called once the circuit is fully disconnected.
func WithOnClose(f func(*Circuit, DisconnectReason)) Option {
	return func(c *Circuit) { c.onClose = f }
}

// WithLocalAddr binds the circuit's socket to ap rather than an ephemeral port on all interfaces.
func WithLocalAddr(ap netip.AddrPort) Option {
	return func(c *Circuit) { c.local = ap }
}

// WithTick sets how often pending ACKs are flushed and the retransmit set is scanned.
func WithTick(d time.Duration) Option {
	return func(c *Circuit) { c.tick = d }
}

// WithResendTimeout sets how long a reliable packet may go unacknowledged before it is resent.
func WithResendTimeout(d time.Duration) Option {
	return func(c *Circuit) { c.resendTimeout = d }
}

// WithHandshakeTimeout sets how long Handshake waits for the peer's first datagram.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Circuit) { c.handshakeTimeout = d }
}

// WithMaxSequence sets the value after which outgoing sequence numbers wrap to 1.
func WithMaxSequence(max uint16) Option {
	return func(c *Circuit) { c.maxSeq = max }
}

// WithRecentInbound sets how many inbound sequence numbers are remembered for duplicate detection.
func WithRecentInbound(n int) Option {
	return func(c *Circuit) { c.recentCap = n }
}

// WithMaxAppendedAcks caps the ACKs piggybacked on a single outgoing packet.
func WithMaxAppendedAcks(n int) Option {
	return func(c *Circuit) { c.maxAppendedAcks = min(n, message.MaxAcksPerPacket) }
}

// WithAckCeiling sets the pending ACK count at which ACKs are flushed immediately rather than waiting for the next tick.
func WithAckCeiling(n int) Option {
	return func(c *Circuit) { c.ackCeiling = n }
}

// WithThrottle caps outbound traffic at bytesPerSecond using a token bucket.
// Zero or negative means unlimited.
func WithThrottle(bytesPerSecond int) Option {
	return func(c *Circuit) {
		if bytesPerSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond, int(lludp.MaxPacketSize)))
	}
}

// WithMetrics records the circuit's activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Circuit) { c.metrics = m }
}
