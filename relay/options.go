package relay

import (
	"net/netip"
	"time"

	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rs/zerolog"
)

// Defaults applied to options left unset.
const (
	// GC retires records that survived a whole interval, so bookkeeping lives between one and two intervals.
	DefaultGCInterval     time.Duration = time.Minute
	DefaultResendInterval time.Duration = time.Second
	DefaultIdleTimeout    time.Duration = 5 * time.Minute
)

// An Option function sets various options on a relay.
// Uses defaults if an option is not set.
type Option func(*Relay)

// WithLogger replaces the relay's default logger. Sessions log through children of it.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithCodec sets the codec sessions use to read PacketAcks, hand messages to interceptors and build injections.
// Defaults to a codec over message.DefaultSchema; interceptors only see messages the schema knows.
func WithCodec(c *message.Codec) Option {
	return func(r *Relay) { r.codec = c }
}

// WithMetrics records relay activity in mt. The admin handler exports mt's registry at /metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = mt }
}

// WithClientBind sets the address client-facing sockets bind to. Defaults to 127.0.0.1.
func WithClientBind(a netip.Addr) Option {
	return func(r *Relay) { r.clientBind = a }
}

// WithGCInterval sets how often sessions retire old injection and ACK records.
func WithGCInterval(d time.Duration) Option {
	return func(r *Relay) { r.gcInterval = d }
}

// WithResendInterval sets how often unacknowledged relay-owned reliable packets are resent.
func WithResendInterval(d time.Duration) Option {
	return func(r *Relay) { r.resendInterval = d }
}

// WithIdleTimeout sets how long a session may go without traffic in either direction before its socket is released.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) { r.idleTimeout = d }
}

// WithInterceptors shares an existing interceptor registry with the relay.
func WithInterceptors(ic *Interceptors) Option {
	return func(r *Relay) { r.interceptors = ic }
}
