package network

import (
	"time"

	"github.com/google/uuid"
	"github.com/rflandau/lludp/circuit"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rs/zerolog"
)

// Defaults applied to options left unset.
const (
	DefaultSweepInterval time.Duration = 15 * time.Second
	DefaultLogoutTimeout time.Duration = 5 * time.Second
)

// An Option function sets various options on a manager.
// Uses defaults if an option is not set.
type Option func(*Manager)

// WithLogger replaces the manager's default logger.
// Circuits created by the manager log through children of this logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCodec sets the codec shared by every circuit. Defaults to a codec over message.DefaultSchema.
// The schema must contain the default templates for the built-in handlers to function.
func WithCodec(c *message.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithAgent sets the agent and session ids presented in UseCircuitCode, RegionHandshakeReply and LogoutRequest.
func WithAgent(agentID, sessionID uuid.UUID) Option {
	return func(m *Manager) {
		m.agentID = agentID
		m.sessionID = sessionID
	}
}

// WithCircuitOptions appends options given to every circuit the manager creates.
// The manager's own logger, codec, dispatcher, close hook and metrics take precedence.
func WithCircuitOptions(opts ...circuit.Option) Option {
	return func(m *Manager) { m.circuitOpts = append(m.circuitOpts, opts...) }
}

// WithSweepInterval sets how often circuits are checked for silence.
// A circuit silent for two consecutive sweeps is disconnected. Zero or negative disables sweeping.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithLogoutTimeout bounds how long Logout waits for LogoutReply before tearing down regardless.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) { m.logoutTimeout = d }
}

// WithMetrics records the activity of the manager's circuits in mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithoutBuiltins skips registering the handlers for StartPingCheck, RegionHandshake, KickUser and CloseCircuit.
func WithoutBuiltins() Option {
	return func(m *Manager) { m.noBuiltins = true }
}
