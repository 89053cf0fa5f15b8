// Package config loads lludp settings from YAML and turns them into options for each component.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rflandau/lludp/circuit"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rflandau/lludp/network"
	"github.com/rflandau/lludp/relay"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root of a configuration file.
// Zero fields fall back to the defaults of the component they configure.
type Config struct {
	Log       Log     `yaml:"log"`
	Templates string  `yaml:"templates,omitempty"` // message template file; built-in messages are always available
	Truncate  bool    `yaml:"truncate,omitempty"`  // truncate overlong variable fields instead of failing
	Circuit   Circuit `yaml:"circuit"`
	Network   Network `yaml:"network"`
	Relay     Relay   `yaml:"relay"`
}

type Log struct {
	Level  string `yaml:"level,omitempty"`  // zerolog level name; default warn
	Format string `yaml:"format,omitempty"` // console or json; default console
}

type Circuit struct {
	Tick             time.Duration `yaml:"tick,omitempty"`
	ResendTimeout    time.Duration `yaml:"resend-timeout,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake-timeout,omitempty"`
	MaxSequence      uint16        `yaml:"max-sequence,omitempty"`
	RecentInbound    int           `yaml:"recent-inbound,omitempty"`
	MaxAppendedAcks  int           `yaml:"max-appended-acks,omitempty"`
	AckCeiling       int           `yaml:"ack-ceiling,omitempty"`
	Throttle         int           `yaml:"throttle,omitempty"` // bytes per second; 0 is unlimited
}

type Network struct {
	SweepInterval time.Duration `yaml:"sweep-interval,omitempty"`
	LogoutTimeout time.Duration `yaml:"logout-timeout,omitempty"`
	AgentID       uuid.UUID     `yaml:"agent-id,omitempty"`
	SessionID     uuid.UUID     `yaml:"session-id,omitempty"`
	NoBuiltins    bool          `yaml:"no-builtins,omitempty"`
}

type Relay struct {
	Listen         string        `yaml:"listen,omitempty"`      // sim-facing address
	ClientBind     string        `yaml:"client-bind,omitempty"` // address client-facing sockets bind to
	Admin          string        `yaml:"admin,omitempty"`       // admin API address; empty disables it
	Sims           []string      `yaml:"sims,omitempty"`
	GCInterval     time.Duration `yaml:"gc-interval,omitempty"`
	ResendInterval time.Duration `yaml:"resend-interval,omitempty"`
	IdleTimeout    time.Duration `yaml:"idle-timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: Log{Level: zerolog.WarnLevel.String(), Format: "console"},
		Circuit: Circuit{
			Tick:             circuit.DefaultTick,
			ResendTimeout:    circuit.DefaultResendTimeout,
			HandshakeTimeout: circuit.DefaultHandshakeTimeout,
			MaxSequence:      circuit.DefaultMaxSequence,
			RecentInbound:    circuit.DefaultRecentInbound,
			MaxAppendedAcks:  circuit.DefaultMaxAppendedAcks,
			AckCeiling:       circuit.DefaultAckCeiling,
		},
		Network: Network{
			SweepInterval: network.DefaultSweepInterval,
			LogoutTimeout: network.DefaultLogoutTimeout,
		},
		Relay: Relay{
			Listen:         "0.0.0.0:0",
			ClientBind:     "127.0.0.1",
			GCInterval:     relay.DefaultGCInterval,
			ResendInterval: relay.DefaultResendInterval,
			IdleTimeout:    relay.DefaultIdleTimeout,
		},
	}
}

// Load reads and validates the file at path over the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from rd over the defaults and validates the result.
// Unknown keys are an error.
func Parse(rd io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks every field that can be checked without touching the network or filesystem.
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q (want console or json)", c.Log.Format))
	}
	for name, d := range map[string]time.Duration{
		"circuit.tick":              c.Circuit.Tick,
		"circuit.resend-timeout":    c.Circuit.ResendTimeout,
		"circuit.handshake-timeout": c.Circuit.HandshakeTimeout,
		"network.sweep-interval":    c.Network.SweepInterval,
		"network.logout-timeout":    c.Network.LogoutTimeout,
		"relay.gc-interval":         c.Relay.GCInterval,
		"relay.resend-interval":     c.Relay.ResendInterval,
		"relay.idle-timeout":        c.Relay.IdleTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative (got %v)", name, d))
		}
	}
	if c.Circuit.MaxAppendedAcks > message.MaxAcksPerPacket {
		errs = append(errs, fmt.Errorf("circuit.max-appended-acks: at most %d fit in a packet", message.MaxAcksPerPacket))
	}
	if c.Relay.Listen != "" {
		if _, err := netip.ParseAddrPort(c.Relay.Listen); err != nil {
			errs = append(errs, fmt.Errorf("relay.listen: %w", err))
		}
	}
	if c.Relay.ClientBind != "" {
		if _, err := netip.ParseAddr(c.Relay.ClientBind); err != nil {
			errs = append(errs, fmt.Errorf("relay.client-bind: %w", err))
		}
	}
	if _, err := c.Sims(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sims parses relay.sims.
func (c Config) Sims() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(c.Relay.Sims))
	for i, s := range c.Relay.Sims {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("relay.sims[%d]: %w", i, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// RelayListen parses relay.listen. An empty value listens on any port.
func (c Config) RelayListen() (netip.AddrPort, error) {
	if c.Relay.Listen == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(c.Relay.Listen)
}

// Logger builds the root logger described by the log section.
// tag names the process in console output.
func (c Config) Logger(out io.Writer, tag string) (*zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		lvl = zerolog.WarnLevel
	}
	if out == nil {
		out = os.Stdout
	}
	if c.Log.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:         out,
			FieldsOrder: []string{"tag"},
			TimeFormat:  "15:04:05",
		}
	}
	l := zerolog.New(out).With().
		Str("tag", tag).
		Timestamp().
		Caller().
		Logger().Level(lvl)
	return &l, nil
}

// Codec builds the message codec: the built-in schema, extended by the templates file if one is set.
// Templates in the file replace built-in templates of the same name.
func (c Config) Codec(log *zerolog.Logger) (*message.Codec, error) {
	opts := []message.CodecOption{}
	if log != nil {
		opts = append(opts, message.WithLogger(log))
	}
	if c.Truncate {
		opts = append(opts, message.WithTruncation())
	}
	if c.Templates == "" {
		return message.NewCodec(nil, opts...), nil
	}

	f, err := os.Open(c.Templates)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	parsed, err := message.ParseTemplate(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Templates, err)
	}
	tmpls := parsed.Templates()
	for _, t := range message.DefaultTemplates() {
		if _, err := parsed.ByName(t.Name); err != nil {
			tmpls = append(tmpls, t)
		}
	}
	schema, err := message.NewSchema(tmpls...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Templates, err)
	}
	return message.NewCodec(schema, opts...), nil
}

// CircuitOptions returns the options for circuits built under this configuration.
// Zero settings are left to the circuit's defaults.
func (c Config) CircuitOptions(log *zerolog.Logger, codec *message.Codec, mt *metrics.Metrics) []circuit.Option {
	var opts []circuit.Option
	if c.Circuit.Tick > 0 {
		opts = append(opts, circuit.WithTick(c.Circuit.Tick))
	}
	if c.Circuit.ResendTimeout > 0 {
		opts = append(opts, circuit.WithResendTimeout(c.Circuit.ResendTimeout))
	}
	if c.Circuit.HandshakeTimeout > 0 {
		opts = append(opts, circuit.WithHandshakeTimeout(c.Circuit.HandshakeTimeout))
	}
	if c.Circuit.MaxSequence > 0 {
		opts = append(opts, circuit.WithMaxSequence(c.Circuit.MaxSequence))
	}
	if c.Circuit.RecentInbound > 0 {
		opts = append(opts, circuit.WithRecentInbound(c.Circuit.RecentInbound))
	}
	if c.Circuit.MaxAppendedAcks > 0 {
		opts = append(opts, circuit.WithMaxAppendedAcks(c.Circuit.MaxAppendedAcks))
	}
	if c.Circuit.AckCeiling > 0 {
		opts = append(opts, circuit.WithAckCeiling(c.Circuit.AckCeiling))
	}
	if c.Circuit.Throttle > 0 {
		opts = append(opts, circuit.WithThrottle(c.Circuit.Throttle))
	}
	if log != nil {
		opts = append(opts, circuit.WithLogger(log))
	}
	if codec != nil {
		opts = append(opts, circuit.WithCodec(codec))
	}
	if mt != nil {
		opts = append(opts, circuit.WithMetrics(mt))
	}
	return opts
}

// NetworkOptions returns the options for a connection manager. Its circuits get CircuitOptions.
// A zero sweep interval disables the silence sweep.
func (c Config) NetworkOptions(log *zerolog.Logger, codec *message.Codec, mt *metrics.Metrics) []network.Option {
	opts := []network.Option{
		network.WithSweepInterval(c.Network.SweepInterval),
		network.WithCircuitOptions(c.CircuitOptions(log, codec, mt)...),
	}
	if c.Network.LogoutTimeout > 0 {
		opts = append(opts, network.WithLogoutTimeout(c.Network.LogoutTimeout))
	}
	if c.Network.AgentID != uuid.Nil || c.Network.SessionID != uuid.Nil {
		opts = append(opts, network.WithAgent(c.Network.AgentID, c.Network.SessionID))
	}
	if c.Network.NoBuiltins {
		opts = append(opts, network.WithoutBuiltins())
	}
	if log != nil {
		opts = append(opts, network.WithLogger(log))
	}
	if codec != nil {
		opts = append(opts, network.WithCodec(codec))
	}
	if mt != nil {
		opts = append(opts, network.WithMetrics(mt))
	}
	return opts
}

// RelayOptions returns the options for a relay.
func (c Config) RelayOptions(log *zerolog.Logger, codec *message.Codec, mt *metrics.Metrics) ([]relay.Option, error) {
	opts := []relay.Option{
		relay.WithGCInterval(c.Relay.GCInterval),
		relay.WithResendInterval(c.Relay.ResendInterval),
		relay.WithIdleTimeout(c.Relay.IdleTimeout),
	}
	if c.Relay.ClientBind != "" {
		a, err := netip.ParseAddr(c.Relay.ClientBind)
		if err != nil {
			return nil, fmt.Errorf("relay.client-bind: %w", err)
		}
		opts = append(opts, relay.WithClientBind(a))
	}
	if log != nil {
		opts = append(opts, relay.WithLogger(log))
	}
	if codec != nil {
		opts = append(opts, relay.WithCodec(codec))
	}
	if mt != nil {
		opts = append(opts, relay.WithMetrics(mt))
	}
	return opts, nil
}
