package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rflandau/lludp/circuit"
	"github.com/rflandau/lludp/config"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const full = `
log:
  level: debug
  format: json
circuit:
  tick: 250ms
  resend-timeout: 2s
  max-sequence: 1000
  throttle: 65536
network:
  sweep-interval: 30s
  agent-id: 0f0e0d0c-0b0a-0908-0706-050403020100
relay:
  listen: 127.0.0.1:12035
  admin: 127.0.0.1:8080
  sims:
    - 10.0.0.5:13000
    - "[::1]:13001"
  idle-timeout: 10m
`

func TestParse(t *testing.T) {
	t.Run("empty input is the default", func(t *testing.T) {
		cfg, err := config.Parse(strings.NewReader(""))
		require.NoError(t, err)
		require.Equal(t, config.Default(), cfg)
	})

	t.Run("full", func(t *testing.T) {
		cfg, err := config.Parse(strings.NewReader(full))
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.Log.Level)
		require.Equal(t, 250*time.Millisecond, cfg.Circuit.Tick)
		require.Equal(t, 2*time.Second, cfg.Circuit.ResendTimeout)
		require.Equal(t, uint16(1000), cfg.Circuit.MaxSequence)
		// untouched keys keep their defaults
		require.Equal(t, circuit.DefaultHandshakeTimeout, cfg.Circuit.HandshakeTimeout)
		require.Equal(t, relay.DefaultGCInterval, cfg.Relay.GCInterval)
		require.Equal(t, 10*time.Minute, cfg.Relay.IdleTimeout)
		require.Equal(t, uuid.MustParse("0f0e0d0c-0b0a-0908-0706-050403020100"), cfg.Network.AgentID)
		require.Equal(t, uuid.Nil, cfg.Network.SessionID)

		sims, err := cfg.Sims()
		require.NoError(t, err)
		require.Len(t, sims, 2)
		require.Equal(t, uint16(13001), sims[1].Port())
		listen, err := cfg.RelayListen()
		require.NoError(t, err)
		require.Equal(t, uint16(12035), listen.Port())

		require.Len(t, cfg.CircuitOptions(nil, nil, nil), 8)
		ropts, err := cfg.RelayOptions(nil, nil, nil)
		require.NoError(t, err)
		require.Len(t, ropts, 4)
	})

	tests := []struct {
		name string
		yaml string
		want string // substring of the error
	}{
		{"unknown key", "circuit:\n  tock: 1s\n", "tock"},
		{"bad duration", "circuit:\n  tick: soon\n", "soon"},
		{"negative duration", "relay:\n  gc-interval: -1s\n", "relay.gc-interval"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad sim", "relay:\n  sims: [nowhere]\n", "relay.sims[0]"},
		{"bad listen", "relay:\n  listen: 1.2.3.4\n", "relay.listen"},
		{"bad client bind", "relay:\n  client-bind: localhost\n", "relay.client-bind"},
		{"too many appended acks", "circuit:\n  max-appended-acks: 300\n", "max-appended-acks"},
		{"bad uuid", "network:\n  session-id: not-a-uuid\n", "UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "extra.msg")
	require.NoError(t, os.WriteFile(tmplPath, []byte(`
// replaces the built-in CompletePingCheck with a wider one
{
	CompletePingCheck High 2 NotTrusted Unencoded
	{
		PingID Single
		{ PingID U8 }
		{ Note Variable 1 }
	}
}

{
	ChatFromViewer Low 80 NotTrusted Zerocoded
	{
		ChatData Single
		{ Message Variable 2 }
		{ Channel S32 }
	}
}
`), 0o644))
	cfgPath := filepath.Join(dir, "lludp.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("templates: "+tmplPath+"\ntruncate: true\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.True(t, cfg.Truncate)

	codec, err := cfg.Codec(nil)
	require.NoError(t, err)
	s := codec.Schema()
	require.Equal(t, message.DefaultSchema().Len()+1, s.Len())
	chat, err := s.ByName("ChatFromViewer")
	require.NoError(t, err)
	require.True(t, chat.Zerocoded)
	cpc, err := s.ByName(message.CompletePingCheck)
	require.NoError(t, err)
	require.NotNil(t, cpc.Block("PingID"))
	require.Len(t, cpc.Block("PingID").Fields, 2)
	_, err = s.ByName(message.PacketAck)
	require.NoError(t, err)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	cfg.Templates = filepath.Join(dir, "missing.msg")
	_, err = cfg.Codec(nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Log = config.Log{Level: "info", Format: "json"}
	l, err := cfg.Logger(&buf, "relay")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, l.GetLevel())
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"tag":"relay"`)

	cfg.Log.Level = ""
	l, err = cfg.Logger(&buf, "relay")
	require.NoError(t, err)
	require.Equal(t, zerolog.WarnLevel, l.GetLevel())
}
