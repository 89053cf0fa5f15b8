package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/protocol"
	"github.com/rflandau/lludp/relay"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

// startRelay builds a relay on localhost and runs it until the test ends.
func startRelay(t *testing.T, opts ...relay.Option) *relay.Relay {
	t.Helper()
	r, err := relay.New(netip.MustParseAddrPort("127.0.0.1:0"), append([]relay.Option{relay.WithLogger(quiet())}, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Error("relay exited with error:", err)
			}
		case <-time.After(wait):
			t.Error("relay did not stop")
		}
	})
	return r
}

func TestRelay(t *testing.T) {
	r := startRelay(t, relay.WithResendInterval(50*time.Millisecond))
	sim, client := NewPeer(t), NewPeer(t)

	listen, err := r.AddSim(sim.AddrPort())
	require.NoError(t, err)
	again, err := r.AddSim(sim.AddrPort())
	require.NoError(t, err)
	require.Equal(t, listen, again, "adding a sim twice reuses its session")

	// client -> sim, untouched
	out := pack(t, pingMsg(1), protocol.FlagReliable, 1)
	client.Send(t, listen, out)
	got := sim.Next(t, wait)
	require.Equal(t, r.LocalAddr(), got.From)
	require.Equal(t, out, got.Data)

	// sim -> client, untouched
	in := pack(t, message.New(message.CompletePingCheck).Add("PingID", message.Block{"PingID": uint8(1)}), 0, 1)
	sim.Send(t, r.LocalAddr(), in)
	got = client.Next(t, wait)
	require.Equal(t, listen, got.From)
	require.Equal(t, in, got.Data)

	info, err := r.Info(sim.AddrPort())
	require.NoError(t, err)
	require.Equal(t, client.AddrPort().String(), info.Client)
	require.Equal(t, listen.String(), info.Listen)

	t.Run("outgoing injection shifts the client's packets", func(t *testing.T) {
		queued, err := r.Inject(sim.AddrPort(), relay.Outgoing, pingMsg(50), false)
		require.NoError(t, err)
		require.False(t, queued)
		require.Equal(t, uint16(2), seqOf(t, sim.Next(t, wait).Data))

		client.Send(t, listen, pack(t, pingMsg(2), 0, 2))
		require.Equal(t, uint16(3), seqOf(t, sim.Next(t, wait).Data))
		require.Equal(t, 1.0, testutil.ToFloat64(r.Metrics().RelayInjected.WithLabelValues("outgoing")))
	})

	t.Run("reliable incoming injection is resent until acknowledged", func(t *testing.T) {
		_, err := r.Inject(sim.AddrPort(), relay.Incoming, pingMsg(60), true)
		require.NoError(t, err)
		first := client.Next(t, wait)
		seq := seqOf(t, first.Data)
		require.Equal(t, uint16(2), seq)

		resent := client.Next(t, wait)
		f, _ := unpack(t, resent.Data)
		require.Equal(t, seq, f.Header.Sequence)
		require.True(t, f.Header.Flags.Has(protocol.FlagResent))

		// acknowledge; the sim must see an empty PacketAck in that slot
		client.Send(t, listen, pack(t, message.Acks(uint32(seq)), 0, 3))
		require.Eventually(t, func() bool {
			info, _ := r.Info(sim.AddrPort())
			return info.Incoming.Awaiting == 0
		}, wait, 10*time.Millisecond)
		for {
			d := sim.Next(t, wait)
			_, m := unpack(t, d.Data)
			if m.Name == message.PacketAck {
				require.Empty(t, message.AckIDs(m))
				require.Equal(t, uint16(4), seqOf(t, d.Data))
				break
			}
		}
	})

	t.Run("unknown sim", func(t *testing.T) {
		_, err := r.Inject(netip.MustParseAddrPort("127.0.0.1:1"), relay.Outgoing, pingMsg(1), false)
		require.ErrorIs(t, err, relay.ErrUnknownSim)
		_, err = r.AddSim(netip.AddrPort{})
		require.Error(t, err)
	})

	t.Run("strangers are ignored", func(t *testing.T) {
		stranger := NewPeer(t)
		stranger.Send(t, r.LocalAddr(), in)
		if d, ok := client.TryNext(100 * time.Millisecond); ok {
			t.Fatalf("stranger's packet was relayed: %v", d)
		}
	})

	require.True(t, r.RemoveSim(sim.AddrPort()))
	require.False(t, r.RemoveSim(sim.AddrPort()))
	require.Empty(t, r.Sessions())
	require.Equal(t, 0.0, testutil.ToFloat64(r.Metrics().RelaySessions))
}

func TestIdleExpiry(t *testing.T) {
	r := startRelay(t, relay.WithIdleTimeout(50*time.Millisecond))
	sim := NewPeer(t)
	_, err := r.AddSim(sim.AddrPort())
	require.NoError(t, err)
	require.Len(t, r.Sessions(), 1)
	require.Eventually(t, func() bool { return len(r.Sessions()) == 0 }, wait, 10*time.Millisecond)
	require.Equal(t, 0.0, testutil.ToFloat64(r.Metrics().RelaySessions))
}

func TestClose(t *testing.T) {
	r, err := relay.New(netip.AddrPort{}, relay.WithLogger(quiet()))
	require.NoError(t, err)
	_, err = r.AddSim(NewPeer(t).AddrPort())
	require.NoError(t, err)
	r.Close()
	r.Close()
	require.Empty(t, r.Sessions())
	_, err = r.AddSim(NewPeer(t).AddrPort())
	require.ErrorIs(t, err, relay.ErrClosed)
	require.ErrorIs(t, r.Run(context.Background()), relay.ErrClosed)
}

func TestAdminAPI(t *testing.T) {
	r := startRelay(t)
	_, api := humatest.New(t)
	r.RegisterAPI(api)
	sim, client := NewPeer(t), NewPeer(t)
	simPath := "/sessions/" + sim.AddrPort().String()

	decode := func(t *testing.T, b []byte, v any) {
		t.Helper()
		require.NoError(t, json.Unmarshal(b, v))
	}

	resp := api.Post("/sessions", map[string]any{"sim": sim.AddrPort().String()})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var info relay.SessionInfo
	decode(t, resp.Body.Bytes(), &info)
	require.Equal(t, sim.AddrPort().String(), info.Sim)
	listen := netip.MustParseAddrPort(info.Listen)

	t.Run("list", func(t *testing.T) {
		resp := api.Get("/sessions")
		require.Equal(t, http.StatusOK, resp.Code)
		var list relay.SessionList
		decode(t, resp.Body.Bytes(), &list)
		require.Len(t, list.Sessions, 1)
		require.Equal(t, info.Sim, list.Sessions[0].Sim)
	})

	t.Run("get", func(t *testing.T) {
		require.Equal(t, http.StatusOK, api.Get(simPath).Code)
		require.Equal(t, http.StatusNotFound, api.Get("/sessions/127.0.0.1:1").Code)
		require.Equal(t, http.StatusBadRequest, api.Get("/sessions/not-an-address").Code)
	})

	t.Run("inject incoming before the client speaks", func(t *testing.T) {
		resp := api.Post(simPath+"/inject", map[string]any{
			"direction": "incoming",
			"message":   message.StartPingCheck,
			"blocks":    map[string]any{"PingID": []any{map[string]any{"PingID": 9}}},
		})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		var res relay.InjectResult
		decode(t, resp.Body.Bytes(), &res)
		require.True(t, res.Queued)

		client.Send(t, listen, pack(t, pingMsg(1), 0, 1))
		sim.Next(t, wait)
		_, m := unpack(t, client.Next(t, wait).Data)
		id, _ := message.Field[uint8](m.First("PingID"), "PingID")
		require.Equal(t, uint8(9), id)
	})

	t.Run("inject outgoing", func(t *testing.T) {
		resp := api.Post(simPath+"/inject", map[string]any{"direction": "out", "message": message.StartPingCheck, "reliable": true})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		f, m := unpack(t, sim.Next(t, wait).Data)
		require.Equal(t, message.StartPingCheck, m.Name)
		require.True(t, f.Header.Flags.Has(protocol.FlagReliable))
	})

	t.Run("inject errors", func(t *testing.T) {
		require.Equal(t, http.StatusUnprocessableEntity,
			api.Post(simPath+"/inject", map[string]any{"direction": "out", "message": "NoSuchMessage"}).Code)
		require.Equal(t, http.StatusUnprocessableEntity,
			api.Post(simPath+"/inject", map[string]any{"direction": "sideways", "message": message.StartPingCheck}).Code)
		require.Equal(t, http.StatusUnprocessableEntity,
			api.Post(simPath+"/inject", map[string]any{
				"direction": "out",
				"message":   message.StartPingCheck,
				"blocks":    map[string]any{"PingID": []any{map[string]any{"PingID": 300}}},
			}).Code)
		require.Equal(t, http.StatusNotFound,
			api.Post("/sessions/127.0.0.1:1/inject", map[string]any{"direction": "out", "message": message.StartPingCheck}).Code)
	})

	t.Run("gc", func(t *testing.T) {
		resp := api.Post(simPath + "/gc")
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		resp = api.Post(simPath + "/gc")
		var after relay.SessionInfo
		decode(t, resp.Body.Bytes(), &after)
		require.Empty(t, after.Outgoing.Injections)
		require.Equal(t, uint16(1), after.Outgoing.Offset)
	})

	t.Run("delete", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, api.Delete(simPath).Code)
		require.Equal(t, http.StatusNotFound, api.Delete(simPath).Code)
	})
}
