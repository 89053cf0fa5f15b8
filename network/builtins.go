package network

import (
	"strings"

	"github.com/rflandau/lludp/circuit"
	"github.com/rflandau/lludp/message"
)

// registerBuiltins installs the handlers every session needs regardless of application.
func (m *Manager) registerBuiltins() {
	m.Register(message.StartPingCheck, HandlerFunc(m.onStartPingCheck))
	m.Register(message.RegionHandshake, HandlerFunc(m.onRegionHandshake))
	m.Register(message.KickUser, HandlerFunc(m.onKickUser))
	m.Register(message.CloseCircuit, HandlerFunc(m.onCloseCircuit))
}

// onStartPingCheck echoes the ping id back in a CompletePingCheck.
func (m *Manager) onStartPingCheck(msg *message.Message, c *circuit.Circuit) {
	id, _ := message.Field[uint8](msg.First("PingID"), "PingID")
	reply := message.New(message.CompletePingCheck).Add("PingID", message.Block{"PingID": id})
	if _, err := c.Send(reply, false); err != nil {
		m.log.Debug().Err(err).Msg("failed to answer ping")
	}
}

// onRegionHandshake acknowledges the region's handshake, which the peer requires before it streams region data.
func (m *Manager) onRegionHandshake(msg *message.Message, c *circuit.Circuit) {
	name, _ := message.Field[[]byte](msg.First("RegionInfo"), "SimName")
	m.log.Info().Str("peer", c.Peer().String()).Str("region", trimNul(name)).Msg("region handshake")
	reply := message.New(message.RegionHandshakeReply).
		Add("AgentData", message.Block{"AgentID": m.agentID, "SessionID": m.sessionID}).
		Add("RegionInfo", message.Block{"Flags": uint32(0)})
	if _, err := c.Send(reply, true); err != nil {
		m.log.Warn().Err(err).Msg("failed to reply to region handshake")
	}
}

// onKickUser ends the session with the peer's reason.
func (m *Manager) onKickUser(msg *message.Message, c *circuit.Circuit) {
	reason, _ := message.Field[[]byte](msg.First("UserInfo"), "Reason")
	m.log.Warn().Str("peer", c.Peer().String()).Str("reason", trimNul(reason)).Msg("kicked")
	m.Shutdown(circuit.ServerInitiated, trimNul(reason))
}

// onCloseCircuit drops the circuit the peer closed. Losing the current circuit this way ends the session.
func (m *Manager) onCloseCircuit(_ *message.Message, c *circuit.Circuit) {
	if c == m.Current() {
		m.Shutdown(circuit.ServerInitiated, "")
		return
	}
	m.Disconnect(c, circuit.ServerInitiated)
}

// trimNul renders a variable field as text, dropping the NUL terminator peers append to strings.
func trimNul(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
