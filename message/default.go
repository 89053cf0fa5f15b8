package message

import (
	_ "embed"
	"strings"
	"sync"
)

// Names of the messages the transport core sends or handles itself.
const (
	StartPingCheck       = "StartPingCheck"
	CompletePingCheck    = "CompletePingCheck"
	UseCircuitCode       = "UseCircuitCode"
	RegionHandshake      = "RegionHandshake"
	RegionHandshakeReply = "RegionHandshakeReply"
	KickUser             = "KickUser"
	LogoutRequest        = "LogoutRequest"
	LogoutReply          = "LogoutReply"
	PacketAck            = "PacketAck"
	OpenCircuit          = "OpenCircuit"
	CloseCircuit         = "CloseCircuit"
)

// MaxAcksPerPacket is the most entries a single PacketAck can carry (its Packets block is variable).
const MaxAcksPerPacket = 0xFF

//go:embed default.msg
var defaultTemplate string

var defaultSchema = sync.OnceValue(func() *Schema {
	s, err := ParseTemplate(strings.NewReader(defaultTemplate))
	if err != nil {
		panic("built-in message template is invalid: " + err.Error())
	}
	return s
})

// DefaultSchema returns the schema of built-in messages used by the transport core.
// Applications that need more messages should build their own schema that includes these templates
// (see DefaultTemplates).
func DefaultSchema() *Schema {
	return defaultSchema()
}

// DefaultTemplates returns the built-in templates, for merging into a larger schema.
func DefaultTemplates() []*Template {
	return defaultSchema().Templates()
}

// Extend returns a new schema holding the built-in templates plus the given ones.
func Extend(tmpls ...*Template) (*Schema, error) {
	return NewSchema(append(DefaultTemplates(), tmpls...)...)
}

// Acks builds a PacketAck message acknowledging the given sequence numbers.
func Acks(seqs ...uint32) *Message {
	m := New(PacketAck)
	for _, s := range seqs {
		m.Add("Packets", Block{"ID": s})
	}
	return m
}

// AckIDs returns the sequence numbers acknowledged by a PacketAck message.
func AckIDs(m *Message) []uint32 {
	blocks := m.Blocks["Packets"]
	out := make([]uint32, 0, len(blocks))
	for _, b := range blocks {
		if id, ok := Field[uint32](b, "ID"); ok {
			out = append(out, id)
		}
	}
	return out
}
