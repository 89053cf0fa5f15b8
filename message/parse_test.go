package message_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/rflandau/lludp"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/protocol"
)

func TestParseTemplate(t *testing.T) {
	const src = `
// a comment
version 2.0
{
	TestMessage Low 1 NotTrusted Zerocoded UDPDeprecated
	{
		TestBlock1 Single
		{ Test1 U32 }
	}
	{
		NeighborBlock Multiple 4
		{ Test0 U32 }
		{ Test1 U32 }	// trailing comment
	}
}
{
	PacketAck Fixed 0xFFFFFFFB NotTrusted Unencoded
	{
		Packets Variable
		{ ID U32 }
	}
}
{
	ObjectUpdate High 12 Trusted Zerocoded
	{
		ObjectData Variable
		{ ID U32 } { Data Variable 2 } { TextureEntry Fixed 16 }
	}
}
`
	s, err := message.ParseTemplate(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatal("bad template count", ExpectedActual(3, s.Len()))
	}

	tm, err := s.ByName("TestMessage")
	if err != nil {
		t.Fatal(err)
	}
	if tm.Frequency != protocol.Low || tm.ID != 1 || tm.Trusted || !tm.Zerocoded {
		t.Error("bad TestMessage header", tm)
	}
	nb := tm.Block("NeighborBlock")
	if nb == nil || nb.Kind != message.Multiple || nb.Count != 4 || len(nb.Fields) != 2 {
		t.Errorf("bad NeighborBlock: %+v", nb)
	}

	ack, err := s.ByID(protocol.Low, 0xFFFB)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Name != "PacketAck" || ack.Blocks[0].Kind != message.VariableBlock {
		t.Error("bad PacketAck", ack)
	}

	ou, err := s.ByID(protocol.High, 12)
	if err != nil {
		t.Fatal(err)
	}
	fields := ou.Block("ObjectData").Fields
	if fields[1].Type != message.Variable || fields[1].Size != 2 || fields[1].MaxLen() != 0xFFFF {
		t.Errorf("bad variable field %+v", fields[1])
	}
	if fields[2].Type != message.Fixed || fields[2].Size != 16 {
		t.Errorf("bad fixed field %+v", fields[2])
	}

	names := []string{}
	for _, tmpl := range s.Templates() {
		names = append(names, tmpl.Name)
	}
	if strings.Join(names, ",") != "ObjectUpdate,PacketAck,TestMessage" {
		t.Error("templates not sorted by name", names)
	}
}

func TestParseTemplateErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
	}{
		{name: "unknown frequency", src: `{ A Sometimes 1 NotTrusted Unencoded }`},
		{name: "bad number", src: `{ A Low one NotTrusted Unencoded }`},
		{name: "unterminated", src: `{ A Low 1 NotTrusted Unencoded { B Single { C U8 }`},
		{name: "unknown type", src: `{ A Low 1 NotTrusted Unencoded { B Single { C U7 } } }`},
		{name: "variable without size", src: `{ A Low 1 NotTrusted Unencoded { B Single { C Variable } } }`},
		{name: "variable with bad size", src: `{ A Low 1 NotTrusted Unencoded { B Single { C Variable 3 } } }`},
		{name: "unknown block kind", src: `{ A Low 1 NotTrusted Unencoded { B Several { C U8 } } }`},
		{name: "high id too large", src: `{ A High 300 NotTrusted Unencoded }`},
		{name: "duplicate name", wantErr: message.ErrDuplicateTemplate,
			src: `{ A Low 1 NotTrusted Unencoded } { A Low 2 NotTrusted Unencoded }`},
		{name: "duplicate id", wantErr: message.ErrDuplicateTemplate,
			src: `{ A Low 1 NotTrusted Unencoded } { B Low 1 NotTrusted Unencoded }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := message.ParseTemplate(strings.NewReader(tt.src))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Error("unexpected error", ExpectedActual(tt.wantErr, err))
			}
		})
	}
}

func TestDefaultSchema(t *testing.T) {
	s := message.DefaultSchema()
	for _, tt := range []struct {
		name string
		freq protocol.Frequency
		id   uint16
	}{
		{message.StartPingCheck, protocol.High, 1},
		{message.CompletePingCheck, protocol.High, 2},
		{message.UseCircuitCode, protocol.Low, 3},
		{message.RegionHandshake, protocol.Low, 148},
		{message.RegionHandshakeReply, protocol.Low, 149},
		{message.KickUser, protocol.Low, 163},
		{message.LogoutRequest, protocol.Low, 252},
		{message.LogoutReply, protocol.Low, 253},
		{message.PacketAck, protocol.Low, 0xFFFB},
		{message.OpenCircuit, protocol.Low, 0xFFFC},
		{message.CloseCircuit, protocol.Low, 0xFFFD},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := s.ByName(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if tmpl.Frequency != tt.freq || tmpl.ID != tt.id {
				t.Error("bad address", ExpectedActual(tt.id, tmpl.ID))
			}
			byID, err := s.ByID(tt.freq, tt.id)
			if err != nil || byID != tmpl {
				t.Error("id lookup disagrees with name lookup", err)
			}
		})
	}
	if _, err := s.ByName("Nope"); !errors.Is(err, lludp.ErrUnknownMessageName) {
		t.Error("expected ErrUnknownMessageName", err)
	}
}

func TestExtend(t *testing.T) {
	extra := &message.Template{Name: "ChatFromViewer", Frequency: protocol.Low, ID: 80, Blocks: []message.BlockTemplate{
		{Name: "ChatData", Kind: message.Single, Fields: []message.FieldTemplate{{Name: "Message", Type: message.Variable, Size: 2}}},
	}}
	s, err := message.Extend(extra)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != message.DefaultSchema().Len()+1 {
		t.Error("extended schema has the wrong size", s.Len())
	}
	if _, err := message.Extend(&message.Template{Name: "Clash", Frequency: protocol.High, ID: 1}); !errors.Is(err, message.ErrDuplicateTemplate) {
		t.Error("expected a clash with StartPingCheck", err)
	}
}
