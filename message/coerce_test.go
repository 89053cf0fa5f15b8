package message_test

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/rflandau/lludp"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/message"
)

func TestCoerce(t *testing.T) {
	s := sinkSchema(t)
	id := uuid.New()
	var blocks map[string][]map[string]any
	raw := `{
		"Ints": [{"A": 200, "B": 65535, "E": -5, "H": -1}],
		"Floats": [{"X": 1.25, "Y": 3}],
		"Things": [{"ID": "` + id.String() + `", "On": true, "Pos": [1, 2, 3], "Rot": [0, 0, 0, 1]}],
		"Net": [{"IP": "192.168.0.1", "Port": 9000, "Short": "hello"}]
	}`
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		t.Fatal(err)
	}
	m, err := s.Coerce("Everything", blocks)
	if err != nil {
		t.Fatal(err)
	}

	ints := m.First("Ints")
	if a, _ := message.Field[uint8](ints, "A"); a != 200 {
		t.Error("bad U8", ExpectedActual(200, a))
	}
	if e, _ := message.Field[int8](ints, "E"); e != -5 {
		t.Error("bad S8", ExpectedActual(-5, e))
	}
	if y, _ := message.Field[float64](m.First("Floats"), "Y"); y != 3 {
		t.Error("bad F64", ExpectedActual(3, y))
	}
	things := m.First("Things")
	if got, _ := message.Field[uuid.UUID](things, "ID"); got != id {
		t.Error("bad UUID", ExpectedActual(id, got))
	}
	if pos, _ := message.Field[message.Vector3](things, "Pos"); pos != (message.Vector3{1, 2, 3}) {
		t.Error("bad vector", pos)
	}
	if ip, _ := message.Field[netip.Addr](m.First("Net"), "IP"); ip != netip.MustParseAddr("192.168.0.1") {
		t.Error("bad IP", ip)
	}

	// coerced messages must be encodable as is
	if _, _, err := message.NewCodec(s).Marshal(m); err != nil {
		t.Error("coerced message does not marshal:", err)
	}
}

func TestCoerceErrors(t *testing.T) {
	s := sinkSchema(t)
	tests := []struct {
		name    string
		msg     string
		blocks  map[string][]map[string]any
		wantErr error
	}{
		{"unknown message", "Nope", nil, lludp.ErrUnknownMessageName},
		{"unknown block", "Everything", map[string][]map[string]any{"Nope": {{}}}, nil},
		{"unknown field", "Everything", map[string][]map[string]any{"Ints": {{"Z": 1.0}}}, nil},
		{"out of range", "Everything", map[string][]map[string]any{"Ints": {{"A": 256.0}}}, lludp.ErrFieldType},
		{"negative unsigned", "Everything", map[string][]map[string]any{"Ints": {{"C": -1.0}}}, lludp.ErrFieldType},
		{"fractional", "Everything", map[string][]map[string]any{"Ints": {{"G": 1.5}}}, lludp.ErrFieldType},
		{"bad uuid", "Everything", map[string][]map[string]any{"Things": {{"ID": "xyz"}}}, lludp.ErrFieldType},
		{"short vector", "Everything", map[string][]map[string]any{"Things": {{"Pos": []any{1.0}}}}, lludp.ErrFieldType},
		{"ipv6", "Everything", map[string][]map[string]any{"Net": {{"IP": "::1"}}}, lludp.ErrFieldType},
		{"bool as string", "Everything", map[string][]map[string]any{"Things": {{"On": "yes"}}}, lludp.ErrFieldType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Coerce(tt.msg, tt.blocks)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Error("unexpected error", ExpectedActual(tt.wantErr, err))
			}
		})
	}
}
