package message

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"
)

// Go types used for each FieldType:
//
//	U8..U64      uint8..uint64
//	S8..S64      int8..int64
//	F32, F64     float32, float64
//	UUID         uuid.UUID
//	Bool         bool
//	Vector3      message.Vector3
//	Vector3d     message.Vector3d
//	Vector4      message.Vector4
//	Quaternion   message.Quaternion
//	IPAddr       netip.Addr (IPv4)
//	IPPort       uint16
//	Variable     []byte
//	Fixed        []byte

type (
	Vector3    [3]float32
	Vector3d   [3]float64
	Vector4    [4]float32
	Quaternion [4]float32
)

// A Block is one instance of a block: field name -> value.
type Block map[string]any

// A Message is a typed, named unit of data.
// Blocks maps block names to their instances, in wire order.
// Fields or blocks absent from a message are encoded as zero values.
type Message struct {
	Name   string
	Blocks map[string][]Block
}

// New returns an empty message of the given type.
func New(name string) *Message {
	return &Message{Name: name, Blocks: make(map[string][]Block)}
}

// Add appends an instance of the named block and returns m for chaining.
func (m *Message) Add(block string, fields Block) *Message {
	if m.Blocks == nil {
		m.Blocks = make(map[string][]Block)
	}
	m.Blocks[block] = append(m.Blocks[block], fields)
	return m
}

// First returns the first instance of the named block or nil.
func (m *Message) First(block string) Block {
	if b := m.Blocks[block]; len(b) > 0 {
		return b[0]
	}
	return nil
}

// Field fetches a field from a block, reporting false if it is absent or of another type.
func Field[T any](b Block, name string) (T, bool) {
	v, ok := b[name].(T)
	return v, ok
}

// Clone returns a copy of m whose block slices and maps may be altered without affecting m.
// Byte slices are shared.
func (m *Message) Clone() *Message {
	out := &Message{Name: m.Name, Blocks: make(map[string][]Block, len(m.Blocks))}
	for name, instances := range m.Blocks {
		cp := make([]Block, len(instances))
		for i, b := range instances {
			cp[i] = maps.Clone(b)
		}
		out.Blocks[name] = cp
	}
	return out
}

// Zerolog attaches the message's name and block layout to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (m *Message) Zerolog(ev *zerolog.Event) {
	ev.Str("message", m.Name)
	names := slices.Sorted(maps.Keys(m.Blocks))
	d := zerolog.Dict()
	for _, n := range names {
		d.Int(n, len(m.Blocks[n]))
	}
	ev.Dict("blocks", d)
}

// String renders the message for debugging.
func (m *Message) String() string {
	s := m.Name
	for _, n := range slices.Sorted(maps.Keys(m.Blocks)) {
		for _, b := range m.Blocks[n] {
			s += fmt.Sprintf(" %s%v", n, map[string]any(b))
		}
	}
	return s
}
