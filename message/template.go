// Package message describes message layouts (templates) and converts between typed messages and packet bodies.
//
// A Schema is the lookup table of templates, keyed both by name and by frequency+id.
// A Codec uses a Schema to Marshal messages into bodies and Unmarshal bodies back into messages;
// the packet header, zero-coding and ACK trailer are left to package protocol.
package message

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/protocol"
)

// FieldType is the primitive wire type of a single field.
type FieldType uint8

const (
	U8 FieldType = iota
	U16
	U32
	U64
	S8
	S16
	S32
	S64
	F32
	F64
	UUID
	Bool
	LLVector3
	LLVector3d
	LLVector4
	LLQuaternion
	IPAddr
	IPPort
	Variable
	Fixed
)

var fieldTypeNames = [...]string{
	U8: "U8", U16: "U16", U32: "U32", U64: "U64",
	S8: "S8", S16: "S16", S32: "S32", S64: "S64",
	F32: "F32", F64: "F64",
	UUID: "LLUUID", Bool: "BOOL",
	LLVector3: "LLVector3", LLVector3d: "LLVector3d", LLVector4: "LLVector4", LLQuaternion: "LLQuaternion",
	IPAddr: "IPADDR", IPPort: "IPPORT",
	Variable: "Variable", Fixed: "Fixed",
}

// String returns the template-file spelling of the type.
func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return "UNKNOWN"
}

// fixedSize returns the wire width of types that do not depend on the field template.
func (t FieldType) fixedSize() int {
	switch t {
	case U8, S8, Bool:
		return 1
	case U16, S16, IPPort:
		return 2
	case U32, S32, F32, IPAddr:
		return 4
	case U64, S64, F64:
		return 8
	case LLVector3:
		return 12
	case UUID, LLVector4, LLQuaternion:
		return 16
	case LLVector3d:
		return 24
	}
	return 0
}

// A FieldTemplate describes one field within a block.
type FieldTemplate struct {
	Name string
	Type FieldType
	// Size is the byte count of a Fixed field or the width (1 or 2) of a Variable field's length prefix.
	// Ignored for every other type.
	Size int
}

// MaxLen returns the largest payload a Variable field can carry.
func (f *FieldTemplate) MaxLen() int {
	if f.Size == 1 {
		return 0xFF
	}
	return 0xFFFF
}

// BlockKind determines how many instances of a block appear on the wire.
type BlockKind uint8

const (
	// Single blocks appear exactly once.
	Single BlockKind = iota
	// Multiple blocks appear exactly Count times.
	Multiple
	// VariableBlock blocks are prefixed with a one byte instance count.
	VariableBlock
)

func (k BlockKind) String() string {
	switch k {
	case Single:
		return "Single"
	case Multiple:
		return "Multiple"
	case VariableBlock:
		return "Variable"
	}
	return "UNKNOWN"
}

// A BlockTemplate describes a named group of fields.
type BlockTemplate struct {
	Name   string
	Kind   BlockKind
	Count  int // instance count of Multiple blocks
	Fields []FieldTemplate
}

// A Template describes the full layout of one message.
type Template struct {
	Name      string
	Frequency protocol.Frequency
	ID        uint16
	Trusted   bool
	Zerocoded bool
	Blocks    []BlockTemplate
}

// Header returns a header addressing this template.
func (t *Template) Header(flags protocol.Flags, seq uint16) protocol.Header {
	return protocol.Header{Flags: flags, Sequence: seq, Frequency: t.Frequency, ID: t.ID}
}

// Block returns the named block template or nil.
func (t *Template) Block(name string) *BlockTemplate {
	for i := range t.Blocks {
		if t.Blocks[i].Name == name {
			return &t.Blocks[i]
		}
	}
	return nil
}

// String returns a summary such as "PacketAck (Low 65531)".
func (t *Template) String() string {
	return fmt.Sprintf("%s (%s %d)", t.Name, t.Frequency, t.ID)
}

// A Schema is the lookup table of message templates.
// Schemas are immutable once built and safe for concurrent use.
type Schema struct {
	byName map[string]*Template
	byID   [3]map[uint16]*Template // indexed by protocol.Frequency
}

// ErrDuplicateTemplate is returned by NewSchema when two templates share a name or a frequency+id.
var ErrDuplicateTemplate = errors.New("duplicate template")

// NewSchema builds a Schema from the given templates.
// Each template is validated; names and frequency+id pairs must be unique.
func NewSchema(tmpls ...*Template) (*Schema, error) {
	s := &Schema{byName: make(map[string]*Template, len(tmpls))}
	for i := range s.byID {
		s.byID[i] = make(map[uint16]*Template)
	}
	for _, t := range tmpls {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, found := s.byName[t.Name]; found {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateTemplate, t.Name)
		}
		if prior, found := s.byID[t.Frequency][t.ID]; found {
			return nil, fmt.Errorf("%w: %s and %s share %s %d", ErrDuplicateTemplate, prior.Name, t.Name, t.Frequency, t.ID)
		}
		s.byName[t.Name] = t
		s.byID[t.Frequency][t.ID] = t
	}
	return s, nil
}

func (t *Template) validate() error {
	hdr := t.Header(0, 0)
	if errs := hdr.Validate(); len(errs) > 0 {
		return fmt.Errorf("template %s: %w", t.Name, errors.Join(errs...))
	}
	for _, b := range t.Blocks {
		if b.Kind == Multiple && (b.Count < 1 || b.Count > 0xFF) {
			return fmt.Errorf("template %s: block %s has bad repeat count %d", t.Name, b.Name, b.Count)
		}
		for _, f := range b.Fields {
			switch {
			case f.Type > Fixed:
				return fmt.Errorf("template %s: field %s has unknown type %d", t.Name, f.Name, f.Type)
			case f.Type == Variable && f.Size != 1 && f.Size != 2:
				return fmt.Errorf("template %s: variable field %s must have a 1 or 2 byte length prefix", t.Name, f.Name)
			case f.Type == Fixed && f.Size < 1:
				return fmt.Errorf("template %s: fixed field %s needs a positive size", t.Name, f.Name)
			}
		}
	}
	return nil
}

// ByName returns the template for the named message.
func (s *Schema) ByName(name string) (*Template, error) {
	if t, found := s.byName[name]; found {
		return t, nil
	}
	return nil, lludp.ErrUnknownName(name)
}

// ByID returns the template registered under the given frequency and id.
func (s *Schema) ByID(freq protocol.Frequency, id uint16) (*Template, error) {
	if freq <= protocol.Low {
		if t, found := s.byID[freq][id]; found {
			return t, nil
		}
	}
	return nil, lludp.ErrUnknownMessage(freq.String(), id)
}

// Templates returns every template in the schema, sorted by name.
func (s *Schema) Templates() []*Template {
	out := make([]*Template, 0, len(s.byName))
	for _, t := range s.byName {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Template) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of templates in the schema.
func (s *Schema) Len() int { return len(s.byName) }
