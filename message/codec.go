package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"os"

	"github.com/google/uuid"
	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/protocol"
	"github.com/rs/zerolog"
)

// A Codec converts between Messages and packet bodies according to a Schema.
// Codecs hold no mutable state and are safe for concurrent use.
type Codec struct {
	schema   *Schema
	truncate bool
	log      *zerolog.Logger
}

// CodecOption function to set various options on a codec.
type CodecOption func(*Codec)

// WithTruncation makes Marshal cut overlong Variable and Fixed fields down to their capacity (logging a warning) instead of failing with ErrFieldTooLarge.
// Truncation silently alters data the receiver sees; only use it when that is acceptable.
func WithTruncation() CodecOption {
	return func(c *Codec) { c.truncate = true }
}

// WithLogger replaces the codec's default logger with the given logger.
func WithLogger(l *zerolog.Logger) CodecOption {
	return func(c *Codec) { c.log = l }
}

// NewCodec returns a codec over the given schema. A nil schema selects DefaultSchema.
func NewCodec(s *Schema, opts ...CodecOption) *Codec {
	if s == nil {
		s = DefaultSchema()
	}
	c := &Codec{schema: s}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
			With().Timestamp().Str("component", "codec").Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	return c
}

// Schema returns the schema the codec was built over.
func (c *Codec) Schema() *Schema { return c.schema }

//#region encoding

// Marshal serializes m's blocks in template order and returns the template alongside the body.
//
// Variable blocks are prefixed with their instance count (ErrTooManyRepeats past 255).
// Variable fields are prefixed with their length (ErrFieldTooLarge past their cap, unless WithTruncation).
func (c *Codec) Marshal(m *Message) (*Template, []byte, error) {
	t, err := c.schema.ByName(m.Name)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, 0, 64)
	for i := range t.Blocks {
		bt := &t.Blocks[i]
		instances := m.Blocks[bt.Name]

		var n int
		switch bt.Kind {
		case Single:
			if len(instances) > 1 {
				return t, nil, fmt.Errorf("%w: block %s is Single but has %d instances", lludp.ErrTooManyRepeats, bt.Name, len(instances))
			}
			n = 1
		case Multiple:
			if len(instances) > bt.Count {
				return t, nil, fmt.Errorf("%w: block %s has %d instances but holds only %d", lludp.ErrTooManyRepeats, bt.Name, len(instances), bt.Count)
			}
			n = bt.Count
		case VariableBlock:
			if len(instances) > 0xFF {
				return t, nil, lludp.ErrRepeats(bt.Name, len(instances))
			}
			n = len(instances)
			buf = append(buf, byte(n))
		}

		for j := range n {
			var inst Block
			if j < len(instances) {
				inst = instances[j]
			}
			for k := range bt.Fields {
				f := &bt.Fields[k]
				if buf, err = c.appendField(buf, t.Name, f, inst[f.Name]); err != nil {
					return t, nil, err
				}
			}
		}
	}
	return t, buf, nil
}

// Encode builds a complete datagram for m, zero-coding it if that makes it smaller.
func (c *Codec) Encode(m *Message, flags protocol.Flags, seq uint16) ([]byte, error) {
	t, body, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}
	return protocol.Pack(&protocol.Frame{Header: t.Header(flags, seq), Body: body}, true)
}

// as casts v to T, treating nil as T's zero value.
func as[T any](msg string, f *FieldTemplate, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	x, ok := v.(T)
	if !ok {
		return zero, lludp.ErrWrongType(msg+"."+f.Name, f.Type.String(), v)
	}
	return x, nil
}

func (c *Codec) appendField(buf []byte, msg string, f *FieldTemplate, v any) ([]byte, error) {
	le := binary.LittleEndian
	var err error
	switch f.Type {
	case U8:
		var x uint8
		x, err = as[uint8](msg, f, v)
		buf = append(buf, x)
	case U16:
		var x uint16
		x, err = as[uint16](msg, f, v)
		buf = le.AppendUint16(buf, x)
	case U32:
		var x uint32
		x, err = as[uint32](msg, f, v)
		buf = le.AppendUint32(buf, x)
	case U64:
		var x uint64
		x, err = as[uint64](msg, f, v)
		buf = le.AppendUint64(buf, x)
	case S8:
		var x int8
		x, err = as[int8](msg, f, v)
		buf = append(buf, byte(x))
	case S16:
		var x int16
		x, err = as[int16](msg, f, v)
		buf = le.AppendUint16(buf, uint16(x))
	case S32:
		var x int32
		x, err = as[int32](msg, f, v)
		buf = le.AppendUint32(buf, uint32(x))
	case S64:
		var x int64
		x, err = as[int64](msg, f, v)
		buf = le.AppendUint64(buf, uint64(x))
	case F32:
		var x float32
		x, err = as[float32](msg, f, v)
		buf = le.AppendUint32(buf, math.Float32bits(x))
	case F64:
		var x float64
		x, err = as[float64](msg, f, v)
		buf = le.AppendUint64(buf, math.Float64bits(x))
	case UUID:
		var x uuid.UUID
		x, err = as[uuid.UUID](msg, f, v)
		buf = append(buf, x[:]...)
	case Bool:
		var x bool
		x, err = as[bool](msg, f, v)
		if x {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case LLVector3:
		var x Vector3
		x, err = as[Vector3](msg, f, v)
		buf = appendFloats32(buf, x[:])
	case LLVector3d:
		var x Vector3d
		x, err = as[Vector3d](msg, f, v)
		for _, e := range x {
			buf = le.AppendUint64(buf, math.Float64bits(e))
		}
	case LLVector4:
		var x Vector4
		x, err = as[Vector4](msg, f, v)
		buf = appendFloats32(buf, x[:])
	case LLQuaternion:
		var x Quaternion
		x, err = as[Quaternion](msg, f, v)
		buf = appendFloats32(buf, x[:])
	case IPAddr:
		var x netip.Addr
		if x, err = as[netip.Addr](msg, f, v); err == nil {
			switch {
			case !x.IsValid():
				x = netip.IPv4Unspecified()
			case x.Is4In6():
				x = x.Unmap()
			case !x.Is4():
				err = lludp.ErrWrongType(msg+"."+f.Name, "IPv4 address", v)
			}
		}
		if err == nil {
			a := x.As4()
			buf = append(buf, a[:]...)
		}
	case IPPort:
		var x uint16
		x, err = as[uint16](msg, f, v)
		buf = binary.BigEndian.AppendUint16(buf, x)
	case Variable:
		var b []byte
		if b, err = blob(msg, f, v); err == nil {
			if b, err = c.fit(msg, f, b, f.MaxLen()); err == nil {
				if f.Size == 1 {
					buf = append(buf, byte(len(b)))
				} else {
					buf = le.AppendUint16(buf, uint16(len(b)))
				}
				buf = append(buf, b...)
			}
		}
	case Fixed:
		var b []byte
		if b, err = blob(msg, f, v); err == nil {
			if b, err = c.fit(msg, f, b, f.Size); err == nil {
				buf = append(buf, b...)
				buf = append(buf, make([]byte, f.Size-len(b))...)
			}
		}
	default:
		err = fmt.Errorf("field %s.%s has unknown type %d", msg, f.Name, f.Type)
	}
	return buf, err
}

func appendFloats32(buf []byte, fs []float32) []byte {
	for _, e := range fs {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(e))
	}
	return buf
}

// blob accepts []byte or string values for Variable and Fixed fields.
func blob(msg string, f *FieldTemplate, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, lludp.ErrWrongType(msg+"."+f.Name, f.Type.String(), v)
}

// fit enforces the byte cap of a blob field, truncating only if the codec was built WithTruncation.
func (c *Codec) fit(msg string, f *FieldTemplate, b []byte, max int) ([]byte, error) {
	if len(b) <= max {
		return b, nil
	}
	if !c.truncate {
		return nil, lludp.ErrTooLarge(msg+"."+f.Name, len(b), max)
	}
	c.log.Warn().Str("message", msg).Str("field", f.Name).Int("length", len(b)).Int("max", max).Msg("truncating overlong field")
	return b[:max], nil
}

//#endregion encoding

//#region decoding

type reader struct {
	b   []byte
	pos int
}

func (r *reader) take(n int, where string) ([]byte, error) {
	if rem := len(r.b) - r.pos; rem < n {
		return nil, lludp.ErrTruncated(where, n, rem)
	}
	s := r.b[r.pos : r.pos+n]
	r.pos += n
	return s, nil
}

// Unmarshal decodes a body addressed by the given frequency and id.
// Every byte slice in the result is copied out of body.
// Trailing bytes beyond what the template describes are ignored.
func (c *Codec) Unmarshal(freq protocol.Frequency, id uint16, body []byte) (*Message, error) {
	t, err := c.schema.ByID(freq, id)
	if err != nil {
		return nil, err
	}
	m := New(t.Name)
	r := &reader{b: body}
	for i := range t.Blocks {
		bt := &t.Blocks[i]
		var n int
		switch bt.Kind {
		case Single:
			n = 1
		case Multiple:
			n = bt.Count
		case VariableBlock:
			cnt, err := r.take(1, t.Name+"."+bt.Name+" count")
			if err != nil {
				return nil, err
			}
			n = int(cnt[0])
		}
		if n == 0 {
			continue
		}
		instances := make([]Block, n)
		for j := range n {
			inst := make(Block, len(bt.Fields))
			for k := range bt.Fields {
				f := &bt.Fields[k]
				v, err := readField(r, t.Name+"."+bt.Name+"."+f.Name, f)
				if err != nil {
					return nil, err
				}
				inst[f.Name] = v
			}
			instances[j] = inst
		}
		m.Blocks[bt.Name] = instances
	}
	return m, nil
}

// Decode unpacks a datagram and decodes its body.
// The frame is returned even when the body fails to decode, so callers can still read its header and ACKs.
func (c *Codec) Decode(b, scratch []byte) (protocol.Frame, *Message, error) {
	f, err := protocol.Unpack(b, scratch)
	if err != nil {
		return f, nil, err
	}
	m, err := c.Unmarshal(f.Header.Frequency, f.Header.ID, f.Body)
	return f, m, err
}

func readField(r *reader, where string, f *FieldTemplate) (any, error) {
	le := binary.LittleEndian
	switch f.Type {
	case Variable:
		p, err := r.take(f.Size, where+" length")
		if err != nil {
			return nil, err
		}
		n := int(p[0])
		if f.Size == 2 {
			n = int(le.Uint16(p))
		}
		b, err := r.take(n, where)
		if err != nil {
			return nil, err
		}
		return bytes.Clone(b), nil
	case Fixed:
		b, err := r.take(f.Size, where)
		if err != nil {
			return nil, err
		}
		return bytes.Clone(b), nil
	}

	b, err := r.take(f.Type.fixedSize(), where)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case U8:
		return b[0], nil
	case U16:
		return le.Uint16(b), nil
	case U32:
		return le.Uint32(b), nil
	case U64:
		return le.Uint64(b), nil
	case S8:
		return int8(b[0]), nil
	case S16:
		return int16(le.Uint16(b)), nil
	case S32:
		return int32(le.Uint32(b)), nil
	case S64:
		return int64(le.Uint64(b)), nil
	case F32:
		return math.Float32frombits(le.Uint32(b)), nil
	case F64:
		return math.Float64frombits(le.Uint64(b)), nil
	case UUID:
		return uuid.UUID(b), nil
	case Bool:
		return b[0] != 0, nil
	case LLVector3:
		var v Vector3
		readFloats32(b, v[:])
		return v, nil
	case LLVector3d:
		var v Vector3d
		for i := range v {
			v[i] = math.Float64frombits(le.Uint64(b[i*8:]))
		}
		return v, nil
	case LLVector4:
		var v Vector4
		readFloats32(b, v[:])
		return v, nil
	case LLQuaternion:
		var v Quaternion
		readFloats32(b, v[:])
		return v, nil
	case IPAddr:
		return netip.AddrFrom4([4]byte(b)), nil
	case IPPort:
		return binary.BigEndian.Uint16(b), nil
	}
	return nil, fmt.Errorf("field %s has unknown type %d", where, f.Type)
}

func readFloats32(b []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
}

//#endregion decoding
