package message

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"

	"github.com/google/uuid"
	"github.com/rflandau/lludp"
)

// Coerce builds a message from loosely typed values, such as those produced by decoding JSON into map[string]any.
// Numbers may arrive as float64, json.Number or any Go integer; UUIDs and IP addresses as strings;
// vectors as arrays of numbers; Variable and Fixed fields as strings.
// Unknown blocks or fields and out-of-range numbers are errors.
func (s *Schema) Coerce(name string, blocks map[string][]map[string]any) (*Message, error) {
	t, err := s.ByName(name)
	if err != nil {
		return nil, err
	}
	m := New(name)
	for blockName, instances := range blocks {
		bt := t.Block(blockName)
		if bt == nil {
			return nil, fmt.Errorf("message %s has no block %q", name, blockName)
		}
		for _, raw := range instances {
			inst := make(Block, len(raw))
			for fieldName, v := range raw {
				f := bt.field(fieldName)
				if f == nil {
					return nil, fmt.Errorf("block %s.%s has no field %q", name, blockName, fieldName)
				}
				cv, err := coerceField(f, v)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", name, blockName, err)
				}
				inst[fieldName] = cv
			}
			m.Add(blockName, inst)
		}
	}
	return m, nil
}

func (b *BlockTemplate) field(name string) *FieldTemplate {
	for i := range b.Fields {
		if b.Fields[i].Name == name {
			return &b.Fields[i]
		}
	}
	return nil
}

func coerceField(f *FieldTemplate, v any) (any, error) {
	bad := func() error { return lludp.ErrWrongType(f.Name, f.Type.String(), v) }

	switch f.Type {
	case U8:
		return coerceInt[uint8](f, v, 0, math.MaxUint8)
	case U16, IPPort:
		return coerceInt[uint16](f, v, 0, math.MaxUint16)
	case U32:
		return coerceInt[uint32](f, v, 0, math.MaxUint32)
	case U64:
		return coerceInt[uint64](f, v, 0, math.MaxUint64)
	case S8:
		return coerceInt[int8](f, v, math.MinInt8, math.MaxInt8)
	case S16:
		return coerceInt[int16](f, v, math.MinInt16, math.MaxInt16)
	case S32:
		return coerceInt[int32](f, v, math.MinInt32, math.MaxInt32)
	case S64:
		return coerceInt[int64](f, v, math.MinInt64, math.MaxInt64)
	case F32:
		x, ok := number(v)
		if !ok {
			return nil, bad()
		}
		return float32(x), nil
	case F64:
		x, ok := number(v)
		if !ok {
			return nil, bad()
		}
		return x, nil
	case Bool:
		x, ok := v.(bool)
		if !ok {
			return nil, bad()
		}
		return x, nil
	case UUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x, nil
		case string:
			id, err := uuid.Parse(x)
			if err != nil {
				return nil, fmt.Errorf("%w (%v)", bad(), err)
			}
			return id, nil
		}
		return nil, bad()
	case IPAddr:
		switch x := v.(type) {
		case netip.Addr:
			return x, nil
		case string:
			a, err := netip.ParseAddr(x)
			if err != nil || !a.Unmap().Is4() {
				return nil, bad()
			}
			return a.Unmap(), nil
		}
		return nil, bad()
	case LLVector3:
		var out Vector3
		if !floats(v, out[:]) {
			return nil, bad()
		}
		return out, nil
	case LLVector4:
		var out Vector4
		if !floats(v, out[:]) {
			return nil, bad()
		}
		return out, nil
	case LLQuaternion:
		var out Quaternion
		if !floats(v, out[:]) {
			return nil, bad()
		}
		return out, nil
	case LLVector3d:
		arr, ok := v.([]any)
		if !ok || len(arr) != 3 {
			return nil, bad()
		}
		var out Vector3d
		for i, e := range arr {
			if out[i], ok = number(e); !ok {
				return nil, bad()
			}
		}
		return out, nil
	case Variable, Fixed:
		switch x := v.(type) {
		case string:
			return []byte(x), nil
		case []byte:
			return x, nil
		}
		return nil, bad()
	}
	return nil, bad()
}

func floats(v any, out []float32) bool {
	arr, ok := v.([]any)
	if !ok || len(arr) != len(out) {
		return false
	}
	for i, e := range arr {
		x, ok := number(e)
		if !ok {
			return false
		}
		out[i] = float32(x)
	}
	return true
}

// number converts any numeric representation to a float64.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

type integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// coerceInt converts v to T, rejecting fractional or out of range values.
func coerceInt[T integer](f *FieldTemplate, v any, lo, hi float64) (T, error) {
	if x, ok := v.(T); ok {
		return x, nil
	}
	if n, ok := v.(json.Number); ok {
		// exact path for 64 bit values that a float64 cannot hold
		if i, err := n.Int64(); err == nil && float64(i) >= lo && float64(i) <= hi {
			return T(i), nil
		}
	}
	x, ok := number(v)
	if !ok || x != math.Trunc(x) {
		return 0, lludp.ErrWrongType(f.Name, f.Type.String(), v)
	}
	if x < lo || x > hi {
		return 0, fmt.Errorf("%w: field %s value %v out of range [%v, %v]", lludp.ErrFieldType, f.Name, x, lo, hi)
	}
	return T(x), nil
}
