// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package schema describes the attributes carried by indexed events and the
// fixed-width byte codecs used to store them inside tree nodes.
//
// Every event has an int64 timestamp followed by one value per attribute.
// Attributes flagged as aggregated get a min/max/sum/count slot in every
// index entry of the tree.
package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Type is the semantic type of an attribute. The values are persisted in
// meta files and must not change.
type Type uint8

const (
	Int32 Type = iota + 1
	Int64
	Float32
	Float64
	Bool
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses the output of Type.String.
func ParseType(s string) (Type, error) {
	for t := Int32; t <= Bool; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, errors.Newf("unknown attribute type %q", s)
}

// Size returns the encoded width of a value of this type.
func (t Type) Size() int {
	return codecs[t].size
}

// Numeric reports whether values of the type can be aggregated.
func (t Type) Numeric() bool {
	return t >= Int32 && t <= Bool
}

// Value is a single attribute value. The zero Value is an int 0.
type Value struct {
	bits  uint64
	float bool
}

// IntValue returns a Value holding an integer.
func IntValue(v int64) Value { return Value{bits: uint64(v)} }

// FloatValue returns a Value holding a float.
func FloatValue(v float64) Value { return Value{bits: math.Float64bits(v), float: true} }

// BoolValue returns a Value holding a boolean.
func BoolValue(v bool) Value {
	if v {
		return Value{bits: 1}
	}
	return Value{}
}

// Int returns the value as an integer. Floats are truncated.
func (v Value) Int() int64 {
	if v.float {
		return int64(math.Float64frombits(v.bits))
	}
	return int64(v.bits)
}

// Float returns the value as a float64. This is the representation used by
// aggregations.
func (v Value) Float() float64 {
	if v.float {
		return math.Float64frombits(v.bits)
	}
	return float64(int64(v.bits))
}

// Bool returns true if the value is non-zero.
func (v Value) Bool() bool { return v.bits != 0 && !(v.float && v.Float() == 0) }

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.float {
		return fmt.Sprint(v.Float())
	}
	return fmt.Sprint(int64(v.bits))
}

type codec struct {
	size   int
	encode func(dst []byte, v Value)
	decode func(src []byte) Value
}

// codecs is the closed registry of per-type encoders, indexed by Type.
var codecs = [...]codec{
	Int32: {
		size:   4,
		encode: func(dst []byte, v Value) { binary.LittleEndian.PutUint32(dst, uint32(int32(v.Int()))) },
		decode: func(src []byte) Value { return IntValue(int64(int32(binary.LittleEndian.Uint32(src)))) },
	},
	Int64: {
		size:   8,
		encode: func(dst []byte, v Value) { binary.LittleEndian.PutUint64(dst, uint64(v.Int())) },
		decode: func(src []byte) Value { return IntValue(int64(binary.LittleEndian.Uint64(src))) },
	},
	Float32: {
		size:   4,
		encode: func(dst []byte, v Value) { binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v.Float()))) },
		decode: func(src []byte) Value {
			return FloatValue(float64(math.Float32frombits(binary.LittleEndian.Uint32(src))))
		},
	},
	Float64: {
		size:   8,
		encode: func(dst []byte, v Value) { binary.LittleEndian.PutUint64(dst, math.Float64bits(v.Float())) },
		decode: func(src []byte) Value { return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(src))) },
	},
	Bool: {
		size: 1,
		encode: func(dst []byte, v Value) {
			dst[0] = 0
			if v.Bool() {
				dst[0] = 1
			}
		},
		decode: func(src []byte) Value { return BoolValue(src[0] != 0) },
	},
}

// Attribute describes one event attribute.
type Attribute struct {
	Name string
	Type Type
	// Indexed marks attributes that secondary structures may index.
	Indexed bool
	// Aggregated attributes get an aggregation slot in every index entry.
	Aggregated bool
}

// Schema is the ordered list of attributes of every event in a tree.
type Schema struct {
	Attributes []Attribute
}

// Event is a single record stored in the tree.
type Event struct {
	Timestamp int64
	Values    []Value
}

// String implements fmt.Stringer.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", e.Timestamp)
	for _, v := range e.Values {
		fmt.Fprintf(&b, " %s", v)
	}
	return b.String()
}

// Validate checks that the schema can be used to encode events.
func (s *Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Attributes))
	for i, a := range s.Attributes {
		if a.Name == "" {
			return errors.Newf("schema: attribute %d has no name", i)
		}
		if _, ok := seen[a.Name]; ok {
			return errors.Newf("schema: duplicate attribute %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Type < Int32 || a.Type > Bool {
			return errors.Newf("schema: attribute %q has invalid type %d", a.Name, a.Type)
		}
		if a.Aggregated && !a.Type.Numeric() {
			return errors.Newf("schema: attribute %q of type %s cannot be aggregated", a.Name, a.Type)
		}
	}
	return nil
}

// Index returns the position of the named attribute.
func (s *Schema) Index(name string) (int, bool) {
	for i := range s.Attributes {
		if s.Attributes[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// Aggregated returns the positions of the aggregated attributes, in schema
// order. The i-th aggregation slot of an index entry belongs to attribute
// Aggregated()[i].
func (s *Schema) Aggregated() []int {
	var res []int
	for i := range s.Attributes {
		if s.Attributes[i].Aggregated {
			res = append(res, i)
		}
	}
	return res
}

// EventSize returns the encoded size of an event.
func (s *Schema) EventSize() int {
	n := 8
	for _, a := range s.Attributes {
		n += a.Type.Size()
	}
	return n
}

// AppendEvent appends the encoding of e to dst.
func (s *Schema) AppendEvent(dst []byte, e Event) ([]byte, error) {
	if len(e.Values) != len(s.Attributes) {
		return dst, errors.Newf("schema: event has %d values, schema has %d attributes",
			len(e.Values), len(s.Attributes))
	}
	off := len(dst)
	dst = append(dst, make([]byte, s.EventSize())...)
	binary.LittleEndian.PutUint64(dst[off:], uint64(e.Timestamp))
	off += 8
	for i, a := range s.Attributes {
		c := &codecs[a.Type]
		c.encode(dst[off:off+c.size], e.Values[i])
		off += c.size
	}
	return dst, nil
}

// DecodeEvent decodes an event from the front of src.
func (s *Schema) DecodeEvent(src []byte) (Event, []byte, error) {
	if len(src) < s.EventSize() {
		return Event{}, src, errors.Newf("schema: short event encoding (%d < %d)", len(src), s.EventSize())
	}
	e := Event{
		Timestamp: int64(binary.LittleEndian.Uint64(src)),
		Values:    make([]Value, len(s.Attributes)),
	}
	src = src[8:]
	for i, a := range s.Attributes {
		c := &codecs[a.Type]
		e.Values[i] = c.decode(src[:c.size])
		src = src[c.size:]
	}
	return e, src, nil
}

// Equal returns true if the two schemas describe the same attributes.
func (s *Schema) Equal(o *Schema) bool {
	if len(s.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range s.Attributes {
		if s.Attributes[i] != o.Attributes[i] {
			return false
		}
	}
	return true
}

// String returns a compact description such as
// "price:float64:agg qty:int32:agg flag:bool".
func (s *Schema) String() string {
	var b strings.Builder
	for i, a := range s.Attributes {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%s", a.Name, a.Type)
		if a.Indexed {
			b.WriteString(":idx")
		}
		if a.Aggregated {
			b.WriteString(":agg")
		}
	}
	return b.String()
}

// Parse parses the output of Schema.String.
func Parse(str string) (*Schema, error) {
	s := &Schema{}
	for _, field := range strings.Fields(str) {
		parts := strings.Split(field, ":")
		if len(parts) < 2 {
			return nil, errors.Newf("schema: malformed attribute %q", field)
		}
		t, err := ParseType(parts[1])
		if err != nil {
			return nil, err
		}
		a := Attribute{Name: parts[0], Type: t}
		for _, flag := range parts[2:] {
			switch flag {
			case "idx":
				a.Indexed = true
			case "agg":
				a.Aggregated = true
			default:
				return nil, errors.Newf("schema: unknown flag %q on attribute %q", flag, a.Name)
			}
		}
		s.Attributes = append(s.Attributes, a)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseValue parses a value of type t. Booleans accept the forms of
// strconv.ParseBool.
func (t Type) ParseValue(str string) (Value, error) {
	switch t {
	case Int32, Int64:
		bits := 64
		if t == Int32 {
			bits = 32
		}
		v, err := strconv.ParseInt(str, 10, bits)
		if err != nil {
			return Value{}, errors.Wrapf(err, "schema: parsing %s", t)
		}
		return IntValue(v), nil
	case Float32, Float64:
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return Value{}, errors.Wrapf(err, "schema: parsing %s", t)
		}
		return FloatValue(v), nil
	case Bool:
		v, err := strconv.ParseBool(str)
		if err != nil {
			return Value{}, errors.Wrapf(err, "schema: parsing %s", t)
		}
		return BoolValue(v), nil
	default:
		return Value{}, errors.Newf("schema: unknown type %s", t)
	}
}

// ParseEvent parses an event written as its timestamp followed by one value
// per attribute, separated by white space or commas.
func (s *Schema) ParseEvent(str string) (Event, error) {
	fields := strings.FieldsFunc(str, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != len(s.Attributes)+1 {
		return Event{}, errors.Newf("schema: event %q has %d fields, expected %d",
			str, len(fields), len(s.Attributes)+1)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Event{}, errors.Wrap(err, "schema: parsing timestamp")
	}
	e := Event{Timestamp: ts, Values: make([]Value, len(s.Attributes))}
	for i, a := range s.Attributes {
		if e.Values[i], err = a.Type.ParseValue(fields[i+1]); err != nil {
			return Event{}, errors.Wrapf(err, "attribute %q", a.Name)
		}
	}
	return e, nil
}
