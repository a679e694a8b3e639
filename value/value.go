// Package value implements the binary value codec used for eRPC message
// bodies: arguments, return values, and notification payloads.
//
// Encoding is schema-driven. The writer encodes a Value according to its own
// Kind; the reader decodes against a Type descriptor supplied by the
// generated stub layer, so composite values carry no self-describing
// metadata on the wire beyond length prefixes and discriminants.
//
// Wire rules (little-endian throughout):
//
//	bool            1 byte, 0 or 1
//	u8..u64/i8..i64 fixed-width little-endian
//	f32/f64         IEEE 754 bits, little-endian
//	string/binary   u32 byte length, then raw bytes
//	list            u32 element count, then elements in order
//	struct          fields in declared order, no prefix
//	optional        1-byte presence flag (0=absent, 1=present), then payload
//	enum            u32 discriminant
//	union           u32 discriminant, then the active variant
package value

import "bytes"

// Kind identifies the wire encoding of a Value or Type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBinary
	KindList
	KindStruct
	KindOptional
	KindEnum
	KindUnion
)

// Type describes the schema of one value for decoding. Descriptors are built
// once by the stub layer and shared; the codec never mutates them.
type Type struct {
	Kind     Kind
	Elem     *Type            // element type for KindList and KindOptional
	Fields   []*Type          // field types for KindStruct, in declared order
	Variants map[uint32]*Type // payload type per union discriminant; nil payload = bare tag
}

// Primitive returns a descriptor for a scalar, string, binary, or enum kind.
func Primitive(k Kind) *Type { return &Type{Kind: k} }

// ListOf returns a descriptor for a homogeneous list of elem.
func ListOf(elem *Type) *Type { return &Type{Kind: KindList, Elem: elem} }

// StructOf returns a descriptor for a struct with the given field types,
// encoded in declared order.
func StructOf(fields ...*Type) *Type { return &Type{Kind: KindStruct, Fields: fields} }

// OptionalOf returns a descriptor for an optional elem.
func OptionalOf(elem *Type) *Type { return &Type{Kind: KindOptional, Elem: elem} }

// UnionOf returns a descriptor for a tagged union. A discriminant mapped to a
// nil Type carries no payload.
func UnionOf(variants map[uint32]*Type) *Type { return &Type{Kind: KindUnion, Variants: variants} }

// Value is the decoded form of one wire value. Exactly the fields relevant to
// Kind are meaningful; the rest stay zero.
type Value struct {
	Kind  Kind
	B     bool    // KindBool
	U     uint64  // KindUint8..KindUint64
	I     int64   // KindInt8..KindInt64
	F     float64 // KindFloat32, KindFloat64
	Bytes []byte  // KindString, KindBinary
	Elems []Value // KindList elements, KindStruct fields
	Disc  uint32  // KindEnum, KindUnion
	Inner *Value  // KindUnion payload; KindOptional payload, nil = absent
}

func Bool(b bool) Value   { return Value{Kind: KindBool, B: b} }
func Uint8(v uint8) Value { return Value{Kind: KindUint8, U: uint64(v)} }

func Uint16(v uint16) Value { return Value{Kind: KindUint16, U: uint64(v)} }
func Uint32(v uint32) Value { return Value{Kind: KindUint32, U: uint64(v)} }
func Uint64(v uint64) Value { return Value{Kind: KindUint64, U: v} }
func Int8(v int8) Value     { return Value{Kind: KindInt8, I: int64(v)} }
func Int16(v int16) Value   { return Value{Kind: KindInt16, I: int64(v)} }
func Int32(v int32) Value   { return Value{Kind: KindInt32, I: int64(v)} }
func Int64(v int64) Value   { return Value{Kind: KindInt64, I: v} }

func Float32(v float32) Value { return Value{Kind: KindFloat32, F: float64(v)} }
func Float64(v float64) Value { return Value{Kind: KindFloat64, F: v} }

// String builds a string value. The bytes must be valid UTF-8; the codec does
// not verify this.
func String(s string) Value { return Value{Kind: KindString, Bytes: []byte(s)} }

// Binary builds an opaque byte blob value. The slice is referenced, not
// copied.
func Binary(b []byte) Value { return Value{Kind: KindBinary, Bytes: b} }

// List builds a homogeneous list value. Element kinds are not checked here;
// mixed kinds surface as a decode mismatch on the peer.
func List(elems ...Value) Value { return Value{Kind: KindList, Elems: elems} }

// Struct builds a struct value with fields in declared order.
func Struct(fields ...Value) Value { return Value{Kind: KindStruct, Elems: fields} }

// Some builds a present optional wrapping v.
func Some(v Value) Value { return Value{Kind: KindOptional, Inner: &v} }

// None builds an absent optional.
func None() Value { return Value{Kind: KindOptional} }

// Enum builds an integer-backed enum value.
func Enum(disc uint32) Value { return Value{Kind: KindEnum, Disc: disc} }

// Union builds a tagged union value. Pass a nil payload for a bare tag.
func Union(disc uint32, payload *Value) Value {
	return Value{Kind: KindUnion, Disc: disc, Inner: payload}
}

// Equal reports semantic equality. Nil and empty byte slices or element
// lists compare equal, so a decoded value matches the literal it was built
// from regardless of how either was allocated.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.B != o.B || v.U != o.U || v.I != o.I ||
		v.F != o.F || v.Disc != o.Disc {
		return false
	}
	if !bytes.Equal(v.Bytes, o.Bytes) {
		return false
	}
	if len(v.Elems) != len(o.Elems) {
		return false
	}
	for i := range v.Elems {
		if !v.Elems[i].Equal(o.Elems[i]) {
			return false
		}
	}
	if (v.Inner == nil) != (o.Inner == nil) {
		return false
	}
	return v.Inner == nil || v.Inner.Equal(*o.Inner)
}
