package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxDepth bounds the nesting of composite values. Malformed or hostile
// input with deeper nesting is rejected instead of recursing without limit.
const MaxDepth = 16

var (
	// ErrTruncatedValue indicates a declared or fixed length exceeding the
	// remaining buffer.
	ErrTruncatedValue = errors.New("value: truncated value")
	// ErrInvalidDiscriminant indicates a union discriminant or optional
	// presence flag outside the declared set.
	ErrInvalidDiscriminant = errors.New("value: invalid discriminant")
	// ErrUnsupportedType indicates a Kind the codec does not know.
	ErrUnsupportedType = errors.New("value: unsupported type")
	// ErrDepthExceeded indicates composite nesting beyond MaxDepth.
	ErrDepthExceeded = errors.New("value: nesting depth exceeded")
)

// Append encodes v and appends the wire bytes to dst, returning the extended
// slice. A nil dst is valid.
func Append(dst []byte, v Value) ([]byte, error) {
	return appendValue(dst, v, 0)
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, ErrDepthExceeded
	}
	switch v.Kind {
	case KindBool:
		if v.B {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case KindUint8:
		return append(dst, byte(v.U)), nil
	case KindUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.U)), nil
	case KindUint32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.U)), nil
	case KindUint64:
		return binary.LittleEndian.AppendUint64(dst, v.U), nil
	case KindInt8:
		return append(dst, byte(int8(v.I))), nil
	case KindInt16:
		return binary.LittleEndian.AppendUint16(dst, uint16(int16(v.I))), nil
	case KindInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(v.I))), nil
	case KindInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.I)), nil
	case KindFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.F))), nil
	case KindFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.F)), nil
	case KindString, KindBinary:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		return append(dst, v.Bytes...), nil
	case KindList:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Elems)))
		var err error
		for _, e := range v.Elems {
			if dst, err = appendValue(dst, e, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case KindStruct:
		var err error
		for _, f := range v.Elems {
			if dst, err = appendValue(dst, f, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case KindOptional:
		if v.Inner == nil {
			return append(dst, 0), nil
		}
		return appendValue(append(dst, 1), *v.Inner, depth+1)
	case KindEnum:
		return binary.LittleEndian.AppendUint32(dst, v.Disc), nil
	case KindUnion:
		dst = binary.LittleEndian.AppendUint32(dst, v.Disc)
		if v.Inner == nil {
			return dst, nil
		}
		return appendValue(dst, *v.Inner, depth+1)
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedType, v.Kind)
}

// Decode decodes one value of type t from the front of b, returning the value
// and the number of bytes consumed. A composite consumes exactly the length
// its schema and prefixes imply; the caller decides whether trailing bytes
// are legitimate (further arguments) or an error.
func Decode(b []byte, t *Type) (Value, int, error) {
	return decodeValue(b, t, 0)
}

func decodeValue(b []byte, t *Type, depth int) (Value, int, error) {
	if depth > MaxDepth {
		return Value{}, 0, ErrDepthExceeded
	}
	switch t.Kind {
	case KindBool:
		if len(b) < 1 {
			return Value{}, 0, fmt.Errorf("%w: bool", ErrTruncatedValue)
		}
		return Value{Kind: KindBool, B: b[0] != 0}, 1, nil
	case KindUint8:
		if len(b) < 1 {
			return Value{}, 0, fmt.Errorf("%w: u8", ErrTruncatedValue)
		}
		return Value{Kind: KindUint8, U: uint64(b[0])}, 1, nil
	case KindUint16:
		if len(b) < 2 {
			return Value{}, 0, fmt.Errorf("%w: u16", ErrTruncatedValue)
		}
		return Value{Kind: KindUint16, U: uint64(binary.LittleEndian.Uint16(b))}, 2, nil
	case KindUint32:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: u32", ErrTruncatedValue)
		}
		return Value{Kind: KindUint32, U: uint64(binary.LittleEndian.Uint32(b))}, 4, nil
	case KindUint64:
		if len(b) < 8 {
			return Value{}, 0, fmt.Errorf("%w: u64", ErrTruncatedValue)
		}
		return Value{Kind: KindUint64, U: binary.LittleEndian.Uint64(b)}, 8, nil
	case KindInt8:
		if len(b) < 1 {
			return Value{}, 0, fmt.Errorf("%w: i8", ErrTruncatedValue)
		}
		return Value{Kind: KindInt8, I: int64(int8(b[0]))}, 1, nil
	case KindInt16:
		if len(b) < 2 {
			return Value{}, 0, fmt.Errorf("%w: i16", ErrTruncatedValue)
		}
		return Value{Kind: KindInt16, I: int64(int16(binary.LittleEndian.Uint16(b)))}, 2, nil
	case KindInt32:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: i32", ErrTruncatedValue)
		}
		return Value{Kind: KindInt32, I: int64(int32(binary.LittleEndian.Uint32(b)))}, 4, nil
	case KindInt64:
		if len(b) < 8 {
			return Value{}, 0, fmt.Errorf("%w: i64", ErrTruncatedValue)
		}
		return Value{Kind: KindInt64, I: int64(binary.LittleEndian.Uint64(b))}, 8, nil
	case KindFloat32:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: f32", ErrTruncatedValue)
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return Value{Kind: KindFloat32, F: float64(f)}, 4, nil
	case KindFloat64:
		if len(b) < 8 {
			return Value{}, 0, fmt.Errorf("%w: f64", ErrTruncatedValue)
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(b))
		return Value{Kind: KindFloat64, F: f}, 8, nil
	case KindString, KindBinary:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: length prefix", ErrTruncatedValue)
		}
		length := binary.LittleEndian.Uint32(b)
		if uint64(length) > uint64(len(b)-4) {
			return Value{}, 0, fmt.Errorf("%w: declared %d bytes, %d remain", ErrTruncatedValue, length, len(b)-4)
		}
		out := make([]byte, length)
		copy(out, b[4:4+length])
		return Value{Kind: t.Kind, Bytes: out}, 4 + int(length), nil
	case KindList:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: element count", ErrTruncatedValue)
		}
		count := binary.LittleEndian.Uint32(b)
		off := 4
		v := Value{Kind: KindList}
		// Grown per element rather than preallocated from count, so a
		// hostile count cannot force a huge allocation before the first
		// truncated element is noticed.
		for i := uint32(0); i < count; i++ {
			e, n, err := decodeValue(b[off:], t.Elem, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			v.Elems = append(v.Elems, e)
			off += n
		}
		return v, off, nil
	case KindStruct:
		off := 0
		v := Value{Kind: KindStruct, Elems: make([]Value, 0, len(t.Fields))}
		for _, ft := range t.Fields {
			f, n, err := decodeValue(b[off:], ft, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			v.Elems = append(v.Elems, f)
			off += n
		}
		return v, off, nil
	case KindOptional:
		if len(b) < 1 {
			return Value{}, 0, fmt.Errorf("%w: presence flag", ErrTruncatedValue)
		}
		switch b[0] {
		case 0:
			return Value{Kind: KindOptional}, 1, nil
		case 1:
			inner, n, err := decodeValue(b[1:], t.Elem, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			return Value{Kind: KindOptional, Inner: &inner}, 1 + n, nil
		}
		return Value{}, 0, fmt.Errorf("%w: presence flag %d", ErrInvalidDiscriminant, b[0])
	case KindEnum:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: enum discriminant", ErrTruncatedValue)
		}
		return Value{Kind: KindEnum, Disc: binary.LittleEndian.Uint32(b)}, 4, nil
	case KindUnion:
		if len(b) < 4 {
			return Value{}, 0, fmt.Errorf("%w: union discriminant", ErrTruncatedValue)
		}
		disc := binary.LittleEndian.Uint32(b)
		vt, ok := t.Variants[disc]
		if !ok {
			return Value{}, 0, fmt.Errorf("%w: union tag %d", ErrInvalidDiscriminant, disc)
		}
		if vt == nil {
			return Value{Kind: KindUnion, Disc: disc}, 4, nil
		}
		inner, n, err := decodeValue(b[4:], vt, depth+1)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindUnion, Disc: disc, Inner: &inner}, 4 + n, nil
	}
	return Value{}, 0, fmt.Errorf("%w: kind %d", ErrUnsupportedType, t.Kind)
}
