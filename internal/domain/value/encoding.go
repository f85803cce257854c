package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type tags. The array terminator sorts below every tag so a shorter array
// orders before a longer one with the same prefix.
const (
	tagArrayEnd byte = 0x01
	tagMin      byte = 0x02
	tagNull     byte = 0x10
	tagFalse    byte = 0x20
	tagTrue     byte = 0x21
	tagNumber   byte = 0x30
	tagString   byte = 0x40
	tagArray    byte = 0x50
	tagObject   byte = 0x60
	tagMax      byte = 0xFE

	// High is a byte no encoded value starts with. Appending it to an
	// encoded prefix yields a key above every key sharing that prefix.
	High byte = 0xFF
)

// ErrCorrupt is returned by Decode on malformed input.
var ErrCorrupt = errors.New("value: corrupt encoding")

// Encode appends the order-preserving encoding of v to dst.
// bytes.Compare over encodings agrees with Compare over values.
func Encode(dst []byte, v any) []byte {
	v = Normalize(v)
	switch rankOf(v) {
	case rankMin:
		return append(dst, tagMin)
	case rankMax:
		return append(dst, tagMax)
	case rankNull:
		return append(dst, tagNull)
	case rankBool:
		if v.(bool) {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case rankNumber:
		f, _ := toFloat(v)
		return appendFloat(append(dst, tagNumber), f)
	case rankString:
		return appendString(append(dst, tagString), v.(string))
	case rankArray:
		dst = append(dst, tagArray)
		for _, e := range v.([]any) {
			dst = Encode(dst, e)
		}
		return append(dst, tagArrayEnd)
	default:
		return appendString(append(dst, tagObject), string(canonical(v)))
	}
}

// EncodeTuple encodes a sequence of values back to back. The encoding of
// every value is prefix-free, so tuples keep their lexicographic order.
func EncodeTuple(vals ...any) []byte {
	var out []byte
	for _, v := range vals {
		out = Encode(out, v)
	}
	return out
}

func appendFloat(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// Strings escape 0x00 as 0x00 0xFF and end with 0x00 0x01.
func appendString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, 0x00, 0x01)
}

// Decode reads one value from src and returns it with the remaining bytes.
// Objects decode to their canonical JSON text.
func Decode(src []byte) (any, []byte, error) {
	if len(src) == 0 {
		return nil, nil, ErrCorrupt
	}
	tag, rest := src[0], src[1:]
	switch tag {
	case tagMin:
		return MinVal, rest, nil
	case tagMax:
		return MaxVal, rest, nil
	case tagNull:
		return nil, rest, nil
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	case tagNumber:
		if len(rest) < 8 {
			return nil, nil, ErrCorrupt
		}
		bits := binary.BigEndian.Uint64(rest[:8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), rest[8:], nil
	case tagString, tagObject:
		s, rest, err := readString(rest)
		if err != nil {
			return nil, nil, err
		}
		return s, rest, nil
	case tagArray:
		var out []any
		for {
			if len(rest) == 0 {
				return nil, nil, ErrCorrupt
			}
			if rest[0] == tagArrayEnd {
				if out == nil {
					out = []any{}
				}
				return out, rest[1:], nil
			}
			var (
				e   any
				err error
			)
			e, rest, err = Decode(rest)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, e)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, tag)
	}
}

// DecodeTuple decodes back-to-back values until src is exhausted.
func DecodeTuple(src []byte) ([]any, error) {
	var out []any
	for len(src) > 0 {
		v, rest, err := Decode(src)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		src = rest
	}
	return out, nil
}

func readString(src []byte) (string, []byte, error) {
	buf := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] != 0x00 {
			buf = append(buf, src[i])
			continue
		}
		if i+1 >= len(src) {
			return "", nil, ErrCorrupt
		}
		switch src[i+1] {
		case 0xFF:
			buf = append(buf, 0x00)
			i++
		case 0x01:
			return string(buf), src[i+2:], nil
		default:
			return "", nil, ErrCorrupt
		}
	}
	return "", nil, ErrCorrupt
}
