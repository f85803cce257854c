package db

import "github.com/kailas-cloud/fusion/internal/domain/value"

// KeyRange is a range over encoded index keys: Start inclusive, End
// exclusive. Backends that store index entries as value.EncodeTuple bytes
// scan it directly.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Empty reports whether no key can fall within the range.
func (k KeyRange) Empty() bool {
	return len(k.End) == 0 || string(k.Start) >= string(k.End)
}

// KeyRange converts the range bounds to encoded key edges. A bound is
// truncated at its first sentinel component: MinVal there admits every key
// sharing the preceding prefix, MaxVal none of them.
func (r Range) KeyRange() KeyRange {
	var kr KeyRange

	prefix, s := sentinelPrefix(r.Lower.Key())
	switch {
	case s == value.MaxVal, s == nil && r.Lower.Mode == Open:
		kr.Start = append(prefix, value.High)
	default:
		kr.Start = prefix
	}

	prefix, s = sentinelPrefix(r.Upper.Key())
	switch {
	case s == value.MinVal, s == nil && r.Upper.Mode == Open:
		kr.End = prefix
	default:
		kr.End = append(prefix, value.High)
	}
	return kr
}

// sentinelPrefix encodes bound components up to the first sentinel and
// returns that sentinel, or nil if there is none.
func sentinelPrefix(bound []any) ([]byte, any) {
	out := []byte{}
	for _, v := range bound {
		if value.IsSentinel(v) {
			return out, v
		}
		out = value.Encode(out, v)
	}
	return out, nil
}
