// indexkey.go implements the canonical, order-preserving encoding of a
// document field tuple (spec.md §3 "Index key"). Each field is tagged with
// a one-byte type discriminator before its encoded payload so decoding
// can recover the tuple, including each field's value class (int vs float
// vs string), without a schema. The *type-bits* sidecar holds one byte per
// field (1 for a float, 0 otherwise); decoding takes the field count from
// it and reads each field's kind from its kind byte.
//
// This is a from-scratch design: the teacher's RDX codecs (rdx/*.go)
// serialize CRDT-specific register/counter/set wire formats that are not
// byte-comparable by construction (they carry per-write timestamps), so
// they could not be adapted for this purpose - see DESIGN.md.
package encoding

import (
	"encoding/binary"
	"math"

	"github.com/zkasheff/tokumxse/storeerrors"
)

// Value is one field of an index-key tuple, as produced by the (external,
// BSON-speaking) document layer. Only the primitive kinds needed to
// demonstrate byte-comparable ordering are modeled; a real document
// database would enumerate its full BSON type zoo here.
type ValueKind byte

const (
	ValMinKey ValueKind = iota // sorts below everything
	ValNull
	ValInt
	ValFloat
	ValString
	ValBool
	ValMaxKey // sorts above everything
)

type Value struct {
	Kind ValueKind
	I    int64
	F    float64
	S    string
	B    bool
}

// TypeBits records, per tuple field, one byte: 1 for a ValFloat field, 0
// for every other kind. Packed one byte per field into the value position
// alongside the index entry
// (spec.md §3: "a sibling type-bits blob is stored in the value").
type TypeBits []byte

// EncodeIndexKeyTuple encodes vals under ordering into a byte-comparable
// key and returns the accompanying type-bits. ordering[i] == true means
// field i sorts ascending; false means descending (its encoded bytes are
// bitwise-complemented so normal memcmp ordering reverses).
func EncodeIndexKeyTuple(vals []Value, ordering Ordering) (key []byte, bits TypeBits) {
	bits = make(TypeBits, len(vals))
	for i, v := range vals {
		asc := true
		if i < len(ordering) {
			asc = ordering[i]
		}
		fieldBytes, tb := encodeValue(v)
		bits[i] = tb
		if !asc {
			complement(fieldBytes)
		}
		key = append(key, fieldBytes...)
	}
	return key, bits
}

// field wire shape: [kindByte][payload...], where payload is itself
// order-preserving for that kind. Strings are NUL-terminated with 0x00
// escaped as 0x00 0xFF so no encoded string is a prefix of another
// (prefix-freedom is required for memcmp tuple concatenation to preserve
// per-field ordering).
func encodeValue(v Value) (b []byte, typeBit byte) {
	switch v.Kind {
	case ValMinKey:
		return []byte{byte(ValMinKey)}, 0
	case ValMaxKey:
		return []byte{byte(ValMaxKey)}, 0
	case ValNull:
		return []byte{byte(ValNull)}, 0
	case ValBool:
		bb := byte(0)
		if v.B {
			bb = 1
		}
		return []byte{byte(ValBool), bb}, 0
	case ValInt:
		var buf [9]byte
		buf[0] = byte(ValInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.I)^(uint64(1)<<63))
		return buf[:], 0
	case ValFloat:
		var buf [9]byte
		buf[0] = byte(ValFloat)
		binary.BigEndian.PutUint64(buf[1:], orderPreservingFloatBits(v.F))
		return buf[:], 1
	case ValString:
		return encodeOrderedString(v.S), 0
	default:
		return []byte{byte(ValNull)}, 0
	}
}

// orderPreservingFloatBits maps an IEEE-754 float64 onto a uint64 whose
// natural ordering matches the float's numeric ordering: for non-negative
// floats the raw bits already sort correctly; for negative floats we flip
// every bit so a more-negative float yields a smaller unsigned value, and
// flip the sign bit so negatives sort below positives.
func orderPreservingFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(uint64(1)<<63) != 0 {
		return ^bits
	}
	return bits | (uint64(1) << 63)
}

func decodeOrderPreservingFloatBits(u uint64) float64 {
	if u&(uint64(1)<<63) != 0 {
		return math.Float64frombits(u &^ (uint64(1) << 63))
	}
	return math.Float64frombits(^u)
}

func encodeOrderedString(s string) []byte {
	out := []byte{byte(ValString)}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, c)
		}
	}
	out = append(out, 0x00, 0x00)
	return out
}

func complement(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// DecodeIndexKeyTuple reverses EncodeIndexKeyTuple given the ordering and
// type-bits used at encode time (spec.md §4.2 extractIndexKey).
func DecodeIndexKeyTuple(key []byte, ordering Ordering, bits TypeBits) ([]Value, error) {
	vals := make([]Value, 0, len(bits))
	rest := key
	for i := 0; i < len(bits); i++ {
		asc := true
		if i < len(ordering) {
			asc = ordering[i]
		}
		v, consumed, err := decodeValue(rest, asc, bits[i])
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		rest = rest[consumed:]
	}
	return vals, nil
}

func decodeValue(b []byte, asc bool, typeBit byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "truncated index key")
	}
	kindByte := b[0]
	if !asc {
		kindByte = ^kindByte
	}
	switch ValueKind(kindByte) {
	case ValMinKey:
		return Value{Kind: ValMinKey}, 1, nil
	case ValMaxKey:
		return Value{Kind: ValMaxKey}, 1, nil
	case ValNull:
		return Value{Kind: ValNull}, 1, nil
	case ValBool:
		if len(b) < 2 {
			return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "truncated bool field")
		}
		raw := b[1]
		if !asc {
			raw = ^raw
		}
		return Value{Kind: ValBool, B: raw != 0}, 2, nil
	case ValInt:
		if len(b) < 9 {
			return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "truncated int field")
		}
		payload := make([]byte, 8)
		copy(payload, b[1:9])
		if !asc {
			complement(payload)
		}
		u := binary.BigEndian.Uint64(payload)
		return Value{Kind: ValInt, I: int64(u ^ (uint64(1) << 63))}, 9, nil
	case ValFloat:
		if len(b) < 9 {
			return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "truncated float field")
		}
		payload := make([]byte, 8)
		copy(payload, b[1:9])
		if !asc {
			complement(payload)
		}
		u := binary.BigEndian.Uint64(payload)
		return Value{Kind: ValFloat, F: decodeOrderPreservingFloatBits(u)}, 9, nil
	case ValString:
		i := 1
		var out []byte
		for {
			if i >= len(b) {
				return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "unterminated string field")
			}
			c := b[i]
			if !asc {
				c = ^c
			}
			if c == 0x00 {
				if i+1 >= len(b) {
					return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "unterminated string field")
				}
				next := b[i+1]
				if !asc {
					next = ^next
				}
				if next == 0x00 {
					return Value{Kind: ValString, S: string(out)}, i + 2, nil
				}
				if next == 0xFF {
					out = append(out, 0x00)
					i += 2
					continue
				}
				return Value{}, 0, storeerrors.Wrap(storeerrors.ErrInternal, "bad string escape")
			}
			out = append(out, c)
			i++
		}
	default:
		return Value{}, 0, storeerrors.Wrapf(storeerrors.ErrInternal, "unknown field kind %d", kindByte)
	}
}

// IndexEntryKey builds the full dictionary key for an index entry:
// encode(tuple) || encode(recordId) (spec.md §4.10).
func IndexEntryKey(tupleKey []byte, id RecordId) []byte {
	return AppendRecordId(append([]byte{}, tupleKey...), id)
}

// SplitIndexEntryKey separates a full index-entry key back into its tuple
// prefix and RecordId suffix.
func SplitIndexEntryKey(entryKey []byte) (tupleKey []byte, id RecordId, err error) {
	if len(entryKey) < RecordIdLen {
		return nil, NullRecordId, storeerrors.Wrap(storeerrors.ErrInternal, "index entry key shorter than a record id")
	}
	split := len(entryKey) - RecordIdLen
	id, err = DecodeRecordId(entryKey[split:])
	if err != nil {
		return nil, NullRecordId, err
	}
	return entryKey[:split], id, nil
}
