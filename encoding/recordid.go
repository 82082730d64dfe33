// Package encoding implements C2 of the design: the encoding tag that
// tells a dictionary whether its keys are record ids or index keys, and
// the byte-order-preserving codecs both record stores and sorted indexes
// build on. RecordId's wire form is ported from the teacher's
// rdx.ID.Bytes(), which already writes a fixed-width big-endian
// representation for memcmp ordering; here we additionally bias to
// unsigned so a *signed* RecordId space sorts correctly byte-for-byte.
package encoding

import (
	"encoding/binary"
	"math"

	"github.com/zkasheff/tokumxse/storeerrors"
)

// RecordId is a signed 64-bit record identifier. Three values are
// sentinels: Min (below any normal id), Max (above any normal id) and
// Null (absent). Any other value is "normal".
type RecordId int64

const (
	MinRecordId RecordId = math.MinInt64
	MaxRecordId RecordId = math.MaxInt64
	NullRecordId RecordId = 0
)

func (id RecordId) IsNormal() bool {
	return id != NullRecordId && id != MinRecordId && id != MaxRecordId
}

const RecordIdLen = 8

// bias flips the sign bit so signed ordering maps onto unsigned (and
// therefore memcmp) ordering: x < y (signed) iff bias(x) < bias(y)
// (unsigned).
func bias(id RecordId) uint64 {
	return uint64(id) ^ (uint64(1) << 63)
}

func unbias(u uint64) RecordId {
	return RecordId(u ^ (uint64(1) << 63))
}

// EncodeRecordId writes the memcmp-ordered 8-byte form of id.
func EncodeRecordId(id RecordId) []byte {
	buf := make([]byte, RecordIdLen)
	binary.BigEndian.PutUint64(buf, bias(id))
	return buf
}

// AppendRecordId appends the memcmp-ordered form of id to dst.
func AppendRecordId(dst []byte, id RecordId) []byte {
	var buf [RecordIdLen]byte
	binary.BigEndian.PutUint64(buf[:], bias(id))
	return append(dst, buf[:]...)
}

// DecodeRecordId parses the memcmp-ordered 8-byte form produced by
// EncodeRecordId.
func DecodeRecordId(b []byte) (RecordId, error) {
	if len(b) != RecordIdLen {
		return NullRecordId, storeerrors.Wrapf(storeerrors.ErrInternal, "record id must be %d bytes, got %d", RecordIdLen, len(b))
	}
	return unbias(binary.BigEndian.Uint64(b)), nil
}

// Compare returns -1, 0, 1 per the usual convention, and is guaranteed to
// agree with the sign of memcmp(EncodeRecordId(a), EncodeRecordId(b)) -
// this is invariant 2 in spec.md §8.
func Compare(a, b RecordId) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
