package encoding

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// OverflowSuffixLen is the width of the hash suffix BucketOversizedKey
// appends after truncation.
const OverflowSuffixLen = 8

// BucketOversizedKey truncates tupleKey to maxLen-OverflowSuffixLen bytes
// and appends the xxhash of the full key, so two long keys that share a
// common prefix past maxLen still land at distinct dictionary keys
// instead of colliding after truncation. Grounded on the teacher's
// xxhash.Sum64 use for its hash-index keys in index_manager.go.
//
// Callers only reach for this when a key exceeds a sorted index's
// configured maximum and overflow bucketing has been opted into; the
// default configuration rejects oversized keys outright (spec.md §4.10
// step 1's KeyTooLong invariant).
func BucketOversizedKey(tupleKey []byte, maxLen int) []byte {
	if len(tupleKey) <= maxLen {
		return tupleKey
	}
	truncated := maxLen - OverflowSuffixLen
	if truncated < 0 {
		truncated = 0
	}
	out := make([]byte, truncated+OverflowSuffixLen)
	copy(out, tupleKey[:truncated])
	binary.BigEndian.PutUint64(out[truncated:], xxhash.Sum64(tupleKey))
	return out
}
