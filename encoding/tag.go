package encoding

import (
	"encoding/binary"

	"github.com/zkasheff/tokumxse/storeerrors"
)

// Kind discriminates what a dictionary's keys mean: plain record ids, an
// ordered index's composite keys, or nothing yet (fresh metadata
// dictionaries). Stored inside the dictionary's descriptor so a server-side
// comparator/updater can recover it without consulting a catalog
// (spec.md §3 "Encoding tag").
type Kind byte

const (
	KindEmpty       Kind = 0
	KindRecordStore Kind = 1
	KindIndex       Kind = 2
)

// Ordering describes, per field of an index key tuple, whether that field
// sorts ascending or descending.
type Ordering []bool // true = ascending

// Tag is the serialized discriminator stored as a dictionary's descriptor.
type Tag struct {
	Kind     Kind
	Ordering Ordering // only meaningful when Kind == KindIndex
}

func RecordStoreTag() Tag { return Tag{Kind: KindRecordStore} }
func EmptyTag() Tag       { return Tag{Kind: KindEmpty} }
func IndexTag(ordering Ordering) Tag {
	return Tag{Kind: KindIndex, Ordering: ordering}
}

// Serialize produces the one-byte discriminator followed, for KindIndex,
// by a fixed-width big-endian field count and one byte per field (spec.md
// §3 "Encoding tag").
func (t Tag) Serialize() []byte {
	if t.Kind != KindIndex {
		return []byte{byte(t.Kind)}
	}
	buf := make([]byte, 1+4+len(t.Ordering))
	buf[0] = byte(t.Kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(t.Ordering)))
	for i, asc := range t.Ordering {
		if asc {
			buf[5+i] = 1
		}
	}
	return buf
}

func ParseTag(b []byte) (Tag, error) {
	if len(b) == 0 {
		return Tag{}, storeerrors.Wrap(storeerrors.ErrInternal, "empty tag")
	}
	kind := Kind(b[0])
	switch kind {
	case KindEmpty, KindRecordStore:
		return Tag{Kind: kind}, nil
	case KindIndex:
		if len(b) < 5 {
			return Tag{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated index tag")
		}
		n := binary.BigEndian.Uint32(b[1:5])
		if len(b) != int(5+n) {
			return Tag{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated index tag ordering")
		}
		ordering := make(Ordering, n)
		for i := range ordering {
			ordering[i] = b[5+i] != 0
		}
		return Tag{Kind: KindIndex, Ordering: ordering}, nil
	default:
		return Tag{}, storeerrors.Wrapf(storeerrors.ErrInternal, "unknown tag kind %d", kind)
	}
}

// ExtractRecordId recovers the RecordId embedded in a key produced under
// this tag (spec.md §4.2).
func (t Tag) ExtractRecordId(key []byte) (RecordId, error) {
	switch t.Kind {
	case KindRecordStore:
		return DecodeRecordId(key)
	case KindIndex:
		if len(key) < RecordIdLen {
			return NullRecordId, storeerrors.Wrap(storeerrors.ErrInternal, "index key too short for a record id suffix")
		}
		return DecodeRecordId(key[len(key)-RecordIdLen:])
	default:
		return NullRecordId, storeerrors.Wrap(storeerrors.ErrInternal, "empty tag has no record ids")
	}
}
