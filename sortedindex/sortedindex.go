// Package sortedindex implements C9: one dictionary whose keys are
// encode(indexKey) || encode(recordId) and whose values carry the
// type-bits sidecar (spec.md §4.10). Grounded on the teacher's
// index_manager.go for the unique-vs-non-unique insert/dup-check split,
// and on chotki.go's ObjectIterator for the richly-cached cursor shape.
package sortedindex

import (
	"bytes"
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// MaxKeySize is the fixed maximum size an index key tuple may reach
// before insert rejects it (spec.md §4.10 step 1).
const MaxKeySize = 1024

// lookupCacheSize bounds the hot-key cache below, mirroring the teacher's
// classCache/hashIndexCache sizing in index_manager.go.
const lookupCacheSize = 4096

// Option configures optional Index behavior beyond spec.md §4.10's
// default.
type Option func(*Index)

// WithOverflowBucketing opts an index into the oversized-key overflow
// scheme: a key beyond MaxKeySize is truncated and a hash of the full key
// appended (encoding.BucketOversizedKey) instead of being rejected. Off
// by default, so the literal "reject keys exceeding a fixed maximum size"
// invariant still holds unless a caller asks for this convenience.
func WithOverflowBucketing() Option {
	return func(ix *Index) { ix.overflowBucketing = true }
}

// Index is C9.
type Index struct {
	dict              dictionary.Dictionary
	ordering          encoding.Ordering
	overflowBucketing bool

	// cache memoizes recently resolved tupleKey -> RecordId lookups for
	// hot unique indexes, mirroring the teacher's classCache/
	// hashIndexCache in index_manager.go. Invalidated on Insert/Unindex
	// of the same key.
	cache *lru.Cache[string, encoding.RecordId]
}

func Open(dict dictionary.Dictionary, ordering encoding.Ordering, opts ...Option) *Index {
	cache, _ := lru.New[string, encoding.RecordId](lookupCacheSize)
	ix := &Index{dict: dict, ordering: ordering, cache: cache}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Insert implements spec.md §4.10's insert(key, id, dupsAllowed).
func (ix *Index) Insert(ctx context.Context, uow *recovery.UnitOfWork, tupleKey []byte, id encoding.RecordId, bits encoding.TypeBits, dupsAllowed bool) error {
	effectiveKey := tupleKey
	if len(tupleKey) > MaxKeySize {
		if !ix.overflowBucketing {
			return storeerrors.Wrapf(storeerrors.ErrKeyTooLong, "index key of %d bytes exceeds maximum %d", len(tupleKey), MaxKeySize)
		}
		effectiveKey = encoding.BucketOversizedKey(tupleKey, MaxKeySize)
	}
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	if !dupsAllowed {
		lo := encoding.IndexEntryKey(effectiveKey, encoding.MinRecordId)
		hi := encoding.IndexEntryKey(effectiveKey, encoding.MaxRecordId)
		if err := ix.dict.DupKeyCheck(ctx, txn, lo, hi, encoding.EncodeRecordId(id)); err != nil {
			// A lock-level conflict on a unique-index insert is
			// reinterpreted as DuplicateKey: the conflict could be
			// masking a duplicate (spec.md §4.10 step 3).
			if storeerrors.Classify(err) == storeerrors.KindWriteConflict {
				return storeerrors.ErrDuplicateKey
			}
			return err
		}
	}
	entryKey := encoding.IndexEntryKey(effectiveKey, id)
	if err := ix.dict.Insert(ctx, txn, entryKey, serializeTypeBits(bits), true); err != nil {
		return err
	}
	if !dupsAllowed {
		ix.cache.Add(string(effectiveKey), id)
	} else {
		ix.cache.Remove(string(effectiveKey))
	}
	return nil
}

// Unindex removes the entry for (key, id).
func (ix *Index) Unindex(ctx context.Context, uow *recovery.UnitOfWork, tupleKey []byte, id encoding.RecordId) error {
	effectiveKey := tupleKey
	if len(tupleKey) > MaxKeySize && ix.overflowBucketing {
		effectiveKey = encoding.BucketOversizedKey(tupleKey, MaxKeySize)
	}
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	if err := ix.dict.Remove(ctx, txn, encoding.IndexEntryKey(effectiveKey, id)); err != nil {
		return err
	}
	ix.cache.Remove(string(effectiveKey))
	return nil
}

// Get resolves the RecordId for an exact key match on a unique index,
// consulting the hot-key cache before falling back to a cursor lookup.
// The second return is false when no entry matches tupleKey.
func (ix *Index) Get(ctx context.Context, uow *recovery.UnitOfWork, tupleKey []byte) (encoding.RecordId, bool, error) {
	effectiveKey := tupleKey
	if len(tupleKey) > MaxKeySize && ix.overflowBucketing {
		effectiveKey = encoding.BucketOversizedKey(tupleKey, MaxKeySize)
	}
	if id, ok := ix.cache.Get(string(effectiveKey)); ok {
		return id, true, nil
	}
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return encoding.NullRecordId, false, err
	}
	lo := encoding.IndexEntryKey(effectiveKey, encoding.MinRecordId)
	cur, err := ix.dict.Cursor(ctx, txn, lo, dictionary.Forward)
	if err != nil {
		return encoding.NullRecordId, false, err
	}
	defer cur.Close()
	if !cur.Ok() {
		return encoding.NullRecordId, false, nil
	}
	prefix, id, err := encoding.SplitIndexEntryKey(cur.CurrKey())
	if err != nil {
		return encoding.NullRecordId, false, err
	}
	if !indexKeyEqual(prefix, effectiveKey) {
		return encoding.NullRecordId, false, nil
	}
	ix.cache.Add(string(effectiveKey), id)
	return id, true, nil
}

func serializeTypeBits(bits encoding.TypeBits) []byte {
	allZero := true
	for _, b := range bits {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil
	}
	return []byte(bits)
}

// FullValidate counts entries by scanning.
func (ix *Index) FullValidate(ctx context.Context, uow *recovery.UnitOfWork) (int64, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return 0, err
	}
	cur, err := ix.dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	var n int64
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		n++
	}
	return n, nil
}

// IsEmpty is a cheap cursor-open-and-check.
func (ix *Index) IsEmpty(ctx context.Context, uow *recovery.UnitOfWork) (bool, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return false, err
	}
	cur, err := ix.dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return false, err
	}
	defer cur.Close()
	return !cur.Ok(), nil
}

// GetSpaceUsed reads dictionary stats.
func (ix *Index) GetSpaceUsed(ctx context.Context) (int64, error) {
	stats, err := ix.dict.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.StorageSize, nil
}

func indexKeyEqual(a, b []byte) bool { return bytes.Equal(a, b) }
