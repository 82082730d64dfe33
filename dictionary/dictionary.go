// Package dictionary declares C1, the abstract ordered-KV contract every
// other component in this module is built against (spec.md §4.1). It is
// the one genuine late-binding boundary in the design (spec.md §9): a
// concrete engine - B-tree, LSM, fractal tree - plugs in behind it. The
// only concrete implementation shipped here is dictionary/pdict, backed
// by github.com/cockroachdb/pebble, the same KV engine the teacher builds
// its whole object store on.
package dictionary

import "context"

// Txn is an opaque handle to an in-flight transaction against one
// Dictionary. Implementations decide its concrete type; callers only ever
// pass it back to the Dictionary that produced it.
type Txn interface {
	// Commit finalizes the transaction. sync requests a durable log flush
	// (recovery.UnitOfWork's awaitCommit, spec.md §4.5); ordinary commits
	// pass sync=false.
	Commit(ctx context.Context, sync bool) error
	Abort(ctx context.Context) error
}

// Direction selects cursor traversal order.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Cursor yields (key, value) pairs from a Dictionary in comparator order.
type Cursor interface {
	// Seek positions the cursor at the first entry >= key (Forward) or
	// <= key (Reverse). Returns false if no such entry exists.
	Seek(key []byte) bool
	// Advance moves to the next entry in the cursor's direction. Returns
	// false at end of range.
	Advance() bool
	// Ok reports whether the cursor is currently positioned on a valid
	// entry.
	Ok() bool
	CurrKey() []byte
	CurrVal() []byte
	Close() error
}

// Dictionary is the ordered KV store contract every record store and
// sorted index is built on (spec.md §4.1). The comparator is always
// bytewise memcmp with length tiebreak (shorter is smaller); the encoding
// tag passed to Open is stored as the dictionary's descriptor purely so a
// server-side comparator/updater could recover it, and is never itself
// consulted for ordering by this layer.
type Dictionary interface {
	Get(ctx context.Context, txn Txn, key []byte) ([]byte, error)
	Insert(ctx context.Context, txn Txn, key, value []byte, skipLockCheck bool) error
	Remove(ctx context.Context, txn Txn, key []byte) error
	// Update applies an opaque patch (updatemsg.Message.Serialize()) to
	// the value at key (spec.md §4.3).
	Update(ctx context.Context, txn Txn, key []byte, patch []byte) error
	// Cursor opens a new cursor over this dictionary. If start is nil the
	// cursor begins at the dictionary's low (Forward) or high (Reverse)
	// extreme.
	Cursor(ctx context.Context, txn Txn, start []byte, dir Direction) (Cursor, error)
	// RangeDeleted is an advisory hint that [lo, hi] has been deleted,
	// along with the bytes and document count reclaimed (spec.md §4.1,
	// §4.9).
	RangeDeleted(ctx context.Context, txn Txn, lo, hi []byte, bytesSaved, docsRemoved int64) error
	// DupKeyCheck returns ErrDuplicateKey if any key in [lo, hi] carries a
	// record id other than excluded (spec.md §4.10 step 2).
	DupKeyCheck(ctx context.Context, txn Txn, lo, hi []byte, excluded []byte) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats mirrors spec.md §3 "Dictionary stats" - may be approximate.
type Stats struct {
	NumKeys     int64
	DataSize    int64
	StorageSize int64
}

// TxnSource begins new transactions against a Dictionary. Split out of
// Dictionary so recovery.UnitOfWork can depend on it without importing the
// full read/write surface.
type TxnSource interface {
	// BeginSnapshotRead opens a snapshot-read transaction: cheap, never
	// conflicts with writers, sees a point-in-time view.
	BeginSnapshotRead(ctx context.Context) (Txn, error)
	// BeginReadWrite opens a serializable read-write transaction.
	BeginReadWrite(ctx context.Context) (Txn, error)
}
