package recordstore

import (
	"context"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/visibility"
)

// Iterator implements spec.md §4.7's record-store iterator state machine:
// EOF | Positioned(id, cached_value) | Saved(last_id).
type Iterator struct {
	rs      *RecordStore
	dir     dictionary.Direction
	tracker *visibility.Tracker // non-nil only for an oplog's forward scans

	cur dictionary.Cursor // nil while Saved or EOF

	positioned bool
	cachedId   encoding.RecordId
	cachedVal  []byte

	hasSaved bool
	savedId  encoding.RecordId

	capped bool
}

// NewIterator opens a cursor at start (nil maps to the dictionary's low
// or high extreme, per direction).
func NewIterator(ctx context.Context, uow *recovery.UnitOfWork, rs *RecordStore, start *encoding.RecordId, dir dictionary.Direction, tracker *visibility.Tracker, capped bool) (*Iterator, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return nil, err
	}
	var startKey []byte
	if start != nil {
		startKey = encoding.EncodeRecordId(*start)
	}
	cur, err := rs.dict.Cursor(ctx, txn, startKey, dir)
	if err != nil {
		return nil, err
	}
	it := &Iterator{rs: rs, dir: dir, tracker: tracker, cur: cur, capped: capped}
	it.settle()
	return it, nil
}

// settle reads the cursor's current position into the cache, applying the
// oplog visibility filter on forward scans (spec.md §4.8's rule: a
// tailing reader must never observe an id that is at or beyond the
// current invisible horizon).
func (it *Iterator) settle() {
	if !it.cur.Ok() {
		it.positioned = false
		return
	}
	id, err := encoding.DecodeRecordId(it.cur.CurrKey())
	if err != nil {
		it.positioned = false
		return
	}
	if it.tracker != nil && it.dir == dictionary.Forward && !it.tracker.CanReadId(id) {
		it.positioned = false
		return
	}
	it.cachedId = id
	it.cachedVal = it.cur.CurrVal()
	it.positioned = true
}

// GetNext returns the currently positioned (id, value) and advances past
// it, or ok=false at EOF.
func (it *Iterator) GetNext() (id encoding.RecordId, val []byte, ok bool) {
	if !it.positioned {
		return encoding.NullRecordId, nil, false
	}
	id, val = it.cachedId, it.cachedVal
	it.cur.Advance()
	it.settle()
	return id, val, true
}

// SaveState caches the current position, drops the cursor and releases
// the transaction handle. The iterator survives outside any unit of work.
func (it *Iterator) SaveState() {
	if it.positioned {
		it.savedId = it.cachedId
		it.hasSaved = true
	}
	if it.cur != nil {
		it.cur.Close()
		it.cur = nil
	}
	it.positioned = false
}

// RestoreState reopens the cursor at the saved id under a fresh unit of
// work. If the cursor lands somewhere other than the saved id and this is
// a capped store, the record was deleted from under the iterator: returns
// false and the caller must stop.
func (it *Iterator) RestoreState(ctx context.Context, uow *recovery.UnitOfWork) (bool, error) {
	if !it.hasSaved {
		it.positioned = false
		return true, nil
	}
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return false, err
	}
	cur, err := it.rs.dict.Cursor(ctx, txn, encoding.EncodeRecordId(it.savedId), it.dir)
	if err != nil {
		return false, err
	}
	it.cur = cur
	if !cur.Ok() {
		it.positioned = false
		return !it.capped, nil
	}
	landedId, err := encoding.DecodeRecordId(cur.CurrKey())
	if err != nil {
		return false, err
	}
	if landedId != it.savedId {
		if it.capped {
			it.positioned = false
			return false, nil
		}
	}
	it.settle()
	return true, nil
}

// DataFor returns bytes for id, using the cache when it is already
// positioned there, else re-fetching.
func (it *Iterator) DataFor(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId) ([]byte, error) {
	if it.positioned && it.cachedId == id {
		return it.cachedVal, nil
	}
	return it.rs.FindRecord(ctx, uow, id)
}

func (it *Iterator) Close() error {
	if it.cur != nil {
		return it.cur.Close()
	}
	return nil
}
