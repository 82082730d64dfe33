// Package recordstore implements C7 (the base record store) and, in
// capped.go, C8 (its capped-collection extension with backpressured
// eviction). Grounded on the teacher's counter.go/atomic_counter.go
// idiom - atomic-Int64-backed counters instead of a mutex - for the two
// hot in-memory tallies every insert/delete touches, and on chotki.go's
// single-cursor-per-scan iterator shape for Iterator.
package recordstore

import (
	"context"
	"sync/atomic"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/sizestorer"
	"github.com/zkasheff/tokumxse/storeerrors"
	"github.com/zkasheff/tokumxse/updatemsg"
)

// refreshThreshold is the "≈10000" figure from spec.md §4.7: below this
// many persisted records, a full forward scan is cheap enough to just
// always double-check the counters against the persisted values.
const refreshThreshold = 10000

// RecordStore is C7. Ident-keyed dictionaries only ever hold RecordId ->
// document bytes, so record ids double as the dictionary key.
type RecordStore struct {
	dict  dictionary.Dictionary
	src   dictionary.TxnSource
	ident string
	log   obslog.Logger
	ss    *sizestorer.SizeStorer

	allocator       atomic.Int64 // last allocated id; next Insert returns allocator+1
	highestExplicit atomic.Int64 // highest id ever accepted via InsertWithID

	numRecords atomic.Int64
	dataSize   atomic.Int64
}

// NumRecords and DataSize implement sizestorer.LiveCounters.
func (rs *RecordStore) NumRecords() int64 { return rs.numRecords.Load() }
func (rs *RecordStore) DataSize() int64   { return rs.dataSize.Load() }

func (rs *RecordStore) Ident() string { return rs.ident }

// Open performs spec.md §4.7's open-time work: find the current max id by
// scanning the dictionary from its high end once, and decide whether the
// persisted counters can be trusted or need a refresh scan.
func Open(ctx context.Context, dict dictionary.Dictionary, src dictionary.TxnSource, ident string, ss *sizestorer.SizeStorer, log obslog.Logger) (*RecordStore, error) {
	if log == nil {
		log = obslog.NewNop()
	}
	rs := &RecordStore{dict: dict, src: src, ident: ident, log: log, ss: ss}

	uow := recovery.New(src, log, false)
	uow.Begin(ctx)
	defer uow.Abort(ctx)
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return nil, err
	}

	maxId, err := scanForMaxId(ctx, dict, txn)
	if err != nil {
		return nil, err
	}
	rs.allocator.Store(int64(maxId))
	rs.highestExplicit.Store(int64(maxId))

	persistedNr, persistedDs, havePersisted := int64(0), int64(0), false
	if ss != nil {
		persistedNr, persistedDs, havePersisted = ss.Load(ident)
	}

	needsScan := !havePersisted || persistedNr < refreshThreshold
	numRecords, dataSize := persistedNr, persistedDs
	if needsScan {
		scannedNr, scannedDs, err := scanForCounters(ctx, dict, txn)
		if err != nil {
			return nil, err
		}
		if havePersisted && (scannedNr != persistedNr || scannedDs != persistedDs) {
			log.WarnCtx(ctx, "recordstore counters drifted from persisted values, refreshing",
				"ident", ident, "persistedNumRecords", persistedNr, "scannedNumRecords", scannedNr,
				"persistedDataSize", persistedDs, "scannedDataSize", scannedDs)
		}
		numRecords, dataSize = scannedNr, scannedDs
	}
	rs.numRecords.Store(numRecords)
	rs.dataSize.Store(dataSize)

	if ss != nil {
		ss.OnCreate(ident, rs, numRecords, dataSize)
	}
	return rs, nil
}

func scanForMaxId(ctx context.Context, dict dictionary.Dictionary, txn dictionary.Txn) (encoding.RecordId, error) {
	cur, err := dict.Cursor(ctx, txn, nil, dictionary.Reverse)
	if err != nil {
		return encoding.NullRecordId, err
	}
	defer cur.Close()
	if !cur.Ok() {
		return encoding.NullRecordId, nil
	}
	return encoding.DecodeRecordId(cur.CurrKey())
}

func scanForCounters(ctx context.Context, dict dictionary.Dictionary, txn dictionary.Txn) (numRecords, dataSize int64, err error) {
	cur, err := dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return 0, 0, err
	}
	defer cur.Close()
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		numRecords++
		dataSize += int64(len(cur.CurrVal()))
	}
	return numRecords, dataSize, nil
}

// Insert allocates the next id atomically and writes bytes under it.
func (rs *RecordStore) Insert(ctx context.Context, uow *recovery.UnitOfWork, bytes []byte) (encoding.RecordId, error) {
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return encoding.NullRecordId, err
	}
	id := encoding.RecordId(rs.allocator.Add(1))
	if err := rs.dict.Insert(ctx, txn, encoding.EncodeRecordId(id), bytes, true); err != nil {
		rs.allocator.Add(-1)
		return encoding.NullRecordId, err
	}
	rs.bumpCounters(uow, 1, int64(len(bytes)))
	return id, nil
}

// InsertWithID is the capped/oplog path: the caller picks id, which must
// exceed every id previously accepted this way.
func (rs *RecordStore) InsertWithID(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId, bytes []byte) error {
	for {
		prev := rs.highestExplicit.Load()
		if id <= encoding.RecordId(prev) {
			return storeerrors.Wrapf(storeerrors.ErrBadValue, "record id %d is not greater than previous highest %d", id, prev)
		}
		if rs.highestExplicit.CompareAndSwap(prev, int64(id)) {
			break
		}
	}
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	if err := rs.dict.Insert(ctx, txn, encoding.EncodeRecordId(id), bytes, true); err != nil {
		return err
	}
	rs.bumpCounters(uow, 1, int64(len(bytes)))
	return nil
}

// bumpCounters applies an eager in-memory delta and registers a rollback
// that reverses it, per spec.md §4.7 ("the in-memory counters are updated
// eagerly, so rollback must restore them").
func (rs *RecordStore) bumpCounters(uow *recovery.UnitOfWork, nrDelta, dsDelta int64) {
	rs.numRecords.Add(nrDelta)
	rs.dataSize.Add(dsDelta)
	uow.RegisterChange(recovery.Change{
		Rollback: func() {
			rs.numRecords.Add(-nrDelta)
			rs.dataSize.Add(-dsDelta)
		},
	})
}

// FindRecord returns the bytes stored under id, or storeerrors.ErrNotFound
// if absent.
func (rs *RecordStore) FindRecord(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId) ([]byte, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return nil, err
	}
	return rs.dict.Get(ctx, txn, encoding.EncodeRecordId(id))
}

// Delete removes id, adjusting counters by (-1, -oldSize).
func (rs *RecordStore) Delete(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId) error {
	old, err := rs.FindRecord(ctx, uow, id)
	if err != nil {
		return err
	}
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	if err := rs.dict.Remove(ctx, txn, encoding.EncodeRecordId(id)); err != nil {
		return err
	}
	rs.bumpCounters(uow, -1, -int64(len(old)))
	return nil
}

// Update overwrites id's value wholesale (spec.md §4.7: "Implemented as
// dictionary.insert (overwrite)"). If id was absent this is treated as an
// insert with (+1, +newSize); otherwise (0, newSize-oldSize).
func (rs *RecordStore) Update(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId, bytes []byte) error {
	old, err := rs.FindRecord(ctx, uow, id)
	existed := true
	if err != nil {
		if storeerrors.Classify(err) != storeerrors.KindNotFound {
			return err
		}
		existed = false
	}
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	if err := rs.dict.Insert(ctx, txn, encoding.EncodeRecordId(id), bytes, true); err != nil {
		return err
	}
	if existed {
		rs.bumpCounters(uow, 0, int64(len(bytes))-int64(len(old)))
	} else {
		rs.bumpCounters(uow, 1, int64(len(bytes)))
	}
	return nil
}

// UpdateWithDamages applies a Damages update message via the dictionary's
// update path. Counters are unchanged (spec.md §4.7): a damages patch is
// defined only over the existing byte range.
func (rs *RecordStore) UpdateWithDamages(ctx context.Context, uow *recovery.UnitOfWork, id encoding.RecordId, msg updatemsg.Message) error {
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	return rs.dict.Update(ctx, txn, encoding.EncodeRecordId(id), msg.Serialize())
}

// Truncate deletes every record one at a time. Slow path, tests/admin only.
func (rs *RecordStore) Truncate(ctx context.Context, uow *recovery.UnitOfWork) error {
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	cur, err := rs.dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return err
	}
	var ids []encoding.RecordId
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		id, err := encoding.DecodeRecordId(cur.CurrKey())
		if err != nil {
			cur.Close()
			return err
		}
		ids = append(ids, id)
	}
	cur.Close()
	for _, id := range ids {
		if err := rs.Delete(ctx, uow, id); err != nil {
			return err
		}
	}
	return nil
}

// ValidationAdaptor is invoked once per record when Validate is asked to
// scan data.
type ValidationAdaptor func(id encoding.RecordId, val []byte) error

// Validate optionally scans every record (invoking adaptor on each when
// scanData is set) and, when full && scanData, refreshes counters in
// place and warns on drift.
func (rs *RecordStore) Validate(ctx context.Context, uow *recovery.UnitOfWork, full, scanData bool, adaptor ValidationAdaptor) error {
	if !scanData {
		return nil
	}
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return err
	}
	cur, err := rs.dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return err
	}
	defer cur.Close()

	var numRecords, dataSize int64
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		id, err := encoding.DecodeRecordId(cur.CurrKey())
		if err != nil {
			return err
		}
		val := cur.CurrVal()
		if adaptor != nil {
			if err := adaptor(id, val); err != nil {
				return err
			}
		}
		numRecords++
		dataSize += int64(len(val))
	}
	if full {
		if prevNr, prevDs := rs.numRecords.Load(), rs.dataSize.Load(); prevNr != numRecords || prevDs != dataSize {
			rs.log.WarnCtx(ctx, "recordstore validate found counter drift, refreshing",
				"ident", rs.ident, "prevNumRecords", prevNr, "scannedNumRecords", numRecords,
				"prevDataSize", prevDs, "scannedDataSize", dataSize)
		}
		rs.numRecords.Store(numRecords)
		rs.dataSize.Store(dataSize)
	}
	return nil
}
