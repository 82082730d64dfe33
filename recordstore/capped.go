package recordstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zkasheff/tokumxse/deleteopt"
	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/obsmetrics"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/sizestorer"
	"github.com/zkasheff/tokumxse/storeerrors"
	"github.com/zkasheff/tokumxse/storeopts"
	"github.com/zkasheff/tokumxse/visibility"
)

// OplogKeyFunc extracts a record's canonical, timestamp-derived id from
// its document bytes (spec.md §4.8: "the record's ID is not allocated -
// it is extracted from the document"). The default reads a big-endian
// int64 from the first 8 bytes.
type OplogKeyFunc func(doc []byte) (encoding.RecordId, error)

func DefaultOplogKeyFunc(doc []byte) (encoding.RecordId, error) {
	if len(doc) < 8 {
		return encoding.NullRecordId, storeerrors.Wrap(storeerrors.ErrBadValue, "oplog document too short to carry a timestamp key")
	}
	id, err := encoding.DecodeRecordId(doc[:8])
	if err != nil {
		return encoding.NullRecordId, err
	}
	return id, nil
}

// AboutToDeleteFunc lets a caller evict associated state (e.g. an index
// entry) alongside a record about to be reclaimed by eviction.
type AboutToDeleteFunc func(id encoding.RecordId, val []byte)

// CappedRecordStore is C8: C7 plus size/count caps, backpressured
// eviction and oplog-specific hooks (spec.md §4.8).
type CappedRecordStore struct {
	*RecordStore

	opts    storeopts.CappedOptions
	isOplog bool
	tracker *visibility.Tracker

	oplogKeyFunc  OplogKeyFunc
	aboutToDelete AboutToDeleteFunc

	optimizer *deleteopt.Optimizer

	evictionMu    sync.Mutex
	lastDeletedId atomic.Int64
}

// OpenCapped wraps an already-open RecordStore in capped semantics.
func OpenCapped(ctx context.Context, rs *RecordStore, opts storeopts.CappedOptions, isOplog bool, tracker *visibility.Tracker, optimizer *deleteopt.Optimizer, log obslog.Logger) *CappedRecordStore {
	opts.SetDefaults()
	if log == nil {
		log = obslog.NewNop()
	}
	c := &CappedRecordStore{
		RecordStore:  rs,
		opts:         opts,
		isOplog:      isOplog,
		tracker:      tracker,
		oplogKeyFunc: DefaultOplogKeyFunc,
		optimizer:    optimizer,
	}
	c.lastDeletedId.Store(int64(encoding.MinRecordId))
	return c
}

func (c *CappedRecordStore) SetAboutToDelete(f AboutToDeleteFunc) { c.aboutToDelete = f }

func (c *CappedRecordStore) overCapacity() bool {
	if c.DataSize() > c.opts.MaxSize {
		return true
	}
	return c.opts.MaxDocs != storeopts.Unlimited && c.NumRecords() > c.opts.MaxDocs
}

func (c *CappedRecordStore) overByBytes() int64 {
	over := c.DataSize() - c.opts.MaxSize
	if over < 0 {
		return 0
	}
	return over
}

// Insert implements the capped insert path additions on top of C7's
// allocation (spec.md §4.8).
func (c *CappedRecordStore) Insert(ctx context.Context, uow *recovery.UnitOfWork, bytes []byte) (encoding.RecordId, error) {
	if int64(len(bytes)) > c.opts.MaxSize {
		return encoding.NullRecordId, storeerrors.Wrapf(storeerrors.ErrBadValue, "record of %d bytes exceeds capped maxSize %d", len(bytes), c.opts.MaxSize)
	}

	var id encoding.RecordId
	if c.isOplog {
		var err error
		id, err = c.oplogKeyFunc(bytes)
		if err != nil {
			return encoding.NullRecordId, err
		}
		if err := c.InsertWithID(ctx, uow, id, bytes); err != nil {
			return encoding.NullRecordId, err
		}
	} else {
		var err error
		id, err = c.RecordStore.Insert(ctx, uow, bytes)
		if err != nil {
			return encoding.NullRecordId, err
		}
	}

	if c.tracker != nil {
		c.tracker.AddUncommittedId(uow, id)
	}

	if err := c.deleteAsNeeded(ctx); err != nil {
		c.log.WarnCtx(ctx, "capped eviction pass failed", "ident", c.Ident(), "err", err)
	}
	return id, nil
}

// deleteAsNeeded is the eviction engine's two-phase try_lock/block
// backpressure hysteresis (spec.md §4.8).
func (c *CappedRecordStore) deleteAsNeeded(ctx context.Context) error {
	if !c.overCapacity() {
		return nil
	}
	if c.opts.MaxDocs != storeopts.Unlimited {
		c.evictionMu.Lock()
	} else if !c.evictionMu.TryLock() {
		if c.overByBytes() < c.opts.Slack() {
			return nil
		}
		c.evictionMu.Lock()
		if c.overByBytes() < 2*c.opts.Slack() {
			c.evictionMu.Unlock()
			return nil
		}
	}
	defer c.evictionMu.Unlock()
	return c.evictOnce(ctx)
}

// evictOnce runs one eviction batch under a side transaction: eviction
// must not tie its outcome to whatever unit of work triggered the insert
// that provoked it (spec.md §4.8).
func (c *CappedRecordStore) evictOnce(ctx context.Context) error {
	uow := recovery.New(c.src, c.log, false)
	uow.Begin(ctx)

	start := encoding.RecordId(c.lastDeletedId.Load())
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		uow.Abort(ctx)
		return err
	}
	cur, err := c.dict.Cursor(ctx, txn, encoding.EncodeRecordId(start), dictionary.Forward)
	if err != nil {
		uow.Abort(ctx)
		return err
	}

	var sizeSaved, docsRemoved int64
	var lo, hi encoding.RecordId
	haveRange := false
	startTime := time.Now()

	for cur.Ok() && c.overCapacity() {
		id, err := encoding.DecodeRecordId(cur.CurrKey())
		if err != nil {
			cur.Close()
			uow.Abort(ctx)
			return err
		}
		val := cur.CurrVal()

		if err := c.dict.Remove(ctx, txn, cur.CurrKey()); err != nil {
			cur.Close()
			uow.Abort(ctx)
			if storeerrors.Classify(err) == storeerrors.KindWriteConflict {
				obsmetrics.CappedEvictions.WithLabelValues(c.Ident(), "conflict").Inc()
				return nil
			}
			return err
		}
		// Eager, uow-scoped: a rollback on this side transaction (a
		// RangeDeleted failure, a non-conflict Remove error further
		// down, or the write-conflict commit drop below) restores these
		// counters along with the dictionary removes they mirror
		// (spec.md §4.7, §8 invariant 6/8).
		c.bumpCounters(uow, -1, -int64(len(val)))
		if c.aboutToDelete != nil {
			c.aboutToDelete(id, val)
		}

		if !haveRange {
			lo = id
			haveRange = true
		}
		hi = id
		sizeSaved += int64(len(val))
		docsRemoved++

		cur.Advance()

		overBy := c.overByBytes()
		if overBy < c.opts.Slack() {
			if overBy < c.opts.Slack()/4 && docsRemoved >= 1000 {
				break
			}
		}
		if docsRemoved%1000 == 0 && time.Since(startTime) > 4*time.Second {
			break
		}
	}
	cur.Close()

	if docsRemoved == 0 {
		return uow.Abort(ctx)
	}

	if err := c.dict.RangeDeleted(ctx, txn, encoding.EncodeRecordId(lo), encoding.EncodeRecordId(hi), sizeSaved, docsRemoved); err != nil {
		uow.Abort(ctx)
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		if storeerrors.Classify(err) == storeerrors.KindWriteConflict {
			obsmetrics.CappedEvictions.WithLabelValues(c.Ident(), "conflict").Inc()
			return nil
		}
		return err
	}

	c.lastDeletedId.Store(int64(hi))
	obsmetrics.CappedEvictions.WithLabelValues(c.Ident(), "ok").Inc()
	obsmetrics.CappedEvictionDocsRemoved.WithLabelValues(c.Ident()).Add(float64(docsRemoved))
	obsmetrics.CappedEvictionDuration.WithLabelValues(c.Ident()).Observe(time.Since(startTime).Seconds())

	if c.optimizer != nil {
		c.optimizer.UpdateMaxDeleted(ctx, hi, sizeSaved)
	}
	return nil
}

// OplogStartHack finds the largest id <= startingPosition that is also <
// lowestInvisible, via a reverse iterator that skips until both hold
// (spec.md §4.8).
func (c *CappedRecordStore) OplogStartHack(ctx context.Context, uow *recovery.UnitOfWork, startingPosition encoding.RecordId) (encoding.RecordId, bool, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return encoding.NullRecordId, false, err
	}
	cur, err := c.dict.Cursor(ctx, txn, encoding.EncodeRecordId(startingPosition), dictionary.Reverse)
	if err != nil {
		return encoding.NullRecordId, false, err
	}
	defer cur.Close()

	lowest := encoding.MaxRecordId
	if c.tracker != nil {
		lowest = c.tracker.LowestInvisible()
	}
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		id, err := encoding.DecodeRecordId(cur.CurrKey())
		if err != nil {
			return encoding.NullRecordId, false, err
		}
		if id < lowest {
			return id, true, nil
		}
	}
	return encoding.NullRecordId, false, nil
}

// TempTruncateAfter iterates from end forward, deleting every record
// (optionally skipping end itself). Test-only (spec.md §4.8).
func (c *CappedRecordStore) TempTruncateAfter(ctx context.Context, uow *recovery.UnitOfWork, end encoding.RecordId, inclusive bool) error {
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		return err
	}
	cur, err := c.dict.Cursor(ctx, txn, encoding.EncodeRecordId(end), dictionary.Forward)
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
		if id == end && !inclusive {
			continue
		}
		ids = append(ids, id)
	}
	cur.Close()
	for _, id := range ids {
		if err := c.Delete(ctx, uow, id); err != nil {
			return err
		}
	}
	return nil
}

var _ sizestorer.LiveCounters = (*RecordStore)(nil)
