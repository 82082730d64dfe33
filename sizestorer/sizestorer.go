// Package sizestorer implements C4: the in-memory map of per-ident record
// and byte counters that record stores report through, periodically
// snapshotted into a metadata dictionary so counts survive a restart
// without a full table scan (spec.md §4.4).
//
// Grounded on the teacher's index_manager.go background-flush idiom (a
// mutex-guarded map drained on a timer by a dedicated goroutine) and on
// fulldump-inceptiondb's use of github.com/google/btree for an ordered,
// iteration-friendly index - here backing the dirty-ident set so flush()
// can walk it in ident order without copying the whole map under lock.
package sizestorer

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/obsmetrics"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// LiveCounters is implemented by a record store so the size storer can
// pull authoritative in-memory values at flush time rather than trusting
// whatever was last reported (spec.md §4.4: "preferring live values from
// the linked record store when present").
type LiveCounters interface {
	NumRecords() int64
	DataSize() int64
}

type entry struct {
	ident      string
	numRecords int64
	dataSize   int64
	dirty      bool
	rs         LiveCounters
}

func lessEntry(a, b *entry) bool { return a.ident < b.ident }

// SizeStorer is C4.
type SizeStorer struct {
	meta dictionary.Dictionary
	src  dictionary.TxnSource
	log  obslog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	dirty   *btree.BTreeG[*entry]

	wake chan struct{}
	done chan struct{}
	stop chan struct{}
}

func New(meta dictionary.Dictionary, src dictionary.TxnSource, log obslog.Logger) *SizeStorer {
	if log == nil {
		log = obslog.NewNop()
	}
	return &SizeStorer{
		meta:    meta,
		src:     src,
		log:     log,
		entries: make(map[string]*entry),
		dirty:   btree.NewG(32, lessEntry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// OnCreate registers a freshly opened record store's initial counters.
func (s *SizeStorer) OnCreate(ident string, rs LiveCounters, numRecords, dataSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{ident: ident, numRecords: numRecords, dataSize: dataSize, rs: rs}
	s.entries[ident] = e
	s.markDirtyLocked(e)
}

// OnDestroy drops ident from the map and from the dirty set, so no further
// flush writes it. Its row in the metadata dictionary is not removed and
// keeps the counters from the last flush.
func (s *SizeStorer) OnDestroy(ident string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[ident]; ok {
		s.dirty.Delete(e)
		delete(s.entries, ident)
	}
}

// Store updates ident's counters directly (used by record stores that
// don't register a LiveCounters, e.g. during recovery replay) and marks
// the entry dirty.
func (s *SizeStorer) Store(ident string, numRecords, dataSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ident]
	if !ok {
		e = &entry{ident: ident}
		s.entries[ident] = e
	}
	e.numRecords = numRecords
	e.dataSize = dataSize
	s.markDirtyLocked(e)
}

// Load returns the last known counters for ident.
func (s *SizeStorer) Load(ident string) (numRecords, dataSize int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ident]
	if !ok {
		return 0, 0, false
	}
	return e.numRecords, e.dataSize, true
}

func (s *SizeStorer) markDirtyLocked(e *entry) {
	if !e.dirty {
		e.dirty = true
		s.dirty.ReplaceOrInsert(e)
		obsmetrics.SizeStorerDirtyEntries.Set(float64(s.dirty.Len()))
	}
}

type statsRecord struct {
	NumRecords int64
	DataSize   int64
}

func serializeStats(r statsRecord) []byte {
	buf := make([]byte, 16)
	putI64(buf[0:8], r.NumRecords)
	putI64(buf[8:16], r.DataSize)
	return buf
}

func parseStats(b []byte) (statsRecord, error) {
	if len(b) != 16 {
		return statsRecord{}, storeerrors.Wrap(storeerrors.ErrInternal, "sizestorer: malformed stats record")
	}
	return statsRecord{NumRecords: getI64(b[0:8]), DataSize: getI64(b[8:16])}, nil
}

func putI64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (56 - 8*i))
	}
}

func getI64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

// Flush snapshots every dirty entry under the lock (preferring live
// record-store counters when linked), then writes them into the metadata
// dictionary outside the lock. A write conflict is swallowed: another
// flush (or the background thread) already made the same write.
func (s *SizeStorer) Flush(ctx context.Context) error {
	type snap struct {
		ident string
		rec   statsRecord
	}
	var batch []snap

	s.mu.Lock()
	s.dirty.Ascend(func(e *entry) bool {
		if e.rs != nil {
			e.numRecords = e.rs.NumRecords()
			e.dataSize = e.rs.DataSize()
		}
		batch = append(batch, snap{ident: e.ident, rec: statsRecord{NumRecords: e.numRecords, DataSize: e.dataSize}})
		e.dirty = false
		return true
	})
	s.dirty.Clear(false)
	obsmetrics.SizeStorerDirtyEntries.Set(0)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	uow := recovery.New(s.src, s.log, false)
	uow.Begin(ctx)
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		obsmetrics.SizeStorerFlushes.WithLabelValues("error").Inc()
		return err
	}
	for _, b := range batch {
		if err := s.meta.Insert(ctx, txn, []byte(b.ident), serializeStats(b.rec), true); err != nil {
			_ = uow.Abort(ctx)
			obsmetrics.SizeStorerFlushes.WithLabelValues("error").Inc()
			return err
		}
	}
	if err := uow.Commit(ctx); err != nil {
		if storeerrors.Classify(err) == storeerrors.KindWriteConflict {
			s.log.WarnCtx(ctx, "sizestorer flush lost a write race, will retry next cycle")
			obsmetrics.SizeStorerFlushes.WithLabelValues("conflict").Inc()
			return nil
		}
		obsmetrics.SizeStorerFlushes.WithLabelValues("error").Inc()
		return err
	}
	obsmetrics.SizeStorerFlushes.WithLabelValues("ok").Inc()
	return nil
}

// LoadFromDict scans the metadata dictionary and replaces the in-memory
// map, called once at engine startup.
func (s *SizeStorer) LoadFromDict(ctx context.Context) error {
	uow := recovery.New(s.src, s.log, false)
	uow.Begin(ctx)
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return err
	}
	defer uow.Abort(ctx)

	cur, err := s.meta.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return err
	}
	defer cur.Close()

	loaded := make(map[string]*entry)
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		rec, err := parseStats(cur.CurrVal())
		if err != nil {
			return err
		}
		ident := string(cur.CurrKey())
		loaded[ident] = &entry{ident: ident, numRecords: rec.NumRecords, dataSize: rec.DataSize}
	}

	s.mu.Lock()
	s.entries = loaded
	s.dirty.Clear(false)
	s.mu.Unlock()
	return nil
}

// Run starts the background flush thread: sleeps on a one-second timeout
// (or an explicit wake) and calls Flush.
func (s *SizeStorer) Run(ctx context.Context) {
	go func() {
		defer close(s.done)
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				_ = s.Flush(ctx)
				return
			case <-t.C:
			case <-s.wake:
			}
			if err := s.Flush(ctx); err != nil {
				s.log.WarnCtx(ctx, "sizestorer background flush failed", "err", err)
			}
		}
	}()
}

func (s *SizeStorer) WakeNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown signals the background thread, waits for it to terminate after
// a final flush.
func (s *SizeStorer) Shutdown() {
	close(s.stop)
	<-s.done
}
