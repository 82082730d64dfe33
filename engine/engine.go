// Package engine is C11: the façade a caller opens once per process. It
// owns the concrete dictionary backend, routes idents to their backing
// dictionaries, and holds the process-wide size storer and the
// per-collection delete-range optimizers it hands out. Grounded on the
// teacher's Chotki struct (chotki.go) for the "one struct owns the db
// handle plus a handful of maps keyed by identity" shape, generalized
// from Chotki's single object-space to arbitrary named collections and
// indexes.
package engine

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zkasheff/tokumxse/deleteopt"
	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recordstore"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/sizestorer"
	"github.com/zkasheff/tokumxse/sortedindex"
	"github.com/zkasheff/tokumxse/storeerrors"
	"github.com/zkasheff/tokumxse/storeopts"
	"github.com/zkasheff/tokumxse/visibility"
)

// metaIdent is the fixed prefix under which the size storer and the
// format-version record live, kept out of the ident namespace a caller
// could otherwise choose (spec.md §4.4).
var metaIdent = []byte("\x00meta")

// directoryIdent holds the set of every collection/index ident ever
// created, so getAllIdents doesn't need to scan the whole keyspace.
var directoryIdent = []byte("\x00dir")

// Engine is C11.
type Engine struct {
	log obslog.Logger
	dir string

	pdb *pdict.Engine

	ss *sizestorer.SizeStorer

	// mu serializes the compound check-then-create/drop path below;
	// collections/indexes themselves are read far more often than
	// written (every routing lookup vs. the rare open/drop), exactly the
	// access pattern xsync.MapOf is built for - grounded on the teacher's
	// own use of a sharded concurrent map for its hot object-lookup path.
	mu          sync.Mutex
	collections *xsync.MapOf[string, *collectionEntry]
	indexes     *xsync.MapOf[string, *sortedindex.Index]

	format *FormatVersion
}

type collectionEntry struct {
	rs     *recordstore.RecordStore
	capped *recordstore.CappedRecordStore
	opt    *deleteopt.Optimizer
}

// Open opens or creates an engine at opts.Directory (spec.md §4.11: "the
// façade owns exactly one concrete dictionary backend").
func Open(ctx context.Context, opts storeopts.EngineOptions, log obslog.Logger) (*Engine, error) {
	if log == nil {
		log = obslog.NewNop()
	}
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	pdb, err := pdict.Open(opts.Directory, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:         log,
		dir:         opts.Directory,
		pdb:         pdb,
		collections: xsync.NewMapOf[string, *collectionEntry](),
		indexes:     xsync.NewMapOf[string, *sortedindex.Index](),
	}
	meta := pdb.Dict(metaIdent)
	e.ss = sizestorer.New(meta, pdb, log)
	if err := e.ss.LoadFromDict(ctx); err != nil {
		pdb.Close()
		return nil, err
	}
	e.ss.Run(ctx)

	fv, err := loadFormatVersion(ctx, pdb, meta)
	if err != nil {
		pdb.Close()
		return nil, err
	}
	e.format = fv
	return e, nil
}

// dict returns the raw pdict-backed dictionary view for ident, recording
// it in the directory dictionary the first time it's seen.
func (e *Engine) dict(ctx context.Context, ident string) (dictionary.Dictionary, error) {
	if err := e.recordIdent(ctx, ident); err != nil {
		return nil, err
	}
	return e.pdb.Dict([]byte(ident)), nil
}

func (e *Engine) recordIdent(ctx context.Context, ident string) error {
	dirDict := e.pdb.Dict(directoryIdent)
	uow := recovery.New(e.pdb, e.log, false)
	uow.Begin(ctx)
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		uow.Abort(ctx)
		return err
	}
	if _, err := dirDict.Get(ctx, txn, []byte(ident)); err == nil {
		uow.Abort(ctx)
		return nil
	}
	if err := dirDict.Insert(ctx, txn, []byte(ident), []byte{1}, true); err != nil {
		uow.Abort(ctx)
		return err
	}
	return uow.Commit(ctx)
}

// CreateRecordStore opens (creating on first use) an ordinary, uncapped
// record store under ident.
func (e *Engine) CreateRecordStore(ctx context.Context, ident string) (*recordstore.RecordStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.collections.Load(ident); ok {
		if c.capped != nil {
			return nil, storeerrors.Wrapf(storeerrors.ErrBadValue, "%s is already open as a capped collection", ident)
		}
		return c.rs, nil
	}
	dict, err := e.dict(ctx, ident)
	if err != nil {
		return nil, err
	}
	rs, err := recordstore.Open(ctx, dict, e.pdb, ident, e.ss, e.log)
	if err != nil {
		return nil, err
	}
	e.collections.Store(ident, &collectionEntry{rs: rs})
	return rs, nil
}

// CreateCappedRecordStore opens a capped collection. isOplog selects
// oplog-style id extraction plus an oplog visibility tracker; hotOptimize,
// if non-nil, gets wired to a per-collection delete-range optimizer that
// starts running in the background immediately.
func (e *Engine) CreateCappedRecordStore(ctx context.Context, ident string, opts storeopts.CappedOptions, isOplog bool, hotOptimize deleteopt.HotOptimizeFunc) (*recordstore.CappedRecordStore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.collections.Load(ident); ok {
		if c.capped == nil {
			return nil, storeerrors.Wrapf(storeerrors.ErrBadValue, "%s is already open as a plain collection", ident)
		}
		return c.capped, nil
	}
	dict, err := e.dict(ctx, ident)
	if err != nil {
		return nil, err
	}
	rs, err := recordstore.Open(ctx, dict, e.pdb, ident, e.ss, e.log)
	if err != nil {
		return nil, err
	}
	kind := visibility.Capped
	if isOplog {
		kind = visibility.Oplog
	}
	tracker := visibility.New(kind, ident)
	var opt *deleteopt.Optimizer
	if hotOptimize != nil {
		opt = deleteopt.New(ident, e.log, hotOptimize)
		opt.Run(ctx)
	}
	capped := recordstore.OpenCapped(ctx, rs, opts, isOplog, tracker, opt, e.log)
	e.collections.Store(ident, &collectionEntry{rs: rs, capped: capped, opt: opt})
	return capped, nil
}

// CreateSortedIndex opens (creating on first use) a sorted index under
// ident, distinct from the collection-ident namespace by caller
// convention (spec.md §4.10 leaves ident naming to the caller).
func (e *Engine) CreateSortedIndex(ctx context.Context, ident string, ordering []bool) (*sortedindex.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ix, ok := e.indexes.Load(ident); ok {
		return ix, nil
	}
	dict, err := e.dict(ctx, ident)
	if err != nil {
		return nil, err
	}
	ix := sortedindex.Open(dict, ordering)
	e.indexes.Store(ident, ix)
	return ix, nil
}

// DropIdent destroys a collection or index and every byte it stored,
// notifying the size storer so it stops tracking counters for it
// (spec.md §4.4's OnDestroy hook).
func (e *Engine) DropIdent(ctx context.Context, ident string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.collections.Load(ident); ok {
		if c.opt != nil {
			c.opt.Shutdown()
		}
		if err := e.truncateDict(ctx, ident); err != nil {
			return err
		}
		e.ss.OnDestroy(ident)
		e.collections.Delete(ident)
		return nil
	}
	if _, ok := e.indexes.Load(ident); ok {
		if err := e.truncateDict(ctx, ident); err != nil {
			return err
		}
		e.indexes.Delete(ident)
		return nil
	}
	return storeerrors.Wrapf(storeerrors.ErrNotFound, "no such ident %q", ident)
}

func (e *Engine) truncateDict(ctx context.Context, ident string) error {
	dict := e.pdb.Dict([]byte(ident))
	uow := recovery.New(e.pdb, e.log, false)
	uow.Begin(ctx)
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		uow.Abort(ctx)
		return err
	}
	cur, err := dict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		uow.Abort(ctx)
		return err
	}
	var keys [][]byte
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		keys = append(keys, append([]byte{}, cur.CurrKey()...))
	}
	cur.Close()
	for _, k := range keys {
		if err := dict.Remove(ctx, txn, k); err != nil {
			uow.Abort(ctx)
			return err
		}
	}
	dirDict := e.pdb.Dict(directoryIdent)
	_ = dirDict.Remove(ctx, txn, []byte(ident))
	return uow.Commit(ctx)
}

// HasIdent reports whether ident names an open collection or index. This
// is the common-case read path the ident table is sized for, so it
// bypasses mu entirely and goes straight to the concurrent map.
func (e *Engine) HasIdent(ident string) bool {
	if _, ok := e.collections.Load(ident); ok {
		return true
	}
	_, ok := e.indexes.Load(ident)
	return ok
}

// GetAllIdents lists every collection/index ident this engine has
// recorded in the directory dictionary, including ones not reopened this
// process; DropIdent removes an ident from the directory, so dropped
// idents are not listed.
func (e *Engine) GetAllIdents(ctx context.Context) ([]string, error) {
	dirDict := e.pdb.Dict(directoryIdent)
	txn, err := e.pdb.BeginSnapshotRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort(ctx)
	cur, err := dirDict.Cursor(ctx, txn, nil, dictionary.Forward)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var idents []string
	for ok := cur.Ok(); ok; ok = cur.Advance() {
		idents = append(idents, string(cur.CurrKey()))
	}
	return idents, nil
}

// TxnSource exposes the underlying dictionary backend's transaction
// source, for callers building their own recovery.UnitOfWork against
// idents this engine opened.
func (e *Engine) TxnSource() dictionary.TxnSource { return e.pdb }

// SizeStorer exposes the process-wide size storer.
func (e *Engine) SizeStorer() *sizestorer.SizeStorer { return e.ss }

// Close performs the orderly shutdown sequence recovered from
// kv_close_all_databases.cpp (SPEC_FULL §7 item 4): stop every
// collection's delete-range optimizer first, then the size storer (whose
// final flush should see the post-optimizer counters), then the
// dictionary backend itself.
func (e *Engine) Close() error {
	e.collections.Range(func(_ string, c *collectionEntry) bool {
		if c.opt != nil {
			c.opt.Shutdown()
		}
		return true
	})

	e.ss.Shutdown()

	return e.pdb.Close()
}
