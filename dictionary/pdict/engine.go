// Package pdict is the concrete, runnable implementation of C1 backed by
// github.com/cockroachdb/pebble - the same KV engine the teacher builds
// its object store on (chotki.go: `cho.db, err = pebble.Open(path, &opts)`).
//
// One pebble.DB backs every dictionary the façade (engine.Engine) creates;
// each dictionary.Dictionary is a thin key-prefixed view over that single
// DB, and every recovery.UnitOfWork holds exactly one pdict.Txn (a pebble
// batch or snapshot) shared by every Dictionary it touches - mirroring
// spec.md §4.5's "the recovery unit lazily begins the underlying KV
// transaction on first use" for a single shared transaction object.
package pdict

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// noSyncWrite mirrors the teacher's package-level var WriteOptions =
// pebble.WriteOptions{Sync: false}: ordinary commits skip the WAL fsync;
// recovery.UnitOfWork.AwaitCommit forces one explicitly.
var noSyncWrite = pebble.WriteOptions{Sync: false}
var syncWrite = pebble.WriteOptions{Sync: true}

type Engine struct {
	db  *pebble.DB
	log obslog.Logger
}

// Open opens (or creates, if the path is absent) a pebble-backed engine
// at dir, registering the merge operator
// that lets C3's Damages updates ride as merge operands (see merge.go).
func Open(dir string, log obslog.Logger) (*Engine, error) {
	if log == nil {
		log = obslog.NewNop()
	}
	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name:  "tokumxse-damages",
			Merge: newDamagesMerger,
		},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, storeerrors.Wrapf(err, "opening pebble dictionary at %s", dir)
	}
	return &Engine{db: db, log: log}, nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func (e *Engine) DB() *pebble.DB { return e.db }

// Dict returns a dictionary.Dictionary view keyed under the given ident's
// byte prefix.
func (e *Engine) Dict(ident []byte) dictionary.Dictionary {
	return &Dict{engine: e, prefix: append([]byte{}, ident...)}
}

// BeginSnapshotRead implements dictionary.TxnSource.
func (e *Engine) BeginSnapshotRead(ctx context.Context) (dictionary.Txn, error) {
	return &Txn{engine: e, snap: e.db.NewSnapshot(), readOnly: true, id: uuid.New()}, nil
}

// BeginReadWrite implements dictionary.TxnSource. Pebble itself has no
// notion of a serializable multi-key transaction with conflict detection
// across batches; the transaction is an indexed batch applied atomically
// at commit, with no conflict validation - see txn.go.
func (e *Engine) BeginReadWrite(ctx context.Context) (dictionary.Txn, error) {
	return &Txn{engine: e, batch: e.db.NewIndexedBatch(), readOnly: false, id: uuid.New()}, nil
}

func (e *Engine) fullKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	out = append(out, key...)
	return out
}
