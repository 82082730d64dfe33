package pdict

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// Txn implements dictionary.Txn. A read-write Txn wraps an indexed pebble
// batch (so callers can read their own uncommitted writes, per spec.md
// §5 "Within a single transaction, reads see that transaction's prior
// writes"); a read-only Txn wraps a pebble snapshot.
//
// pebble does not itself provide cross-transaction conflict detection the
// way a true MVCC/locking engine would - there is one mutable
// LSM and batches simply apply atomically in whatever order Commit is
// called. This implementation therefore never returns ErrWriteConflict;
// the callers that handle one (sortedindex's unique-key check,
// recordstore's capped eviction, the size storer's flush) keep that
// handling for backends that do raise it. This is a deliberate, documented
// simplification of the C1 contract.
type Txn struct {
	engine   *Engine
	batch    *pebble.Batch
	snap     *pebble.Snapshot
	readOnly bool
	done     bool

	// id is a correlation id for this transaction, present only to
	// tie together log lines and metrics labels across its lifetime
	// (the teacher uses uuid similarly for sync-session identifiers); it
	// carries no on-disk meaning.
	id uuid.UUID
}

func (t *Txn) reader() pebble.Reader {
	if t.readOnly {
		return t.snap
	}
	return t.batch
}

func (t *Txn) Commit(ctx context.Context, sync bool) error {
	if t.done {
		return storeerrors.ErrRecoveryUnitClosed
	}
	t.done = true
	if t.readOnly {
		return t.snap.Close()
	}
	opts := &noSyncWrite
	if sync {
		opts = &syncWrite
	}
	if err := t.engine.db.Apply(t.batch, opts); err != nil {
		t.engine.log.WarnCtx(ctx, "batch apply failed", "txn", t.id, "err", err)
		return storeerrors.Wrap(err, "applying batch")
	}
	t.engine.log.DebugCtx(ctx, "committed batch", "txn", t.id, "sync", sync)
	return t.batch.Close()
}

func (t *Txn) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.readOnly {
		return t.snap.Close()
	}
	return t.batch.Close()
}
