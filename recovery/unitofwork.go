// Package recovery implements C5: a recovery unit binds a dictionary
// transaction to an ordered list of user-supplied commit/rollback
// callbacks, and lazily chooses snapshot-read vs serializable read-write
// transaction mode (spec.md §4.5).
//
// The source this was distilled from models UnitOfWork as a stack frame
// tied to one call chain; the components with in-memory side effects (the
// visibility tracker and the record stores) register their rollback
// bookkeeping through RegisterChange
// rather than hand-rolling its own undo logic - mirroring how the
// teacher's pebble.Batch accumulates writes that either all apply or are
// discarded wholesale (chotki.go's Drain: a batch per packet, applied only
// on success).
package recovery

import (
	"context"
	"sync"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/obsmetrics"
	"github.com/zkasheff/tokumxse/storeerrors"
)

type State int

const (
	Inactive State = iota
	Active
	Committing
	Aborting
)

// Change is a (commit, rollback) closure pair, run in registration order
// on commit and reverse registration order on rollback (spec.md §3
// "Change list", §8 invariant 7).
type Change struct {
	Commit   func()
	Rollback func()
}

// UnitOfWork is a recovery unit: spec.md §4.5's unitOfWork. Nesting is
// permitted; only the outermost Commit finalizes.
type UnitOfWork struct {
	mu sync.Mutex

	source      dictionary.TxnSource
	log         obslog.Logger
	isSecondary bool

	state State
	depth int

	txn       dictionary.Txn
	txnIsWrite bool

	changes []Change

	forceAbort bool
}

func New(source dictionary.TxnSource, log obslog.Logger, isSecondary bool) *UnitOfWork {
	if log == nil {
		log = obslog.NewNop()
	}
	return &UnitOfWork{source: source, log: log, isSecondary: isSecondary, state: Inactive}
}

// Begin opens a new scope. Nested calls just bump the depth counter.
func (u *UnitOfWork) Begin(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.depth == 0 {
		u.state = Active
		u.forceAbort = false
	}
	u.depth++
}

// Txn lazily acquires the underlying dictionary transaction on first use,
// mode-aware per spec.md §4.5: read-only (or secondary) callers get a
// snapshot-read transaction; everyone else gets a read-write transaction.
// A read-only transaction already open is discarded and replaced if a
// later call in the same unit of work needs to write - safe because, by
// construction, no writes have happened yet through a read-only handle.
func (u *UnitOfWork) Txn(ctx context.Context, forWrite bool) (dictionary.Txn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != Active {
		return nil, storeerrors.ErrRecoveryUnitClosed
	}
	needWrite := forWrite && !u.isSecondary
	if u.txn != nil {
		if !needWrite || u.txnIsWrite {
			return u.txn, nil
		}
		// upgrade read-only -> read-write: discard, nothing was written
		// through the read-only handle by construction.
		if err := u.txn.Abort(ctx); err != nil {
			u.log.WarnCtx(ctx, "discarding read-only txn for upgrade failed", "err", err)
		}
		u.txn = nil
	}
	var txn dictionary.Txn
	var err error
	if needWrite {
		txn, err = u.source.BeginReadWrite(ctx)
	} else {
		txn, err = u.source.BeginSnapshotRead(ctx)
	}
	if err != nil {
		return nil, storeerrors.Wrap(err, "opening underlying transaction")
	}
	u.txn = txn
	u.txnIsWrite = needWrite
	return txn, nil
}

// RegisterChange appends c to this unit of work's change list.
func (u *UnitOfWork) RegisterChange(c Change) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.changes = append(u.changes, c)
}

// MarkMustAbort forces the whole nested stack to abort regardless of how
// many outer Commit calls follow (spec.md §4.5: "any inner abort() forces
// the whole stack to abort").
func (u *UnitOfWork) MarkMustAbort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.forceAbort = true
}

// Commit closes one nesting level. Only the outermost call actually
// finalizes: commits the underlying transaction (no-sync) then runs every
// registered Change.Commit in registration order. If the underlying commit
// fails, every Change.Rollback runs in reverse order instead and the
// error is returned.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	return u.commit(ctx, false)
}

// AwaitCommit is the durable variant: same as Commit, but forces a log
// flush by committing the underlying transaction with sync=true.
func (u *UnitOfWork) AwaitCommit(ctx context.Context) error {
	return u.commit(ctx, true)
}

func (u *UnitOfWork) commit(ctx context.Context, sync bool) error {
	u.mu.Lock()
	if u.depth == 0 {
		u.mu.Unlock()
		return storeerrors.ErrNoActiveUnitOfWork
	}
	u.depth--
	if u.depth > 0 {
		// inner commit: just an intent-to-commit marker.
		u.mu.Unlock()
		return nil
	}
	mustAbort := u.forceAbort
	u.mu.Unlock()

	if mustAbort {
		return u.finishAbort(ctx)
	}
	return u.finishCommit(ctx, sync)
}

func (u *UnitOfWork) finishCommit(ctx context.Context, sync bool) error {
	u.mu.Lock()
	u.state = Committing
	txn := u.txn
	changes := u.changes
	u.txn = nil
	u.changes = nil
	u.mu.Unlock()

	if txn != nil {
		if err := txn.Commit(ctx, sync); err != nil {
			u.log.ErrorCtx(ctx, "underlying commit failed", "err", err)
			if storeerrors.Classify(err) == storeerrors.KindWriteConflict {
				obsmetrics.RecoveryUnitWriteConflicts.WithLabelValues("commit").Inc()
			}
			// The transaction's writes were not applied: undo the eager
			// side effects registered against them, as an abort would.
			for i := len(changes) - 1; i >= 0; i-- {
				if changes[i].Rollback != nil {
					changes[i].Rollback()
				}
			}
			u.reset()
			return err
		}
	}
	for _, c := range changes {
		if c.Commit != nil {
			c.Commit()
		}
	}
	u.reset()
	return nil
}

// Abort closes the current nesting level by aborting the whole unit of
// work. Per spec.md §4.5, an abort anywhere forces the whole stack to
// abort; this implementation immediately tears down state rather than
// waiting for the outermost frame, since there is nothing further a
// parent frame could meaningfully commit once a child has aborted.
func (u *UnitOfWork) Abort(ctx context.Context) error {
	u.mu.Lock()
	if u.depth == 0 {
		u.mu.Unlock()
		return storeerrors.ErrNoActiveUnitOfWork
	}
	u.depth = 0
	u.mu.Unlock()
	return u.finishAbort(ctx)
}

func (u *UnitOfWork) finishAbort(ctx context.Context) error {
	u.mu.Lock()
	u.state = Aborting
	txn := u.txn
	changes := u.changes
	u.txn = nil
	u.changes = nil
	u.mu.Unlock()

	if txn != nil {
		if err := txn.Abort(ctx); err != nil {
			u.log.WarnCtx(ctx, "underlying abort failed", "err", err)
		}
	}
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Rollback != nil {
			changes[i].Rollback()
		}
	}
	u.reset()
	return nil
}

func (u *UnitOfWork) reset() {
	u.mu.Lock()
	u.state = Inactive
	u.depth = 0
	u.forceAbort = false
	u.mu.Unlock()
}

func (u *UnitOfWork) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UnitOfWork) Depth() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.depth
}
