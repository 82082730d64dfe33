package recovery

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/obslog"
)

func openTestEngine(t *testing.T) *pdict.Engine {
	dir, err := os.MkdirTemp("", "tokumxse-recovery-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestChangeOrdering(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	var order []int
	u.Begin(ctx)
	_, err := u.Txn(ctx, true)
	require.NoError(t, err)
	u.RegisterChange(Change{Commit: func() { order = append(order, 1) }})
	u.RegisterChange(Change{Commit: func() { order = append(order, 2) }})
	u.RegisterChange(Change{Commit: func() { order = append(order, 3) }})
	require.NoError(t, u.Commit(ctx))

	require.Equal(t, []int{1, 2, 3}, order)
	require.Equal(t, Inactive, u.State())
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	var order []int
	u.Begin(ctx)
	_, err := u.Txn(ctx, true)
	require.NoError(t, err)
	u.RegisterChange(Change{Rollback: func() { order = append(order, 1) }})
	u.RegisterChange(Change{Rollback: func() { order = append(order, 2) }})
	require.NoError(t, u.Abort(ctx))

	require.Equal(t, []int{2, 1}, order)
}

func TestNestedUnitOfWorkOnlyOutermostFinalizes(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	committed := false
	u.Begin(ctx)
	u.Begin(ctx)
	require.Equal(t, 2, u.Depth())
	u.RegisterChange(Change{Commit: func() { committed = true }})
	require.NoError(t, u.Commit(ctx))
	require.False(t, committed, "inner commit must not finalize")
	require.Equal(t, 1, u.Depth())
	require.NoError(t, u.Commit(ctx))
	require.True(t, committed)
}

func TestInnerAbortForcesWholeStackToAbort(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	committed := false
	rolledBack := false
	u.Begin(ctx)
	u.Begin(ctx)
	u.RegisterChange(Change{
		Commit:   func() { committed = true },
		Rollback: func() { rolledBack = true },
	})
	u.MarkMustAbort()
	require.NoError(t, u.Commit(ctx)) // inner: intent-to-commit only
	require.NoError(t, u.Commit(ctx)) // outer: resolves the forced abort
	require.False(t, committed)
	require.True(t, rolledBack)
	require.Equal(t, Inactive, u.State())
}

func TestTxnUpgradesReadOnlyToReadWrite(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	u.Begin(ctx)
	_, err := u.Txn(ctx, false)
	require.NoError(t, err)
	require.False(t, u.txnIsWrite)

	_, err = u.Txn(ctx, true)
	require.NoError(t, err)
	require.True(t, u.txnIsWrite)
	require.NoError(t, u.Commit(ctx))
}

func TestSecondaryNeverUpgradesToReadWrite(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), true)
	ctx := context.Background()

	u.Begin(ctx)
	_, err := u.Txn(ctx, true)
	require.NoError(t, err)
	require.False(t, u.txnIsWrite)
	require.NoError(t, u.Commit(ctx))
}

func TestTxnClosedAfterCommitRejectsFurtherUse(t *testing.T) {
	eng := openTestEngine(t)
	u := New(eng, obslog.NewNop(), false)
	ctx := context.Background()

	u.Begin(ctx)
	require.NoError(t, u.Commit(ctx))
	_, err := u.Txn(ctx, false)
	require.Error(t, err)
}
