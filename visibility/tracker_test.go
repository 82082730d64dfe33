package visibility

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recovery"
)

func newUow(t *testing.T) *recovery.UnitOfWork {
	dir, err := os.MkdirTemp("", "tokumxse-visibility-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return recovery.New(eng, obslog.NewNop(), false)
}

func TestNoneTrackerHidesNothing(t *testing.T) {
	tr := New(None, "test")
	require.True(t, tr.CanReadId(encoding.RecordId(1)))
	require.True(t, tr.CanReadId(encoding.MaxRecordId-1))
}

// TestOplogVisibilityAcrossCommits implements S3: two concurrent unit-of-
// works A, B insert oplog ids 100 and 101. A reader started after both
// inserts but before either commits sees no id >= 100; as each commits,
// the horizon advances by exactly one id.
func TestOplogVisibilityAcrossCommits(t *testing.T) {
	ctx := context.Background()
	tr := New(Oplog, "oplog.test")

	uowA := newUow(t)
	uowB := newUow(t)
	uowA.Begin(ctx)
	uowB.Begin(ctx)

	tr.AddUncommittedId(uowA, encoding.RecordId(100))
	tr.AddUncommittedId(uowB, encoding.RecordId(101))

	require.False(t, tr.CanReadId(100))
	require.False(t, tr.CanReadId(101))
	require.Equal(t, encoding.RecordId(100), tr.LowestInvisible())

	require.NoError(t, uowA.Commit(ctx))
	require.True(t, tr.CanReadId(100))
	require.False(t, tr.CanReadId(101))
	require.Equal(t, encoding.RecordId(101), tr.LowestInvisible())

	require.NoError(t, uowB.Commit(ctx))
	require.True(t, tr.CanReadId(100))
	require.True(t, tr.CanReadId(101))
	require.Equal(t, encoding.RecordId(102), tr.LowestInvisible())
}

func TestRollbackAlsoErasesUncommittedId(t *testing.T) {
	ctx := context.Background()
	tr := New(Capped, "capped.test")
	uow := newUow(t)
	uow.Begin(ctx)

	tr.AddUncommittedId(uow, encoding.RecordId(5))
	require.False(t, tr.CanReadId(5))

	require.NoError(t, uow.Abort(ctx))
	require.True(t, tr.CanReadId(5))
	require.Equal(t, encoding.RecordId(6), tr.LowestInvisible())
}

func TestLowestInvisibleIsMinOfUncommittedSet(t *testing.T) {
	ctx := context.Background()
	tr := New(Capped, "capped.test2")
	uowA := newUow(t)
	uowB := newUow(t)
	uowA.Begin(ctx)
	uowB.Begin(ctx)

	tr.AddUncommittedId(uowA, encoding.RecordId(20))
	tr.AddUncommittedId(uowB, encoding.RecordId(10))
	require.Equal(t, encoding.RecordId(10), tr.LowestInvisible())
}
