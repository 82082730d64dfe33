package sortedindex

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeerrors"
)

func openTestIndex(t *testing.T) (*Index, *pdict.Engine) {
	dir, err := os.MkdirTemp("", "tokumxse-sortedindex-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	dict := eng.Dict([]byte("X"))
	return Open(dict, encoding.Ordering{true}), eng
}

func keyFor(v int64) ([]byte, encoding.TypeBits) {
	return encoding.EncodeIndexKeyTuple([]encoding.Value{{Kind: encoding.ValInt, I: v}}, encoding.Ordering{true})
}

// TestUniqueIndexDuplicate implements S4.
func TestUniqueIndexDuplicate(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)
	key, bits := keyFor(42)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(7), bits, false))
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	err := ix.Insert(ctx, uow, key, encoding.RecordId(9), bits, false)
	require.Error(t, err)
	require.Equal(t, storeerrors.KindDuplicateKey, storeerrors.Classify(err))
	uow.Abort(ctx)

	// Re-inserting under the same id that's already indexed is fine: the
	// duplicate check excludes it.
	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(7), bits, false))
	require.NoError(t, uow.Commit(ctx))
}

func TestDupsAllowedSkipsCheck(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)
	key, bits := keyFor(1)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(1), bits, true))
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(2), bits, true))
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	n, err := ix.FullValidate(ctx, uow)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	uow.Abort(ctx)
}

func TestCursorSaveRestorePreservesPosition(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	for i := int64(1); i <= 3; i++ {
		key, bits := keyFor(i)
		require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(i), bits, false))
	}
	require.NoError(t, uow.Commit(ctx))

	readUow := recovery.New(eng, obslog.NewNop(), false)
	readUow.Begin(ctx)
	cur, err := ix.NewCursor(ctx, readUow, 0)
	require.NoError(t, err)
	require.True(t, cur.Ok())
	id, err := cur.GetRecordId()
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	require.NoError(t, cur.SavePosition())
	readUow.Abort(ctx)

	restoreUow := recovery.New(eng, obslog.NewNop(), false)
	restoreUow.Begin(ctx)
	require.NoError(t, cur.RestorePosition(ctx, restoreUow))
	require.True(t, cur.Ok())
	id, err = cur.GetRecordId()
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	restoreUow.Abort(ctx)
}

func TestGetResolvesUniqueKeyAndCaches(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)
	key, bits := keyFor(42)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(7), bits, false))
	require.NoError(t, uow.Commit(ctx))

	// First call falls back to a cursor scan and populates the cache;
	// the second is served from it. Both must agree.
	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, ok, err := ix.Get(ctx, uow, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, id)

	id, ok, err = ix.Get(ctx, uow, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, id)
	uow.Abort(ctx)

	missing, _ := keyFor(999)
	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	_, ok, err = ix.Get(ctx, uow, missing)
	require.NoError(t, err)
	require.False(t, ok)
	uow.Abort(ctx)
}

func TestGetReflectsUnindexInvalidatingCache(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)
	key, bits := keyFor(5)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(3), bits, false))
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	_, ok, err := ix.Get(ctx, uow, key)
	require.NoError(t, err)
	require.True(t, ok)
	uow.Abort(ctx)

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Unindex(ctx, uow, key, encoding.RecordId(3)))
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	_, ok, err = ix.Get(ctx, uow, key)
	require.NoError(t, err)
	require.False(t, ok)
	uow.Abort(ctx)
}

func TestOverflowBucketingAllowsOversizedKeys(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "tokumxse-sortedindex-overflow-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	dict := eng.Dict([]byte("X"))
	ix := Open(dict, encoding.Ordering{true}, WithOverflowBucketing())

	longVal := make([]byte, 2*MaxKeySize)
	for i := range longVal {
		longVal[i] = byte('a' + i%26)
	}
	key, bits := encoding.EncodeIndexKeyTuple([]encoding.Value{{Kind: encoding.ValString, S: string(longVal)}}, encoding.Ordering{true})
	require.Greater(t, len(key), MaxKeySize)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, ix.Insert(ctx, uow, key, encoding.RecordId(1), bits, false))
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, ok, err := ix.Get(ctx, uow, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, id)
	uow.Abort(ctx)
}

func TestOversizedKeyRejectedByDefault(t *testing.T) {
	ctx := context.Background()
	ix, eng := openTestIndex(t)

	longVal := make([]byte, 2*MaxKeySize)
	key, bits := encoding.EncodeIndexKeyTuple([]encoding.Value{{Kind: encoding.ValString, S: string(longVal)}}, encoding.Ordering{true})

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	err := ix.Insert(ctx, uow, key, encoding.RecordId(1), bits, false)
	require.Error(t, err)
	require.Equal(t, storeerrors.KindKeyTooLong, storeerrors.Classify(err))
	uow.Abort(ctx)
}
