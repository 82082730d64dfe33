package recordstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/updatemsg"
)

func updateDamagesReplacingByte() updatemsg.Message {
	return updatemsg.Damages([]byte("b"), []updatemsg.Damage{{SrcOff: 0, DstOff: 0, Len: 1}})
}

func openTestEngine(t *testing.T) *pdict.Engine {
	dir, err := os.MkdirTemp("", "tokumxse-recordstore-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// TestAllocationSurvivesReopen implements S1.
func TestAllocationSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t)
	dict := eng.Dict([]byte("C"))

	rs, err := Open(ctx, dict, eng, "test.coll", nil, obslog.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		uow := recovery.New(eng, obslog.NewNop(), false)
		uow.Begin(ctx)
		id, err := rs.Insert(ctx, uow, []byte("doc"))
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))
		require.EqualValues(t, i+1, id)
	}

	rs2, err := Open(ctx, dict, eng, "test.coll", nil, obslog.NewNop())
	require.NoError(t, err)
	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, err := rs2.Insert(ctx, uow, []byte("doc4"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	require.EqualValues(t, 4, id)
}

func TestDeleteAdjustsCounters(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t)
	dict := eng.Dict([]byte("D"))
	rs, err := Open(ctx, dict, eng, "test.del", nil, obslog.NewNop())
	require.NoError(t, err)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, err := rs.Insert(ctx, uow, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	require.EqualValues(t, 1, rs.NumRecords())
	require.EqualValues(t, 5, rs.DataSize())

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, rs.Delete(ctx, uow, id))
	require.NoError(t, uow.Commit(ctx))
	require.EqualValues(t, 0, rs.NumRecords())
	require.EqualValues(t, 0, rs.DataSize())
}

func TestDeleteRollbackRestoresCounters(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t)
	dict := eng.Dict([]byte("R"))
	rs, err := Open(ctx, dict, eng, "test.rollback", nil, obslog.NewNop())
	require.NoError(t, err)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, err := rs.Insert(ctx, uow, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	require.NoError(t, rs.Delete(ctx, uow, id))
	require.EqualValues(t, 0, rs.NumRecords())
	require.NoError(t, uow.Abort(ctx))
	require.EqualValues(t, 1, rs.NumRecords())
	require.EqualValues(t, 5, rs.DataSize())
}

func TestUpdateWithDamagesLeavesCountersUnchanged(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t)
	dict := eng.Dict([]byte("U"))
	rs, err := Open(ctx, dict, eng, "test.upd", nil, obslog.NewNop())
	require.NoError(t, err)

	uow := recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	id, err := rs.Insert(ctx, uow, []byte("aaaaa"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))

	before := rs.DataSize()
	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	msg := updateDamagesReplacingByte()
	require.NoError(t, rs.UpdateWithDamages(ctx, uow, id, msg))
	require.NoError(t, uow.Commit(ctx))
	require.Equal(t, before, rs.DataSize())

	uow = recovery.New(eng, obslog.NewNop(), false)
	uow.Begin(ctx)
	val, err := rs.FindRecord(ctx, uow, id)
	require.NoError(t, err)
	require.Equal(t, []byte("baaaa"), val)
	uow.Abort(ctx)
}
