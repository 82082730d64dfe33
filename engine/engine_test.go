package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeopts"
)

func openTestEngine(t *testing.T) *Engine {
	dir, err := os.MkdirTemp("", "tokumxse-engine-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	e, err := Open(context.Background(), storeopts.EngineOptions{Directory: dir}, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateRecordStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	rs1, err := e.CreateRecordStore(ctx, "db.coll")
	require.NoError(t, err)
	rs2, err := e.CreateRecordStore(ctx, "db.coll")
	require.NoError(t, err)
	require.Same(t, rs1, rs2)

	uow := recovery.New(e.TxnSource(), obslog.NewNop(), false)
	uow.Begin(ctx)
	id, err := rs1.Insert(ctx, uow, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	require.EqualValues(t, 1, id)
}

func TestDropIdentRemovesData(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	rs, err := e.CreateRecordStore(ctx, "db.drop")
	require.NoError(t, err)
	uow := recovery.New(e.TxnSource(), obslog.NewNop(), false)
	uow.Begin(ctx)
	_, err = rs.Insert(ctx, uow, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))

	require.True(t, e.HasIdent("db.drop"))
	require.NoError(t, e.DropIdent(ctx, "db.drop"))
	require.False(t, e.HasIdent("db.drop"))

	idents, err := e.GetAllIdents(ctx)
	require.NoError(t, err)
	require.NotContains(t, idents, "db.drop")
}

func TestGetAllIdentsListsEverythingEverOpened(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	_, err := e.CreateRecordStore(ctx, "db.a")
	require.NoError(t, err)
	_, err = e.CreateSortedIndex(ctx, "db.a.$idx", []bool{true})
	require.NoError(t, err)

	idents, err := e.GetAllIdents(ctx)
	require.NoError(t, err)
	require.Contains(t, idents, "db.a")
	require.Contains(t, idents, "db.a.$idx")
}

func TestFormatVersionSeededAndUpgradeable(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	fv := e.FormatVersion()
	require.EqualValues(t, CurrentVersion, fv.CurrentVersion)
	require.EqualValues(t, CurrentVersion, fv.OriginalVersion)
	require.Empty(t, fv.History)

	err := e.UpgradeTo(ctx, CurrentVersion+2)
	require.Error(t, err, "skipping a version must be refused")

	// Can't test advancing past MaxSupportedVersion == CurrentVersion
	// without a version to advance to; the skip-refusal above is the
	// meaningful invariant to pin here.
}

func TestCreateCappedRecordStoreWiresOptimizer(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	var optimized int
	hotOptimize := func(ctx context.Context, upTo encoding.RecordId) error {
		optimized++
		return nil
	}
	c, err := e.CreateCappedRecordStore(ctx, "db.oplog", storeopts.CappedOptions{MaxSize: 1 << 20}, true, hotOptimize)
	require.NoError(t, err)
	require.NotNil(t, c)
	ent, ok := e.collections.Load("db.oplog")
	require.True(t, ok)
	require.NotNil(t, ent.opt, "a non-nil hotOptimize must be wired to a delete-range optimizer")
	_ = optimized
}

func TestStatusReflectsOpenCounts(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	_, err := e.CreateRecordStore(ctx, "db.a")
	require.NoError(t, err)
	_, err = e.CreateSortedIndex(ctx, "db.a.$idx", []bool{true})
	require.NoError(t, err)

	st := e.Status()
	require.Equal(t, 1, st.OpenCollections)
	require.Equal(t, 1, st.OpenIndexes)
	require.EqualValues(t, CurrentVersion, st.FormatVersion)
}
