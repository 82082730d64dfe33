package sizestorer

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/dictionary/pdict"
	"github.com/zkasheff/tokumxse/obslog"
)

func newTestStorer(t *testing.T) (*SizeStorer, *pdict.Engine) {
	dir, err := os.MkdirTemp("", "tokumxse-sizestorer-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := pdict.Open(dir, obslog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	meta := eng.Dict([]byte("M"))
	return New(meta, eng, obslog.NewNop()), eng
}

func TestFlushAndReloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorer(t)

	s.Store("coll.a", 10, 1000)
	s.Store("coll.b", 20, 2000)
	require.NoError(t, s.Flush(ctx))

	nr, ds, ok := s.Load("coll.a")
	require.True(t, ok)
	require.Equal(t, int64(10), nr)
	require.Equal(t, int64(1000), ds)

	s2 := New(s.meta, s.src, obslog.NewNop())
	require.NoError(t, s2.LoadFromDict(ctx))
	nr, ds, ok = s2.Load("coll.b")
	require.True(t, ok)
	require.Equal(t, int64(20), nr)
	require.Equal(t, int64(2000), ds)
}

type fakeLive struct{ nr, ds int64 }

func (f *fakeLive) NumRecords() int64 { return f.nr }
func (f *fakeLive) DataSize() int64   { return f.ds }

func TestFlushPrefersLiveCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorer(t)

	live := &fakeLive{nr: 5, ds: 500}
	s.OnCreate("coll.c", live, 1, 1)
	live.nr = 99
	live.ds = 9999
	require.NoError(t, s.Flush(ctx))

	nr, ds, ok := s.Load("coll.c")
	require.True(t, ok)
	require.Equal(t, int64(99), nr)
	require.Equal(t, int64(9999), ds)
}

func TestShutdownRunsFinalFlush(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorer(t)
	s.Store("coll.d", 3, 300)
	s.Run(ctx)
	s.Shutdown()

	// Read back what the final flush persisted, not the in-memory map.
	s2 := New(s.meta, s.src, obslog.NewNop())
	require.NoError(t, s2.LoadFromDict(ctx))
	nr, ds, ok := s2.Load("coll.d")
	require.True(t, ok)
	require.Equal(t, int64(3), nr)
	require.Equal(t, int64(300), ds)
}
