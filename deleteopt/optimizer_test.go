package deleteopt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
)

func TestUpdateMaxDeletedTriggersHotOptimize(t *testing.T) {
	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	opt := New("test.ident", obslog.NewNop(), func(ctx context.Context, upTo encoding.RecordId) error {
		atomic.AddInt32(&calls, 1)
		wg.Done()
		return nil
	})
	opt.Run(context.Background())
	defer opt.Shutdown()

	opt.UpdateMaxDeleted(context.Background(), encoding.RecordId(42), 1024)

	waitOrTimeout(t, &wg)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBackpressureBlocksUntilDrained(t *testing.T) {
	release := make(chan struct{})
	opt := New("test.ident", obslog.NewNop(), func(ctx context.Context, upTo encoding.RecordId) error {
		<-release
		return nil
	})
	opt.Run(context.Background())
	defer opt.Shutdown()

	// First batch just over the high watermark, kept "unoptimizable" until
	// the next call promotes it.
	opt.UpdateMaxDeleted(context.Background(), encoding.RecordId(1), HighWatermark+1)

	done := make(chan struct{})
	go func() {
		// Promotes the first batch to optimizable, crossing the high
		// watermark, and must block until the in-flight hot-optimize call
		// (still waiting on release) finishes and drains it.
		opt.UpdateMaxDeleted(context.Background(), encoding.RecordId(2), 1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("UpdateMaxDeleted returned before backlog drained")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("UpdateMaxDeleted never unblocked after drain")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hot-optimize call")
	}
}
