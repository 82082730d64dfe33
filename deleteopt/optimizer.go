// Package deleteopt implements C10: a per-capped-dictionary background
// thread that turns a stream of eviction batches into periodic calls to
// an engine-specific "hot optimize" pass, applying backpressure to the
// evictor when the backlog of not-yet-optimized bytes grows too large
// (spec.md §4.9). It applies backpressure to the same evictor whose
// try_lock/block hysteresis lives in recordstore/capped.go, and is driven entirely
// by that evictor - grounded on the teacher's index_manager.go
// dedicated-goroutine-plus-condvar shape for a background worker fed by a
// mutex-protected queue.
package deleteopt

import (
	"context"
	"sync"

	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/obslog"
	"github.com/zkasheff/tokumxse/obsmetrics"
)

const (
	// LowWatermark and HighWatermark are spec.md §4.9's fixed watermarks.
	LowWatermark  = 32 * 1024 * 1024
	HighWatermark = 4 * LowWatermark
)

// HotOptimizeFunc is the engine-specific pass run over [-inf, upTo].
type HotOptimizeFunc func(ctx context.Context, upTo encoding.RecordId) error

// Optimizer is C10, scoped to one capped dictionary.
type Optimizer struct {
	ident       string
	log         obslog.Logger
	hotOptimize HotOptimizeFunc

	mu   sync.Mutex
	cond *sync.Cond

	maxDeleted      *encoding.RecordId
	unoptimizable   int64
	optimizable     int64
	stopping        bool
	done            chan struct{}
}

func New(ident string, log obslog.Logger, hotOptimize HotOptimizeFunc) *Optimizer {
	if log == nil {
		log = obslog.NewNop()
	}
	o := &Optimizer{ident: ident, log: log, hotOptimize: hotOptimize, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// UpdateMaxDeleted is called by the capped evictor after each batch.
// Promotes the previous batch to "optimizable" (it has aged), records the
// new batch as "unoptimizable", wakes the background thread, and - under
// the caller's own lock, applying backpressure upstream - blocks until
// the optimizable backlog drains below the low watermark if it has
// crossed the high watermark.
func (o *Optimizer) UpdateMaxDeleted(ctx context.Context, newMax encoding.RecordId, sizeSaved int64) {
	o.mu.Lock()
	o.optimizable += o.unoptimizable
	o.unoptimizable = sizeSaved
	o.maxDeleted = &newMax
	obsmetrics.DeleteOptBacklogBytes.WithLabelValues(o.ident).Set(float64(o.optimizable))
	o.cond.Broadcast()

	if o.optimizable > HighWatermark {
		obsmetrics.DeleteOptBackpressureStalls.WithLabelValues(o.ident).Inc()
		for o.optimizable > LowWatermark && !o.stopping {
			o.cond.Wait()
		}
	}
	o.mu.Unlock()
}

// Run starts the background thread.
func (o *Optimizer) Run(ctx context.Context) {
	go func() {
		defer close(o.done)
		for {
			o.mu.Lock()
			for o.maxDeleted == nil && !o.stopping {
				o.cond.Wait()
			}
			if o.stopping && o.maxDeleted == nil {
				o.mu.Unlock()
				return
			}
			upTo := *o.maxDeleted
			snapshot := o.optimizable
			o.maxDeleted = nil
			o.mu.Unlock()

			if err := o.hotOptimize(ctx, upTo); err != nil {
				o.log.WarnCtx(ctx, "hot-optimize pass failed", "ident", o.ident, "upTo", upTo, "err", err)
			}

			o.mu.Lock()
			o.optimizable -= snapshot
			obsmetrics.DeleteOptBacklogBytes.WithLabelValues(o.ident).Set(float64(o.optimizable))
			o.cond.Broadcast()
			o.mu.Unlock()
		}
	}()
}

// Backlog reports the current not-yet-optimized byte count.
func (o *Optimizer) Backlog() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.optimizable
}

// Shutdown drains the background thread cleanly.
func (o *Optimizer) Shutdown() {
	o.mu.Lock()
	o.stopping = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.done
}
