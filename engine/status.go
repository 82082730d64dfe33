package engine

// EngineStatus is a read-only aggregate snapshot exposed for the CLI's
// status subcommand (SPEC_FULL §7 item 2,
// grounded on tokuft_engine_server_status.cpp's server-status section).
type EngineStatus struct {
	OpenCollections int
	OpenIndexes     int
	FormatVersion   int32

	// DeleteOptBacklogBytes sums each capped collection's not-yet-
	// optimized backlog, the same quantity the optimizer's own backpressure
	// gate blocks evictors on.
	DeleteOptBacklogBytes int64
}

// Status returns a point-in-time snapshot. It never mutates state.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	fv := e.format.CurrentVersion
	e.mu.Unlock()

	st := EngineStatus{
		OpenCollections: e.collections.Size(),
		OpenIndexes:     e.indexes.Size(),
		FormatVersion:   fv,
	}
	e.collections.Range(func(_ string, c *collectionEntry) bool {
		if c.opt != nil {
			st.DeleteOptBacklogBytes += c.opt.Backlog()
		}
		return true
	})
	return st
}
