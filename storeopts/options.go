// Package storeopts holds the option structs recognized at dictionary-open
// time (spec.md §6) plus the supplemental engine-wide tunables recovered
// from original_source/.../tokuft_global_options.cpp and
// tokuft_engine_server_parameters.cpp. All engine-backend tuning is opaque
// pass-through: this layer validates shape, never interprets values.
package storeopts

import "github.com/zkasheff/tokumxse/storeerrors"

const defaultMaxSize = 4096

// CappedOptions configures a capped collection (spec.md §6).
type CappedOptions struct {
	Capped  bool
	MaxSize int64 // bytes; 0 => defaultMaxSize
	MaxDocs int64 // 0 or negative => unlimited
}

const Unlimited = int64(-1)

func (o *CappedOptions) SetDefaults() {
	if o.MaxSize == 0 {
		o.MaxSize = defaultMaxSize
	}
	if o.MaxDocs <= 0 {
		o.MaxDocs = Unlimited
	}
}

func (o CappedOptions) Validate() error {
	if o.MaxSize < 0 {
		return storeerrors.Wrap(storeerrors.ErrInvalidOptions, "maxSize must be >= 0")
	}
	return nil
}

// Slack is the byte cushion above the nominal cap within which eviction may
// be deferred (spec.md §4.8): min(maxSize/10, 64MiB).
func (o CappedOptions) Slack() int64 {
	const maxSlack = 64 << 20
	s := o.MaxSize / 10
	if s > maxSlack {
		return maxSlack
	}
	if s < 1 {
		return 1
	}
	return s
}

// EngineOptions is opaque pass-through configuration for the KV backend
// (spec.md §6), plus the supplemental tunables pulled in from
// tokuft_global_options.cpp / tokuft_engine_server_parameters.cpp. This
// layer validates presence/shape only; values are never interpreted here.
type EngineOptions struct {
	// Directory is where the pebble-backed dictionary keeps its files.
	Directory string
	// CacheSizeHintBytes mirrors tokuft's cacheSize server parameter.
	CacheSizeHintBytes int64
	// CheckpointPeriodSeconds mirrors tokuft's checkpointPeriod parameter.
	CheckpointPeriodSeconds int
	// JournalCompression mirrors tokuft's fsRedzone/journal compression
	// hint. Opaque string, passed straight through to the backend.
	JournalCompression string
}

func (o *EngineOptions) SetDefaults() {
	if o.CheckpointPeriodSeconds == 0 {
		o.CheckpointPeriodSeconds = 60
	}
}

func (o EngineOptions) Validate() error {
	if o.Directory == "" {
		return storeerrors.Wrap(storeerrors.ErrInvalidOptions, "directory is required")
	}
	if o.CacheSizeHintBytes < 0 {
		return storeerrors.Wrap(storeerrors.ErrInvalidOptions, "cacheSizeHintBytes must be >= 0")
	}
	if o.CheckpointPeriodSeconds < 0 {
		return storeerrors.Wrap(storeerrors.ErrInvalidOptions, "checkpointPeriodSeconds must be >= 0")
	}
	return nil
}
