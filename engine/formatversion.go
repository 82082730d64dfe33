package engine

import (
	"context"
	"encoding/binary"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// CurrentVersion is the on-disk format version this build writes and can
// read. MinSupportedVersion/MaxSupportedVersion bound the compatibility
// window a running process will accept without refusing to open
// (tokuft_disk_format.h's kMinSupportedVersion/kMaxSupportedVersion,
// SPEC_FULL §7 item 1).
const (
	CurrentVersion      = 3
	MinSupportedVersion = 1
	MaxSupportedVersion = CurrentVersion
)

var formatVersionKey = []byte("format-version")

// UpgradeRecord is one entry in FormatVersion.History: the version
// transitioned from, the version transitioned to.
type UpgradeRecord struct {
	From int32
	To   int32
}

// FormatVersion is the persisted disk-format record (SPEC_FULL §7 item
// 1). OriginalVersion never changes after the first open; CurrentVersion
// tracks the version this data directory is at now.
type FormatVersion struct {
	CurrentVersion  int32
	OriginalVersion int32
	History         []UpgradeRecord
}

// loadFormatVersion reads the persisted record, or seeds a fresh one at
// CurrentVersion if this is a brand-new data directory. Refuses to open a
// directory whose version falls outside the supported compatibility
// window.
func loadFormatVersion(ctx context.Context, src dictionary.TxnSource, meta dictionary.Dictionary) (*FormatVersion, error) {
	txn, err := src.BeginSnapshotRead(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := meta.Get(ctx, txn, formatVersionKey)
	txn.Abort(ctx)

	if storeerrors.Classify(err) == storeerrors.KindNotFound {
		fv := &FormatVersion{CurrentVersion: CurrentVersion, OriginalVersion: CurrentVersion}
		if writeErr := storeFormatVersion(ctx, src, meta, fv); writeErr != nil {
			return nil, writeErr
		}
		return fv, nil
	}
	if err != nil {
		return nil, err
	}
	fv, err := decodeFormatVersion(raw)
	if err != nil {
		return nil, err
	}
	if fv.CurrentVersion < MinSupportedVersion || fv.CurrentVersion > MaxSupportedVersion {
		return nil, storeerrors.Wrapf(storeerrors.ErrUnsupportedFormat,
			"on-disk format version %d outside supported window [%d, %d]",
			fv.CurrentVersion, MinSupportedVersion, MaxSupportedVersion)
	}
	return fv, nil
}

// UpgradeTo moves the on-disk format forward by exactly one version,
// appending a history entry. Version skips and downgrades are refused
// (spec.md §6 "Disk-format versioning": upgrades are one-way and
// sequential).
func (e *Engine) UpgradeTo(ctx context.Context, next int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if next != e.format.CurrentVersion+1 {
		return storeerrors.Wrapf(storeerrors.ErrBadValue,
			"upgrade must advance exactly one version: at %d, asked for %d", e.format.CurrentVersion, next)
	}
	if next > MaxSupportedVersion {
		return storeerrors.Wrapf(storeerrors.ErrUnsupportedFormat, "version %d exceeds max supported %d", next, MaxSupportedVersion)
	}
	fv := &FormatVersion{
		CurrentVersion:  next,
		OriginalVersion: e.format.OriginalVersion,
		History:         append(append([]UpgradeRecord{}, e.format.History...), UpgradeRecord{From: e.format.CurrentVersion, To: next}),
	}
	meta := e.pdb.Dict(metaIdent)
	if err := storeFormatVersion(ctx, e.pdb, meta, fv); err != nil {
		return err
	}
	e.format = fv
	return nil
}

// FormatVersion returns the current disk-format record.
func (e *Engine) FormatVersion() FormatVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.format
}

func storeFormatVersion(ctx context.Context, src dictionary.TxnSource, meta dictionary.Dictionary, fv *FormatVersion) error {
	uow := recovery.New(src, nil, false)
	uow.Begin(ctx)
	txn, err := uow.Txn(ctx, true)
	if err != nil {
		uow.Abort(ctx)
		return err
	}
	if err := meta.Insert(ctx, txn, formatVersionKey, encodeFormatVersion(fv), true); err != nil {
		uow.Abort(ctx)
		return err
	}
	return uow.Commit(ctx)
}

// encodeFormatVersion/decodeFormatVersion use a flat fixed-width layout:
// current, original, history length, then (from, to) pairs - deliberately
// not reusing updatemsg.Message, which models record patches rather than
// engine-metadata records.
func encodeFormatVersion(fv *FormatVersion) []byte {
	buf := make([]byte, 12+8*len(fv.History))
	binary.BigEndian.PutUint32(buf[0:4], uint32(fv.CurrentVersion))
	binary.BigEndian.PutUint32(buf[4:8], uint32(fv.OriginalVersion))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(fv.History)))
	off := 12
	for _, h := range fv.History {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(h.From))
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(h.To))
		off += 8
	}
	return buf
}

func decodeFormatVersion(b []byte) (*FormatVersion, error) {
	if len(b) < 12 {
		return nil, storeerrors.Wrap(storeerrors.ErrInternal, "truncated format-version record")
	}
	fv := &FormatVersion{
		CurrentVersion:  int32(binary.BigEndian.Uint32(b[0:4])),
		OriginalVersion: int32(binary.BigEndian.Uint32(b[4:8])),
	}
	n := int(binary.BigEndian.Uint32(b[8:12]))
	off := 12
	for i := 0; i < n; i++ {
		if off+8 > len(b) {
			return nil, storeerrors.Wrap(storeerrors.ErrInternal, "truncated format-version history")
		}
		fv.History = append(fv.History, UpgradeRecord{
			From: int32(binary.BigEndian.Uint32(b[off : off+4])),
			To:   int32(binary.BigEndian.Uint32(b[off+4 : off+8])),
		})
		off += 8
	}
	return fv, nil
}
