package sortedindex

import (
	"context"

	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/encoding"
	"github.com/zkasheff/tokumxse/recovery"
	"github.com/zkasheff/tokumxse/storeerrors"
)

// Cursor is spec.md §4.10's richer cursor: cached key bytes, cached
// type-bits and a cached saved-id, each with a validity bit, layered over
// the raw KV cursor.
type Cursor struct {
	ix  *Index
	raw dictionary.Cursor
	dir dictionary.Direction

	keyValid   bool
	key        []byte
	idValid    bool
	id         encoding.RecordId
	bitsValid  bool
	bits       encoding.TypeBits

	savedValid bool
	savedKey   []byte
	savedEOF   bool
}

func (ix *Index) NewCursor(ctx context.Context, uow *recovery.UnitOfWork, dir dictionary.Direction) (*Cursor, error) {
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return nil, err
	}
	raw, err := ix.dict.Cursor(ctx, txn, nil, dir)
	if err != nil {
		return nil, err
	}
	c := &Cursor{ix: ix, raw: raw, dir: dir}
	c.refresh()
	return c, nil
}

func (c *Cursor) invalidate() {
	c.keyValid, c.idValid, c.bitsValid = false, false, false
}

// refresh marks the key/id/type-bits caches invalid; they are filled from
// the underlying cursor lazily, on first access.
func (c *Cursor) refresh() { c.invalidate() }

// Locate seeks to encode(key, id); returns true iff the found entry
// exactly equals the seek target bytewise (spec.md §4.10).
func (c *Cursor) Locate(key []byte, id encoding.RecordId) bool {
	target := encoding.IndexEntryKey(key, id)
	c.invalidate()
	if !c.raw.Seek(target) {
		return false
	}
	return indexKeyEqual(c.raw.CurrKey(), target)
}

// AdvanceTo builds a query key from beginKey/afterFlag and locates there,
// the canonical construction respecting the after/inclusive convention
// (spec.md §4.10).
func (c *Cursor) AdvanceTo(beginKey []byte, afterFlag bool) bool {
	id := encoding.MinRecordId
	if afterFlag {
		id = encoding.MaxRecordId
	}
	c.invalidate()
	target := encoding.IndexEntryKey(beginKey, id)
	return c.raw.Seek(target)
}

// Advance moves to the next entry in the cursor's direction.
func (c *Cursor) Advance() bool {
	c.invalidate()
	return c.raw.Advance()
}

func (c *Cursor) Ok() bool { return c.raw.Ok() }

// GetKey populates the key cache lazily: if already valid, trust it;
// otherwise fetch and split from the raw cursor.
func (c *Cursor) GetKey() ([]byte, error) {
	if c.keyValid {
		return c.key, nil
	}
	if !c.raw.Ok() {
		return nil, storeerrors.ErrNotFound
	}
	tupleKey, id, err := encoding.SplitIndexEntryKey(c.raw.CurrKey())
	if err != nil {
		return nil, err
	}
	c.key, c.id = tupleKey, id
	c.keyValid, c.idValid = true, true
	return c.key, nil
}

func (c *Cursor) GetRecordId() (encoding.RecordId, error) {
	if c.idValid {
		return c.id, nil
	}
	if _, err := c.GetKey(); err != nil {
		return encoding.NullRecordId, err
	}
	return c.id, nil
}

func (c *Cursor) GetTypeBits() (encoding.TypeBits, error) {
	if c.bitsValid {
		return c.bits, nil
	}
	if !c.raw.Ok() {
		return nil, storeerrors.ErrNotFound
	}
	c.bits = encoding.TypeBits(c.raw.CurrVal())
	c.bitsValid = true
	return c.bits, nil
}

// PointsToSamePlaceAs compares without forcing either side to decode:
// compares cached key bytes where available on both sides, else falls
// back to the raw cursor's bytes.
func (c *Cursor) PointsToSamePlaceAs(other *Cursor) bool {
	aRaw, bRaw := !c.keyValid, !other.keyValid
	switch {
	case aRaw && bRaw:
		if !c.raw.Ok() || !other.raw.Ok() {
			return c.raw.Ok() == other.raw.Ok()
		}
		return indexKeyEqual(c.raw.CurrKey(), other.raw.CurrKey())
	case aRaw && !bRaw:
		if !c.raw.Ok() {
			return false
		}
		return indexKeyEqual(c.raw.CurrKey(), encoding.IndexEntryKey(other.key, other.id))
	case !aRaw && bRaw:
		return other.PointsToSamePlaceAs(c)
	default: // both cached
		return indexKeyEqual(c.key, other.key) && c.id == other.id
	}
}

// SavePosition caches the current key (or EOF) and drops the underlying
// cursor.
func (c *Cursor) SavePosition() error {
	if c.raw.Ok() {
		key, err := c.GetKey()
		if err != nil {
			return err
		}
		id, err := c.GetRecordId()
		if err != nil {
			return err
		}
		c.savedKey = encoding.IndexEntryKey(key, id)
		c.savedEOF = false
	} else {
		c.savedEOF = true
	}
	c.savedValid = true
	if c.raw != nil {
		c.raw.Close()
		c.raw = nil
	}
	return nil
}

// RestorePosition reopens under a fresh unit of work and reseeks by the
// cached key-string; if EOF was saved, restore must also end up at EOF.
func (c *Cursor) RestorePosition(ctx context.Context, uow *recovery.UnitOfWork) error {
	if !c.savedValid {
		return storeerrors.Wrap(storeerrors.ErrInternal, "sortedindex: restore without a saved position")
	}
	txn, err := uow.Txn(ctx, false)
	if err != nil {
		return err
	}
	raw, err := c.ix.dict.Cursor(ctx, txn, nil, c.dir)
	if err != nil {
		return err
	}
	c.raw = raw
	c.invalidate()
	if c.savedEOF {
		// Dictionary exposes no direct "seek past the end"; walk off the
		// end from the extreme dict.Cursor already positioned us at, which
		// reproduces true EOF regardless of direction.
		for raw.Ok() {
			raw.Advance()
		}
		return nil
	}
	raw.Seek(c.savedKey)
	return nil
}

func (c *Cursor) Close() error {
	if c.raw != nil {
		return c.raw.Close()
	}
	return nil
}
