package pdict

import (
	"bytes"
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/zkasheff/tokumxse/dictionary"
	"github.com/zkasheff/tokumxse/storeerrors"
	"github.com/zkasheff/tokumxse/updatemsg"
)

// Dict is a key-prefixed view of one Engine's pebble.DB, implementing
// dictionary.Dictionary. Multiple idents share one physical pebble.DB,
// the same way the teacher keeps one *pebble.DB per replica and
// distinguishes collections/types by key-prefix convention (OKey/VKey in
// chotki.go).
type Dict struct {
	engine *Engine
	prefix []byte
}

func asTxn(t dictionary.Txn) (*Txn, error) {
	pt, ok := t.(*Txn)
	if !ok {
		return nil, storeerrors.Wrap(storeerrors.ErrInternal, "pdict: foreign transaction handle")
	}
	return pt, nil
}

func (d *Dict) full(key []byte) []byte {
	return d.engine.fullKey(d.prefix, key)
}

func (d *Dict) Get(ctx context.Context, txn dictionary.Txn, key []byte) ([]byte, error) {
	pt, err := asTxn(txn)
	if err != nil {
		return nil, err
	}
	val, closer, err := pt.reader().Get(d.full(key))
	if err == pebble.ErrNotFound {
		return nil, storeerrors.ErrNotFound
	}
	if err != nil {
		return nil, storeerrors.Wrap(err, "pdict get")
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, nil
}

func (d *Dict) Insert(ctx context.Context, txn dictionary.Txn, key, value []byte, skipLockCheck bool) error {
	pt, err := asTxn(txn)
	if err != nil {
		return err
	}
	if pt.readOnly {
		return storeerrors.Wrap(storeerrors.ErrInternal, "pdict: write on a read-only transaction")
	}
	if err := pt.batch.Set(d.full(key), value, nil); err != nil {
		return storeerrors.Wrap(err, "pdict insert")
	}
	return nil
}

func (d *Dict) Remove(ctx context.Context, txn dictionary.Txn, key []byte) error {
	pt, err := asTxn(txn)
	if err != nil {
		return err
	}
	if pt.readOnly {
		return storeerrors.Wrap(storeerrors.ErrInternal, "pdict: write on a read-only transaction")
	}
	if err := pt.batch.Delete(d.full(key), nil); err != nil {
		return storeerrors.Wrap(err, "pdict remove")
	}
	return nil
}

// Update implements spec.md §4.3's default engine-agnostic strategy:
// read-old, apply, insert-new. pdict additionally supports shipping
// Damages as a pebble merge operand (merge.go) via MergeDamages;
// recordstore.UpdateWithDamages does not call it and always goes through
// Update.
func (d *Dict) Update(ctx context.Context, txn dictionary.Txn, key []byte, patch []byte) error {
	old, err := d.Get(ctx, txn, key)
	if err != nil {
		return err
	}
	msg, err := updatemsg.Parse(patch)
	if err != nil {
		return err
	}
	newVal, err := msg.Apply(old)
	if err != nil {
		return err
	}
	return d.Insert(ctx, txn, key, newVal, true)
}

// MergeDamages applies patch via pebble's merge operator instead of the
// default read/apply/write path.
func (d *Dict) MergeDamages(ctx context.Context, txn dictionary.Txn, key []byte, patch []byte) error {
	pt, err := asTxn(txn)
	if err != nil {
		return err
	}
	if pt.readOnly {
		return storeerrors.Wrap(storeerrors.ErrInternal, "pdict: write on a read-only transaction")
	}
	if err := pt.batch.Merge(d.full(key), patch, nil); err != nil {
		return storeerrors.Wrap(err, "pdict merge")
	}
	return nil
}

func (d *Dict) Cursor(ctx context.Context, txn dictionary.Txn, start []byte, dir dictionary.Direction) (dictionary.Cursor, error) {
	pt, err := asTxn(txn)
	if err != nil {
		return nil, err
	}
	lower := d.prefix
	upper := prefixUpperBound(d.prefix)
	it, err := pt.reader().NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, storeerrors.Wrap(err, "pdict cursor")
	}
	c := &cursor{it: it, prefix: d.prefix, dir: dir}
	if start == nil {
		if dir == dictionary.Forward {
			it.First()
		} else {
			it.Last()
		}
	} else {
		c.Seek(start)
	}
	return c, nil
}

func (d *Dict) RangeDeleted(ctx context.Context, txn dictionary.Txn, lo, hi []byte, bytesSaved, docsRemoved int64) error {
	// Advisory only at the dictionary level; the delete-range optimizer
	// (package deleteopt) is what turns this into an engine hot-optimize
	// pass. pdict records nothing further here - the range is already
	// gone by the time this hint arrives (recordstore deletes one key at
	// a time during eviction).
	return nil
}

func (d *Dict) DupKeyCheck(ctx context.Context, txn dictionary.Txn, lo, hi []byte, excluded []byte) error {
	pt, err := asTxn(txn)
	if err != nil {
		return err
	}
	it, err := pt.reader().NewIter(&pebble.IterOptions{
		LowerBound: d.full(lo),
		UpperBound: prefixUpperBound(d.full(hi)),
	})
	if err != nil {
		return storeerrors.Wrap(err, "pdict dupkeycheck")
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if len(key) < len(excluded) {
			continue
		}
		suffix := key[len(key)-len(excluded):]
		if !bytes.Equal(suffix, excluded) {
			return storeerrors.ErrDuplicateKey
		}
	}
	return nil
}

func (d *Dict) Stats(ctx context.Context) (dictionary.Stats, error) {
	m := d.engine.db.Metrics()
	return dictionary.Stats{
		NumKeys:     0, // pebble does not track a cheap exact key count
		DataSize:    int64(m.DiskSpaceUsage()),
		StorageSize: int64(m.DiskSpaceUsage()),
	}, nil
}

func (d *Dict) Close() error { return nil }

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xFF: unbounded above
}
