package pdict

import (
	"bytes"

	"github.com/cockroachdb/pebble"
	"github.com/zkasheff/tokumxse/dictionary"
)

// cursor wraps a pebble.Iterator bounded to one dictionary's key prefix,
// the same LowerBound/UpperBound bounding style as the teacher's
// ObjectIterator (chotki.go).
type cursor struct {
	it     *pebble.Iterator
	prefix []byte
	dir    dictionary.Direction
}

func (c *cursor) strip(key []byte) []byte {
	if key == nil {
		return nil
	}
	return key[len(c.prefix):]
}

func (c *cursor) Seek(key []byte) bool {
	full := append(append([]byte{}, c.prefix...), key...)
	if c.dir == dictionary.Forward {
		return c.it.SeekGE(full)
	}
	// Reverse: land on the greatest entry <= key. SeekGE first; if it
	// landed exactly on key, that's our answer, otherwise back up one.
	if c.it.SeekGE(full) && bytes.Equal(c.it.Key(), full) {
		return true
	}
	return c.it.SeekLT(full)
}

func (c *cursor) Advance() bool {
	if c.dir == dictionary.Forward {
		return c.it.Next()
	}
	return c.it.Prev()
}

func (c *cursor) Ok() bool { return c.it.Valid() }

func (c *cursor) CurrKey() []byte {
	if !c.it.Valid() {
		return nil
	}
	return c.strip(c.it.Key())
}

func (c *cursor) CurrVal() []byte {
	if !c.it.Valid() {
		return nil
	}
	return c.it.Value()
}

func (c *cursor) Close() error { return c.it.Close() }
