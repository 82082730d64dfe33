// merge.go ports the teacher's PebbleMergeAdaptor (merge.go) so a
// Damages update message can ride as a pebble merge operand instead of
// going through the default read-old/apply/insert-new path: a server-side
// updater, applied in-place by pebble during compaction/read.
package pdict

import (
	"io"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/zkasheff/tokumxse/updatemsg"
)

type damagesMergeAdaptor struct {
	older bool
	vals  [][]byte
}

func newDamagesMerger(key, value []byte) (pebble.ValueMerger, error) {
	return &damagesMergeAdaptor{vals: [][]byte{cloneBytes(value)}}, nil
}

func (a *damagesMergeAdaptor) MergeNewer(value []byte) error {
	a.vals = append(a.vals, cloneBytes(value))
	return nil
}

func (a *damagesMergeAdaptor) MergeOlder(value []byte) error {
	a.vals = append(a.vals, cloneBytes(value))
	a.older = true
	return nil
}

func (a *damagesMergeAdaptor) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if a.older {
		slices.Reverse(a.vals)
	}
	if len(a.vals) == 0 {
		return nil, nil, nil
	}
	// vals[0] is the base value; every subsequent entry is a serialized
	// updatemsg.Message applied in registration order.
	cur := a.vals[0]
	for _, raw := range a.vals[1:] {
		msg, err := updatemsg.Parse(raw)
		if err != nil {
			// Not every merge operand is an update message - an operand
			// can also be a plain overwrite value written by a caller
			// that bypassed Update(). Treat it as the new base value.
			cur = raw
			continue
		}
		next, err := msg.Apply(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return cur, nil, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
