// Package updatemsg implements C3: a compact, self-describing patch
// carried inside the dictionary's Update call (spec.md §4.3). The default,
// engine-agnostic application strategy is read-old/apply/insert-new; an
// engine with server-side updaters - pdict, via the pebble merge operator
// in merge.go - may instead ship the serialized message and apply it
// in-place.
package updatemsg

import (
	"encoding/binary"

	"github.com/zkasheff/tokumxse/storeerrors"
)

type Kind byte

const (
	KindOverwrite Kind = 'O'
	KindDamages   Kind = 'D'
)

// Damage is one byte-patch: copy len bytes from source[srcOff:] to
// old[dstOff:].
type Damage struct {
	SrcOff int
	DstOff int
	Len    int
}

// Message is a C3 update message: either a full Overwrite or a list of
// Damages applied against a shared source buffer.
type Message struct {
	Kind    Kind
	NewVal  []byte   // KindOverwrite
	Source  []byte   // KindDamages
	Patches []Damage // KindDamages
}

func Overwrite(newVal []byte) Message {
	return Message{Kind: KindOverwrite, NewVal: newVal}
}

func Damages(source []byte, patches []Damage) Message {
	return Message{Kind: KindDamages, Source: source, Patches: patches}
}

// Apply implements the abstract contract apply(old) -> new: deterministic
// and side-effect-free (spec.md §4.3).
func (m Message) Apply(old []byte) ([]byte, error) {
	switch m.Kind {
	case KindOverwrite:
		return m.NewVal, nil
	case KindDamages:
		out := make([]byte, len(old))
		copy(out, old)
		for _, d := range m.Patches {
			if d.DstOff+d.Len > len(out) {
				return nil, storeerrors.Wrap(storeerrors.ErrInternal, "damage patch exceeds old value length")
			}
			if d.SrcOff+d.Len > len(m.Source) {
				return nil, storeerrors.Wrap(storeerrors.ErrInternal, "damage patch exceeds source buffer length")
			}
			copy(out[d.DstOff:d.DstOff+d.Len], m.Source[d.SrcOff:d.SrcOff+d.Len])
		}
		return out, nil
	default:
		return nil, storeerrors.Wrapf(storeerrors.ErrInternal, "unknown update message kind %q", m.Kind)
	}
}

// Serialize produces the wire form carried through dictionary.Update.
func (m Message) Serialize() []byte {
	switch m.Kind {
	case KindOverwrite:
		buf := make([]byte, 1+len(m.NewVal))
		buf[0] = byte(KindOverwrite)
		copy(buf[1:], m.NewVal)
		return buf
	case KindDamages:
		buf := []byte{byte(KindDamages)}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Source)))
		buf = append(buf, m.Source...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Patches)))
		for _, d := range m.Patches {
			buf = binary.BigEndian.AppendUint32(buf, uint32(d.SrcOff))
			buf = binary.BigEndian.AppendUint32(buf, uint32(d.DstOff))
			buf = binary.BigEndian.AppendUint32(buf, uint32(d.Len))
		}
		return buf
	default:
		return nil
	}
}

// Parse reverses Serialize.
func Parse(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, storeerrors.Wrap(storeerrors.ErrInternal, "empty update message")
	}
	switch Kind(b[0]) {
	case KindOverwrite:
		return Message{Kind: KindOverwrite, NewVal: b[1:]}, nil
	case KindDamages:
		rest := b[1:]
		if len(rest) < 4 {
			return Message{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated damages message")
		}
		srcLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if len(rest) < int(srcLen) {
			return Message{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated damages source")
		}
		source := rest[:srcLen]
		rest = rest[srcLen:]
		if len(rest) < 4 {
			return Message{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated damages patch count")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		patches := make([]Damage, 0, n)
		for i := uint32(0); i < n; i++ {
			if len(rest) < 12 {
				return Message{}, storeerrors.Wrap(storeerrors.ErrInternal, "truncated damage entry")
			}
			patches = append(patches, Damage{
				SrcOff: int(binary.BigEndian.Uint32(rest[0:4])),
				DstOff: int(binary.BigEndian.Uint32(rest[4:8])),
				Len:    int(binary.BigEndian.Uint32(rest[8:12])),
			})
			rest = rest[12:]
		}
		return Message{Kind: KindDamages, Source: source, Patches: patches}, nil
	default:
		return Message{}, storeerrors.Wrapf(storeerrors.ErrInternal, "unknown update message kind %q", b[0])
	}
}
