// Package orderedset is a small generic sorted set, ported from the
// teacher's utils.Heap[T constraints.Ordered] generics idiom. Unlike a
// heap, callers here need arbitrary removal (an uncommitted record id is
// erased from the middle of the set whenever its transaction settles) and
// a cheap Min() - a sorted slice with binary search serves both and the
// set in question - the visibility tracker's uncommitted ids - is small by
// construction (spec.md §3: "bounded by in-flight capped inserts").
package orderedset

import (
	"sort"

	"golang.org/x/exp/constraints"
)

type Set[T constraints.Ordered] struct {
	items []T
}

func New[T constraints.Ordered]() *Set[T] {
	return &Set[T]{}
}

func (s *Set[T]) Len() int { return len(s.items) }

func (s *Set[T]) search(v T) int {
	return sort.Search(len(s.items), func(i int) bool { return !(s.items[i] < v) })
}

// Insert adds v if not already present. Returns true if it was added.
func (s *Set[T]) Insert(v T) bool {
	i := s.search(v)
	if i < len(s.items) && s.items[i] == v {
		return false
	}
	s.items = append(s.items, v)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = v
	return true
}

// Remove deletes v if present. Returns true if it was present.
func (s *Set[T]) Remove(v T) bool {
	i := s.search(v)
	if i >= len(s.items) || s.items[i] != v {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

func (s *Set[T]) Contains(v T) bool {
	i := s.search(v)
	return i < len(s.items) && s.items[i] == v
}

// Min returns the smallest element and true, or the zero value and false
// if the set is empty.
func (s *Set[T]) Min() (v T, ok bool) {
	if len(s.items) == 0 {
		return v, false
	}
	return s.items[0], true
}

// Items returns the elements in ascending order. The returned slice must
// not be mutated by the caller.
func (s *Set[T]) Items() []T { return s.items }
