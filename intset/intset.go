// Package intset provides a set of small non-negative integers, used by the
// planner for relation-index sets and execution-parameter-id sets.
package intset

import (
	"bytes"
	"fmt"
	"math/bits"
)

const wordBits = 64

// Set is a set of non-negative ints backed by a slice of 64-bit words. The
// zero value is an empty set. Sets are value types; use Copy before mutating
// a set that is shared.
type Set struct {
	words []uint64
}

// MakeSet returns a set containing the given elements.
func MakeSet(elems ...int) Set {
	var s Set
	for _, e := range elems {
		s.Add(e)
	}
	return s
}

func (s *Set) ensure(word int) {
	for len(s.words) <= word {
		s.words = append(s.words, 0)
	}
}

// Add adds i to the set.
func (s *Set) Add(i int) {
	if i < 0 {
		panic(fmt.Sprintf("intset: negative element %d", i))
	}
	w := i / wordBits
	s.ensure(w)
	s.words[w] |= 1 << uint(i%wordBits)
}

// Remove removes i from the set, if present.
func (s *Set) Remove(i int) {
	if i < 0 {
		return
	}
	w := i / wordBits
	if w < len(s.words) {
		s.words[w] &^= 1 << uint(i%wordBits)
	}
}

// Contains reports whether i is in the set.
func (s Set) Contains(i int) bool {
	if i < 0 {
		return false
	}
	w := i / wordBits
	return w < len(s.words) && s.words[w]&(1<<uint(i%wordBits)) != 0
}

// Empty reports whether the set contains no elements.
func (s Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Len returns the number of elements in the set.
func (s Set) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Copy returns an independent copy of the set.
func (s Set) Copy() Set {
	var c Set
	if len(s.words) > 0 {
		c.words = make([]uint64, len(s.words))
		copy(c.words, s.words)
	}
	return c
}

// UnionWith adds all elements of other to s.
func (s *Set) UnionWith(other Set) {
	s.ensure(len(other.words) - 1)
	for i, w := range other.words {
		s.words[i] |= w
	}
}

// Union returns the union of s and other as a new set.
func (s Set) Union(other Set) Set {
	c := s.Copy()
	c.UnionWith(other)
	return c
}

// IntersectionWith removes from s all elements not in other.
func (s *Set) IntersectionWith(other Set) {
	for i := range s.words {
		if i < len(other.words) {
			s.words[i] &= other.words[i]
		} else {
			s.words[i] = 0
		}
	}
}

// Intersection returns the intersection of s and other as a new set.
func (s Set) Intersection(other Set) Set {
	c := s.Copy()
	c.IntersectionWith(other)
	return c
}

// DifferenceWith removes all elements of other from s.
func (s *Set) DifferenceWith(other Set) {
	n := len(s.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	for i := 0; i < n; i++ {
		s.words[i] &^= other.words[i]
	}
}

// Difference returns the elements of s not in other as a new set.
func (s Set) Difference(other Set) Set {
	c := s.Copy()
	c.DifferenceWith(other)
	return c
}

// Intersects reports whether s and other share any element.
func (s Set) Intersects(other Set) bool {
	n := len(s.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	for i := 0; i < n; i++ {
		if s.words[i]&other.words[i] != 0 {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every element of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for i, w := range s.words {
		var o uint64
		if i < len(other.words) {
			o = other.words[i]
		}
		if w&^o != 0 {
			return false
		}
	}
	return true
}

// Equals reports whether s and other contain exactly the same elements.
func (s Set) Equals(other Set) bool {
	return s.SubsetOf(other) && other.SubsetOf(s)
}

// SingleElem returns the sole element of a singleton set. It is an error to
// call it on a set whose size is not exactly one.
func (s Set) SingleElem() int {
	elems := s.Elems()
	if len(elems) != 1 {
		panic(fmt.Sprintf("intset: SingleElem on set of size %d", len(elems)))
	}
	return elems[0]
}

// Elems returns the elements of the set in ascending order.
func (s Set) Elems() []int {
	r := make([]int, 0, s.Len())
	for wi, w := range s.words {
		for w != 0 {
			i := bits.TrailingZeros64(w)
			r = append(r, wi*wordBits+i)
			w &^= 1 << uint(i)
		}
	}
	return r
}

// ForEach calls fn for each element of the set in ascending order.
func (s Set) ForEach(fn func(i int)) {
	for _, e := range s.Elems() {
		fn(e)
	}
}

// Key returns a canonical string usable as a map key for the set's contents.
func (s Set) Key() string {
	var buf bytes.Buffer
	for _, e := range s.Elems() {
		fmt.Fprintf(&buf, "%d.", e)
	}
	return buf.String()
}

// String formats the set as "(1,3-5)" style ranges.
func (s Set) String() string {
	appendRange := func(buf *bytes.Buffer, start, end int) {
		if buf.Len() > 1 {
			buf.WriteString(",")
		}
		if start == end {
			fmt.Fprintf(buf, "%d", start)
		} else {
			fmt.Fprintf(buf, "%d-%d", start, end)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("(")
	start := -1
	prev := -2
	for _, e := range s.Elems() {
		if e != prev+1 {
			if start >= 0 {
				appendRange(&buf, start, prev)
			}
			start = e
		}
		prev = e
	}
	if start >= 0 {
		appendRange(&buf, start, prev)
	}
	buf.WriteString(")")
	return buf.String()
}
