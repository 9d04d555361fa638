// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vma models the Virtual Memory Area list of an address space: an
// ordered, non-overlapping set of semantic intervals.
package vma

import (
	"sort"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// Flags are the semantic attributes of a VMA. Write and Execute together is
// always rejected (W^X) — see List.Insert.
type Flags struct {
	Read     bool
	Write    bool
	Execute  bool
	User     bool
	Stack    bool
	Shared   bool
	Growable bool
	COW      bool
}

// VMA is a half-open interval [Start, End) of virtual address space with
// uniform flags.
type VMA struct {
	Start uint64
	End   uint64
	Flags Flags
}

func (v VMA) Len() uint64 { return v.End - v.Start }

func (v VMA) Contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

func (v VMA) overlaps(o VMA) bool { return v.Start < o.End && o.Start < v.End }

// List is the ordered VMA set of one address space. The zero value is an
// empty list ready to use.
type List struct {
	areas []VMA
}

// All returns the VMAs in ascending start-address order. The returned slice
// must not be mutated by the caller.
func (l *List) All() []VMA { return l.areas }

// Clone returns an independent copy of the list (VMA is a plain value type,
// so this is a shallow slice copy). Used by fork to give the child its own
// VMA list describing the same regions as the parent's.
func (l *List) Clone() *List {
	nl := &List{areas: make([]VMA, len(l.areas))}
	copy(nl.areas, l.areas)
	return nl
}

// Insert adds v to the list, maintaining ascending order by Start.
// Rejects W^X violations and overlap with any existing VMA.
func (l *List) Insert(v VMA) error {
	if v.Flags.Write && v.Flags.Execute {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "vma.Insert",
			kernelerrors.New("a VMA cannot be both writable and executable (W^X)"))
	}
	if v.End <= v.Start {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "vma.Insert", "empty or inverted range [%#x, %#x)", v.Start, v.End)
	}
	for _, existing := range l.areas {
		if v.overlaps(existing) {
			return kernelerrors.Newf(kernelerrors.KindStateConflict, "vma.Insert",
				"range [%#x, %#x) overlaps existing VMA [%#x, %#x)", v.Start, v.End, existing.Start, existing.End)
		}
	}
	idx := sort.Search(len(l.areas), func(i int) bool { return l.areas[i].Start > v.Start })
	l.areas = append(l.areas, VMA{})
	copy(l.areas[idx+1:], l.areas[idx:])
	l.areas[idx] = v
	return nil
}

// Remove deletes the VMA whose Start equals start, if any.
func (l *List) Remove(start uint64) bool {
	for i, v := range l.areas {
		if v.Start == start {
			l.areas = append(l.areas[:i], l.areas[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the VMA containing addr, if any.
func (l *List) Find(addr uint64) (VMA, bool) {
	for _, v := range l.areas {
		if v.Contains(addr) {
			return v, true
		}
	}
	return VMA{}, false
}

// Grow extends a growable VMA. Stack VMAs grow downward (Start decreases);
// all other growable VMAs (the heap) grow upward (End increases). Fails if
// the new range would overlap a neighbor.
func (l *List) Grow(start uint64, delta uint64) error {
	for i, v := range l.areas {
		if v.Start != start {
			continue
		}
		if !v.Flags.Growable {
			return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "vma.Grow", "VMA at %#x is not growable", start)
		}
		grown := v
		if v.Flags.Stack {
			grown.Start -= delta
		} else {
			grown.End += delta
		}
		for j, other := range l.areas {
			if j != i && grown.overlaps(other) {
				return kernelerrors.Newf(kernelerrors.KindStateConflict, "vma.Grow", "growing VMA at %#x would overlap [%#x, %#x)", start, other.Start, other.End)
			}
		}
		l.areas[i] = grown
		return nil
	}
	return kernelerrors.Newf(kernelerrors.KindNotFound, "vma.Grow", "no VMA at %#x", start)
}
