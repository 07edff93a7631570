// Package selector implements the selector table described in spec §3/§4.2:
// an interning map from selector name to a Selector record that the solver
// and packer mutate in place. Grounded on IMPCaches.hpp's SelectorMap /
// IMPCaches::Selector (original_source/cache_builder).
package selector

import "math/bits"

// MagicName is the reserved sentinel selector the runtime uses to mean
// "empty bucket". It is interned at offset 0 by every new Table.
const MagicName = "<<magic>>"

// Selector is one interned selector. InProgressBucketIndex and
// FixedBitsMask are mutated by the Phase 1 solver; Offset is set once,
// during Phase 2's low-bit assignment.
type Selector struct {
	Name   string
	Size   int // name length + 1 (NUL terminator)
	Offset int // final byte address, set by the packer

	// InProgressBucketIndex accumulates committed bits from every class
	// placement that touches this selector. FixedBitsMask records which
	// bits have been committed: invariant
	// InProgressBucketIndex & FixedBitsMask == locked bits only (spec §3).
	InProgressBucketIndex int
	FixedBitsMask         int

	// Classes lists, by opaque identity, every class that currently
	// contains this selector. The graph package stores *graph.ClassData
	// here as interface{} so this package has no import back on graph;
	// membership is tested by pointer equality only.
	Classes []interface{}
}

// NumberOfBitsToSet returns how many bits within window (mask<<shift) are
// not yet locked by FixedBitsMask — the scoring function used to rank
// placement attempts (spec §4.3).
func (s *Selector) NumberOfBitsToSet(shift, mask int) int {
	shiftedMask := mask << shift
	unfixed := shiftedMask &^ s.FixedBitsMask
	return bits.OnesCount(uint(unfixed))
}

// NumberOfSetBits returns how many bits Phase 1 has already committed
// (locked) across every class this selector participates in — the primary
// key the packer sorts selectors by, since the most constrained selectors
// need to be placed first (spec §4.4, original's Selector::numberOfSetBits).
func (s *Selector) NumberOfSetBits() int {
	return bits.OnesCount(uint(s.FixedBitsMask))
}

// RemoveClass unlinks cls from this selector's participant list (spec §4.1
// "Removing uninteresting classes").
func (s *Selector) RemoveClass(cls interface{}) {
	out := s.Classes[:0]
	for _, c := range s.Classes {
		if c != cls {
			out = append(out, c)
		}
	}
	s.Classes = out
}

// Table interns selector names to Selector records.
type Table struct {
	byName map[string]*Selector
}

// NewTable builds a selector table seeded with the magic sentinel selector
// at offset 0, reserving address 0 (spec §4.2).
func NewTable() *Table {
	t := &Table{byName: make(map[string]*Selector)}
	magic := t.Intern(MagicName)
	magic.Offset = 0
	return t
}

// Intern returns the Selector for name, creating it on first reference.
func (t *Table) Intern(name string) *Selector {
	if s, ok := t.byName[name]; ok {
		return s
	}
	s := &Selector{Name: name, Size: len(name) + 1}
	t.byName[name] = s
	return s
}

// Lookup returns the Selector for name without creating it.
func (t *Table) Lookup(name string) (*Selector, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// Delete removes name from the table outright, whatever classes still
// reference it. RemoveOrphans does its own deletion and does not call this.
func (t *Table) Delete(name string) {
	delete(t.byName, name)
}

// Len returns the number of currently-interned selectors.
func (t *Table) Len() int {
	return len(t.byName)
}

// TotalSize sums every interned selector's byte size, used for the 16 MB
// pre-solve cap (spec §4.1).
func (t *Table) TotalSize() int {
	total := 0
	for _, s := range t.byName {
		total += s.Size
	}
	return total
}

// ForEach visits every selector in the table. The order is unspecified;
// callers that need determinism (e.g. emission) must sort by name or
// offset themselves.
func (t *Table) ForEach(fn func(*Selector)) {
	for _, s := range t.byName {
		fn(s)
	}
}

// RemoveOrphans deletes every selector with no remaining participant
// classes, other than the magic selector (spec §4.1 "Removing uninteresting
// classes", final paragraph).
func (t *Table) RemoveOrphans() {
	for name, s := range t.byName {
		if name == MagicName {
			continue
		}
		if len(s.Classes) == 0 {
			delete(t.byName, name)
		}
	}
}
