// Package constraint implements the constraint algebra used by the Phase 2
// packer to find a bit pattern for a selector that simultaneously satisfies
// every class it participates in (spec §4.4). Grounded on
// IMPCaches.cpp's Constraint::intersecting.
package constraint

import "math/bits"

// Constraint represents: for some selector, its bit window (x>>Shift)&Mask
// must land in one of Allowed.
type Constraint struct {
	Shift   int
	Mask    int
	Allowed map[int]struct{}
}

// New builds a constraint from an explicit allowed-value slice.
func New(shift, mask int, allowed []int) Constraint {
	m := make(map[int]struct{}, len(allowed))
	for _, v := range allowed {
		m[v] = struct{}{}
	}
	return Constraint{Shift: shift, Mask: mask, Allowed: m}
}

func highestBit(x int) int {
	if x == 0 {
		return -1
	}
	return bits.Len(uint(x)) - 1
}

func isUnconstrained(c Constraint) bool {
	if c.Mask != 0 || len(c.Allowed) != 1 {
		return false
	}
	_, ok := c.Allowed[0]
	return ok
}

// Intersecting computes the constraint that enforces both c and other,
// covering every case from the original's Constraint::intersecting: equal
// windows, a degenerate/unconstrained side, disjoint windows (cross
// product with unconstrained middle bits filled in), and overlapping
// windows (project onto the shared bits, intersect, then cross the tails).
func (c Constraint) Intersecting(other Constraint) Constraint {
	if c.Mask == other.Mask && c.Shift == other.Shift {
		allowed := make(map[int]struct{})
		for v := range c.Allowed {
			if _, ok := other.Allowed[v]; ok {
				allowed[v] = struct{}{}
			}
		}
		return Constraint{Shift: c.Shift, Mask: c.Mask, Allowed: allowed}
	}

	shiftedMask := c.Mask << c.Shift
	otherShiftedMask := other.Mask << other.Shift

	// Always keep the left-most (highest) mask as the receiver.
	if shiftedMask < otherShiftedMask {
		return other.Intersecting(c)
	}

	if isUnconstrained(c) {
		return other
	}
	if isUnconstrained(other) {
		return c
	}

	intersectionMask := shiftedMask & otherShiftedMask

	if other.Shift >= c.Shift {
		// [self..[other]..self] : other's window is nested inside self's.
		shiftDifference := other.Shift - c.Shift
		combined := make(map[int]struct{})
		for v := range c.Allowed {
			val := (v >> shiftDifference) & other.Mask
			if _, ok := other.Allowed[val]; ok {
				combined[v] = struct{}{}
			}
		}
		return Constraint{Shift: c.Shift, Mask: c.Mask, Allowed: combined}
	}

	highBit := highestBit(shiftedMask)
	otherHighBit := highestBit(otherShiftedMask)
	otherMaskLength := highestBit(other.Mask+1) // bits.Len(other.Mask+1) - 1

	if otherShiftedMask < (1 << c.Shift) {
		// [self]....[other] : the two windows are fully disjoint.
		numberOfUnconstrainedBits := c.Shift - otherHighBit - 1
		maxUnconstrained := 1 << numberOfUnconstrainedBits

		includingUnrestricted := make(map[int]struct{})
		if numberOfUnconstrainedBits > 0 {
			for allowed := range c.Allowed {
				shifted := allowed << numberOfUnconstrainedBits
				for u := 0; u < maxUnconstrained; u++ {
					includingUnrestricted[(shifted|u)<<otherMaskLength] = struct{}{}
				}
			}
		} else {
			for allowed := range c.Allowed {
				includingUnrestricted[allowed<<otherMaskLength] = struct{}{}
			}
		}

		final := make(map[int]struct{})
		for allowed := range includingUnrestricted {
			for otherValue := range other.Allowed {
				final[allowed|otherValue] = struct{}{}
			}
		}

		return Constraint{
			Shift:   other.Shift,
			Mask:    ((1 << (highBit + 1)) - 1) >> other.Shift,
			Allowed: final,
		}
	}

	// Overlap: [self....[other....self].....other].......
	shiftDifference := c.Shift - other.Shift
	selfIntersecting := make(map[int]struct{})
	for v := range c.Allowed {
		selfIntersecting[((v<<c.Shift)&intersectionMask)>>c.Shift] = struct{}{}
	}
	otherIntersecting := make(map[int]struct{})
	for v := range other.Allowed {
		otherIntersecting[((v<<other.Shift)&intersectionMask)>>c.Shift] = struct{}{}
	}

	values := make(map[int]struct{})
	for bit := range selfIntersecting {
		if _, ok := otherIntersecting[bit]; !ok {
			continue
		}
		intersectingShifted := bit << c.Shift
		for selfAllowed := range c.Allowed {
			if ((selfAllowed << c.Shift) & intersectionMask) != intersectingShifted {
				continue
			}
			for otherAllowed := range other.Allowed {
				if ((otherAllowed << other.Shift) & intersectionMask) == intersectingShifted {
					values[(selfAllowed<<shiftDifference)|otherAllowed] = struct{}{}
				}
			}
		}
	}

	return Constraint{
		Shift:   other.Shift,
		Mask:    (shiftedMask | otherShiftedMask) >> other.Shift,
		Allowed: values,
	}
}

// Set accumulates constraints one at a time and memoizes their pairwise
// merge, so the merged constraint is always a cheap field read
// (spec §4.4 ConstraintSet).
type Set struct {
	merged *Constraint
}

// Add folds c into the running merged constraint. The first constraint added
// becomes the merge as-is; every later one is intersected into it. No
// de-duplication is done: a constraint equal to one already added is
// intersected again.
func (s *Set) Add(c Constraint) {
	if s.merged == nil {
		m := c
		s.merged = &m
		return
	}
	merged := s.merged.Intersecting(c)
	s.merged = &merged
}

// Merged returns the current merged constraint, or ok=false if nothing has
// been added yet.
func (s *Set) Merged() (Constraint, bool) {
	if s.merged == nil {
		return Constraint{}, false
	}
	return *s.merged, true
}

func (s *Set) Clear() {
	s.merged = nil
}
