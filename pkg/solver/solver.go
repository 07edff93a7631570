// Package solver implements Phase 1 of the placement algorithm: for every
// class, pick a (shift, mask) pair and commit each of its methods'
// selectors to a slot within that window, such that the same selector's
// committed bits agree across every class that shares it. Grounded on
// IMPCachesBuilder::findShiftsAndMasks / ClassData::applyAttempt /
// BacktrackingState::backtrack (original_source/cache_builder/IMPCaches.cpp).
package solver

import (
	"math/bits"
	"sort"

	"github.com/appsworld/impcache/internal/diag"
	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/selector"
)

// maxBacktrackingLength caps how many placed classes a single backoff can
// undo, so a long run of bad luck can't unwind the entire solve in one
// step (spec §4.3 "backtrackingLength").
const maxBacktrackingLength = 1024

// maxConsecutiveFailures bounds the running backtrack count accumulated
// since the last drop (not reset by an intervening success) before the
// solver gives up on whatever class it is currently stuck on, rewinds to
// the last snapshot, and permanently drops it (spec §4.3).
const maxConsecutiveFailures = 10

// Attempt is one candidate (shift, neededBits) pair for a class, scored by
// how many selector bits it would force the solver to pin down — cheaper
// attempts (fewer forced bits) are tried first (spec §4.3 "attempts()").
type Attempt struct {
	Shift          int
	NeededBits     int
	TotalBitsToSet int
}

func (a Attempt) mask() int { return (1 << a.NeededBits) - 1 }

// attemptsForClass enumerates every (shift, neededBits) candidate for cd,
// at both its theoretical-minimum bit width and one bit wider (the
// fallback used when the minimum width can't be satisfied), ordered
// cheapest-first.
func attemptsForClass(cd *graph.ClassData) []Attempt {
	var attempts []Attempt
	for _, neededBits := range []int{cd.BaseNeededBits, cd.BaseNeededBits + 1} {
		mask := (1 << neededBits) - 1
		maxShift := 17 - neededBits
		if maxShift < 0 {
			maxShift = 0
		}
		for shift := 0; shift <= maxShift; shift++ {
			total := 0
			for _, m := range cd.Methods {
				total += m.Selector.NumberOfBitsToSet(shift, mask)
			}
			attempts = append(attempts, Attempt{Shift: shift, NeededBits: neededBits, TotalBitsToSet: total})
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].TotalBitsToSet < attempts[j].TotalBitsToSet
	})
	return attempts
}

// undoEntry records a selector's bit-commitment state before a method
// placement touched it, so a failed attempt (or a later backtrack) can
// restore exactly what was there (spec §4.3 "PreviousState").
type undoEntry struct {
	sel                  *selector.Selector
	prevInProgressBucket int
	prevFixedBitsMask    int
}

func (e undoEntry) restore() {
	e.sel.InProgressBucketIndex = e.prevInProgressBucket
	e.sel.FixedBitsMask = e.prevFixedBitsMask
}

// step is one successfully-placed class on the backtracking stack.
type step struct {
	index   int
	class   *graph.ClassData
	attempt Attempt
	undo    []undoEntry
}

// snapshot is a point the solver can cheaply rewind to: the stack depth,
// the cursor to resume scanning at, and the RNG state at that moment
// (restoring placements without also restoring the RNG would desync the
// pseudo-random sequence from a prior, successful run).
type snapshot struct {
	depth     int
	nextIndex int
	rngState  uint32
}

// Solver runs Phase 1 over a graph.Builder's classes.
type Solver struct {
	builder *graph.Builder
	diag    *diag.Sink
	rng     *rng
}

// New builds a Solver seeded for reproducible placement (spec §9).
func New(builder *graph.Builder, sink *diag.Sink) *Solver {
	return &Solver{builder: builder, diag: sink, rng: newRNG(0)}
}

// FindShiftsAndMasks runs the Phase 1 backtracking search over every class
// the builder still intends to generate a cache for. Classes that cannot
// be placed even after repeated backtracking are permanently dropped
// (ShouldGenerateImpCache cleared), cascading to their flattening-hierarchy
// siblings (spec §4.3).
func (s *Solver) FindShiftsAndMasks() {
	classes := s.builder.AllClasses()

	var stack []step
	var snap *snapshot
	backtrackingLength := 1
	failCount := 0

	i := 0
	for i < len(classes) {
		cd := classes[i]
		if cd.IsPartOfDuplicateSet && cd.ShouldGenerateImpCache {
			// Duplicate classes never get a cache: drop them before any
			// placement attempt.
			s.dropClass(cd)
		}
		if !cd.ShouldGenerateImpCache {
			i++
			continue
		}

		if undo, at, ok := s.tryPlace(cd); ok {
			stack = append(stack, step{index: i, class: cd, attempt: at, undo: undo})
			i++
			if snap == nil || len(stack) > snap.depth {
				snap = &snapshot{depth: len(stack), nextIndex: i, rngState: s.rng.state}
			}
			// Neither failCount nor backtrackingLength reset here: the
			// original only resets backtrackingAttempts when it drops a
			// class, and never resets backtrackingLength on a successful
			// placement (IMPCaches.cpp:1505-1528, 1596-1612).
			continue
		}

		failCount++

		if failCount > maxConsecutiveFailures {
			// Mutually exclusive with the backtrackingLength-sized undo
			// below: once a class has failed too many times in a row, give
			// up on the usual backtrack and rewind all the way to the last
			// snapshot instead (spec §4.3, mirroring IMPCaches.cpp's
			// backtrackingAttempts > 10 branch).
			if snap != nil {
				for len(stack) > snap.depth {
					last := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					undoStep(last)
				}
				s.rng.state = snap.rngState
				i = snap.nextIndex
			} else {
				i = 0
			}
			s.dropClass(cd)
			failCount = 0
			// backtrackingLength is deliberately left untouched here: the
			// original has a FIXME noting it should perhaps be reset to its
			// value at snapshot time, but leaves it as-is.
			continue
		}

		currentIndex := i
		toUndo := backtrackingLength
		if toUndo > len(stack) {
			toUndo = len(stack)
		}
		earliestIndex := i
		for k := 0; k < toUndo; k++ {
			last := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			undoStep(last)
			earliestIndex = last.index
		}

		backtrackingLength = backtrackingLength * 2
		if backtrackingLength > currentIndex {
			backtrackingLength = currentIndex
		}
		if backtrackingLength > maxBacktrackingLength {
			backtrackingLength = maxBacktrackingLength
		}
		if backtrackingLength < 1 {
			backtrackingLength = 1
		}

		i = earliestIndex
	}

	if s.diag != nil {
		s.diag.Verbose("phase 1 placement finished: %d classes placed", len(stack))
	}
}

func undoStep(st step) {
	st.class.ResetSlots()
	for j := len(st.undo) - 1; j >= 0; j-- {
		st.undo[j].restore()
	}
}

// dropClass permanently removes cd from consideration and cascades the
// drop to every sibling in its flattening hierarchy (spec §4.1
// "Flattening hierarchy", §8 property 6).
func (s *Solver) dropClass(cd *graph.ClassData) {
	cd.ShouldGenerateImpCache = false
	s.builder.ForEachClassInFlatteningHierarchy(cd, func(sibling *graph.ClassData) {
		sibling.ShouldGenerateImpCache = false
		sibling.DroppedBecauseFlatteningSuperclassWasDropped = true
	})
}

// tryPlace tries every candidate attempt for cd, cheapest first, returning
// the first one that places every method without collision.
func (s *Solver) tryPlace(cd *graph.ClassData) ([]undoEntry, Attempt, bool) {
	for _, at := range attemptsForClass(cd) {
		if undo, ok := s.applyAttempt(cd, at); ok {
			return undo, at, true
		}
	}
	return nil, Attempt{}, false
}

// applyAttempt commits cd to shift/neededBits = at, placing every method's
// selector into a free slot. Locked-bit selectors (already fully
// constrained by another class) are checked directly; everything else
// gets a randomized search over the selector's still-free bits, ordered
// by a lazy Fisher-Yates shuffle so the first free slot found wins (spec
// §4.3 "applyAttempt"). On any collision the whole attempt is rolled back.
func (s *Solver) applyAttempt(cd *graph.ClassData, at Attempt) ([]undoEntry, bool) {
	mask := at.mask()
	cd.Shift = at.Shift
	cd.NeededBits = at.NeededBits
	cd.ResetSlots()

	shiftedMask := mask << at.Shift

	methods := make([]graph.Method, len(cd.Methods))
	copy(methods, cd.Methods)
	sort.SliceStable(methods, func(i, j int) bool {
		return methods[i].Selector.NumberOfBitsToSet(at.Shift, mask) < methods[j].Selector.NumberOfBitsToSet(at.Shift, mask)
	})

	var undo []undoEntry
	for _, m := range methods {
		sel := m.Selector
		inProgress, fixed := sel.InProgressBucketIndex, sel.FixedBitsMask
		lockedBits := fixed & shiftedMask

		if lockedBits == shiftedMask {
			slot := (inProgress >> at.Shift) & mask
			if cd.Slots.Test(uint(slot)) {
				rollback(undo)
				return nil, false
			}
			cd.Slots.Set(uint(slot))
			continue
		}

		freeBits := freeBitPositions(shiftedMask &^ fixed)
		numCombos := 1 << len(freeBits)
		shuffle := newPartialShuffle(numCombos)

		placed := false
		for {
			combo, ok := shuffle.next(s.rng)
			if !ok {
				break
			}
			candidateBits := scatterBits(combo, freeBits)
			newShiftedPortion := (inProgress & fixed & shiftedMask) | candidateBits
			slot := (newShiftedPortion >> at.Shift) & mask
			if cd.Slots.Test(uint(slot)) {
				continue
			}
			cd.Slots.Set(uint(slot))
			undo = append(undo, undoEntry{sel: sel, prevInProgressBucket: inProgress, prevFixedBitsMask: fixed})
			sel.InProgressBucketIndex = (inProgress &^ shiftedMask) | newShiftedPortion
			sel.FixedBitsMask = fixed | shiftedMask
			placed = true
			break
		}
		if !placed {
			rollback(undo)
			return nil, false
		}
	}
	return undo, true
}

func rollback(undo []undoEntry) {
	for j := len(undo) - 1; j >= 0; j-- {
		undo[j].restore()
	}
}

func freeBitPositions(mask int) []int {
	var out []int
	for mask != 0 {
		b := bits.TrailingZeros(uint(mask))
		out = append(out, b)
		mask &^= 1 << uint(b)
	}
	return out
}

func scatterBits(combo int, positions []int) int {
	v := 0
	for i, p := range positions {
		if combo&(1<<uint(i)) != 0 {
			v |= 1 << uint(p)
		}
	}
	return v
}
