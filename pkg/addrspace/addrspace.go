// Package addrspace implements Phase 2 of the placement algorithm: given
// every selector's committed bucket index from Phase 1 (pkg/solver), lay
// out the selector name strings in a byte address space divided into
// 128-byte buckets, overflowing selectors longer than 64 bytes into the
// following bucket, and tracking every gap left behind in a HoleMap.
// Grounded on AddressSpace / HoleMap / IMPCachesBuilder::solveGivenShiftsAndMasks
// (original_source/cache_builder/IMPCaches.cpp).
package addrspace

import (
	"sort"

	"github.com/appsworld/impcache/internal/diag"
	"github.com/appsworld/impcache/pkg/constraint"
	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/selector"
)

// BucketSize is the fixed width of one hash bucket (spec §6, cache_shift
// is expressed as a Phase 1 shift plus these 7 low bits).
const BucketSize = 128

// maxOverflowSelectorSize is the longest selector name that may spill into
// the following bucket when its own bucket is full; anything longer can
// only be placed if it fits without overflowing (spec §4.5).
const maxOverflowSelectorSize = 64

type bucketState struct {
	offset int // next free byte within this bucket's 128-byte region
}

// AddressSpace is the growable array of buckets the packer lays selector
// strings into.
type AddressSpace struct {
	buckets []bucketState
	Holes   *HoleMap
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{Holes: NewHoleMap()}
}

func (as *AddressSpace) ensureBucket(i int) {
	for len(as.buckets) <= i {
		as.buckets = append(as.buckets, bucketState{})
	}
}

// sizeAtIndex returns how many bytes are already used at the front of
// bucket i.
func (as *AddressSpace) sizeAtIndex(i int) int {
	as.ensureBucket(i)
	return as.buckets[i].offset
}

// sizeAvailableAfterIndex is the remaining room in bucket i before it
// needs to overflow into bucket i+1.
func (as *AddressSpace) sizeAvailableAfterIndex(i int) int {
	return BucketSize - as.sizeAtIndex(i)
}

// MaximumIndex is the number of buckets the address space has grown to so
// far, the upper bound retryOrDrop's candidate search stays within (spec
// §4.4, original's AddressSpace::maximumIndex).
func (as *AddressSpace) MaximumIndex() int {
	return len(as.buckets)
}

// canPlaceWithoutFillingOverflowCellAtIndex reports whether size fits in
// bucket i's remaining room without touching bucket i+1 at all.
func (as *AddressSpace) canPlaceWithoutFillingOverflowCellAtIndex(i, size int) bool {
	return size <= as.sizeAvailableAfterIndex(i)
}

// canPlaceMethodAtIndex reports whether size can be placed at bucket i,
// either directly or via overflow into bucket i+1 (only allowed when
// bucket i+1 hasn't started filling up yet, so the overflow can't itself
// collide with something already packed there).
func (as *AddressSpace) canPlaceMethodAtIndex(i, size int) bool {
	if as.canPlaceWithoutFillingOverflowCellAtIndex(i, size) {
		return true
	}
	if size > maxOverflowSelectorSize {
		return false
	}
	return as.sizeAtIndex(i+1) == 0
}

// placeMethodAtIndex commits sel's bytes at bucket i, overflowing into
// bucket i+1 if needed, and recording the unused remainder of bucket i as
// a hole. Returns the selector's final byte address.
func (as *AddressSpace) placeMethodAtIndex(i, size int) (addr int, ok bool) {
	if as.canPlaceWithoutFillingOverflowCellAtIndex(i, size) {
		addr = i*BucketSize + as.sizeAtIndex(i)
		as.buckets[i].offset += size
		return addr, true
	}
	if !as.canPlaceMethodAtIndex(i, size) {
		return 0, false
	}
	remainder := as.sizeAvailableAfterIndex(i)
	if remainder > 0 {
		as.Holes.Add(i*BucketSize+as.sizeAtIndex(i), remainder)
	}
	as.buckets[i].offset = BucketSize
	as.ensureBucket(i + 1)
	addr = (i+1)*BucketSize + as.buckets[i+1].offset
	as.buckets[i+1].offset += size
	return addr, true
}

// Packer runs Phase 2 over a graph.Builder's surviving classes once Phase 1
// has committed every selector to a bucket index.
type Packer struct {
	Space *AddressSpace
	diag  *diag.Sink
}

func NewPacker(sink *diag.Sink) *Packer {
	return &Packer{Space: NewAddressSpace(), diag: sink}
}

// selectorConstraint derives the (shift, mask, allowed={value}) constraint
// a single class imposes on sel, using the class's Phase 1 (shift, mask)
// and the bucket index it actually committed sel to (spec §4.4).
func selectorConstraint(cd *graph.ClassData, sel *selector.Selector) constraint.Constraint {
	mask := cd.Mask()
	value := (sel.InProgressBucketIndex >> cd.Shift) & mask
	return constraint.New(cd.Shift, mask, []int{value})
}

// mergedConstraint intersects every participating class's constraint on
// sel, yielding every bucket index that would still satisfy all of them.
func mergedConstraint(sel *selector.Selector) (constraint.Constraint, bool) {
	var set constraint.Set
	for _, c := range sel.Classes {
		cd, ok := c.(*graph.ClassData)
		if !ok || !cd.ShouldGenerateImpCache {
			continue
		}
		set.Add(selectorConstraint(cd, sel))
	}
	return set.Merged()
}

// Solve lays out every selector still referenced by a surviving class. A
// selector that cannot be placed at any bucket index consistent with its
// classes causes every one of those classes to be dropped — the original's
// simple cascade policy (spec Open Question 1: "preserve the simple
// cascade policy for parity" rather than compute a minimal drop set).
func (p *Packer) Solve(builder *graph.Builder, rngSeed uint32) {
	selectors := builder.AllSelectors()

	// Descending by (numberOfSetBits, classCount, name): the most
	// globally-constrained selectors are placed first, since they have the
	// least room to maneuver (spec §4.4, original's
	// IMPCaches.cpp:1815-1825).
	sort.Slice(selectors, func(i, j int) bool {
		a, b := selectors[i], selectors[j]
		if a.NumberOfSetBits() != b.NumberOfSetBits() {
			return a.NumberOfSetBits() > b.NumberOfSetBits()
		}
		if len(a.Classes) != len(b.Classes) {
			return len(a.Classes) > len(b.Classes)
		}
		return a.Name > b.Name
	})

	// Address 0 belongs to the magic selector (see selector.NewTable), so its
	// bytes are laid down first and no real selector can be placed there.
	if magic, ok := builder.Selectors.Lookup(selector.MagicName); ok {
		p.Space.placeMethodAtIndex(0, magic.Size)
	}

	rand := &packerRNG{state: rngSeed}

	for _, sel := range selectors {
		if !p.placeAtExistingBucket(sel) {
			p.retryOrDrop(builder, sel, rand)
		}
	}
}

func (p *Packer) placeAtExistingBucket(sel *selector.Selector) bool {
	bucket := sel.InProgressBucketIndex
	if !p.Space.canPlaceMethodAtIndex(bucket, sel.Size) {
		return false
	}
	addr, ok := p.Space.placeMethodAtIndex(bucket, sel.Size)
	if !ok {
		return false
	}
	sel.Offset = addr
	return true
}

// retryOrDrop searches every bucket index consistent with sel's merged
// constraint across its surviving classes: addresses are generated as
// ((baseAddress*modulo + j) << shift) | k, ranging baseAddress across the
// whole address space (not just the constraint's own window) and k across
// the shift's low bits, matching the original's search exactly (spec §4.4,
// IMPCaches.cpp:1880-1943) rather than only trying the constraint's raw
// residues, which would exhaust far too quickly and over-trigger the
// last-resort cascade drop below.
func (p *Packer) retryOrDrop(builder *graph.Builder, sel *selector.Selector, rand *packerRNG) {
	merged, ok := mergedConstraint(sel)
	if !ok || len(merged.Allowed) == 0 {
		p.dropClassesUsing(builder, sel)
		return
	}

	shift := merged.Shift
	modulo := merged.Mask + 1
	multiplier := 1 << shift

	addressesCount := ((p.Space.MaximumIndex() + 1) >> shift) / modulo
	if addressesCount < 1 {
		addressesCount = 1
	}

	allowedValues := make([]int, 0, len(merged.Allowed))
	for v := range merged.Allowed {
		allowedValues = append(allowedValues, v)
	}
	sort.Ints(allowedValues)

	baseAddresses := make([]int, addressesCount)
	for i := range baseAddresses {
		baseAddresses[i] = i
	}
	rand.shuffle(baseAddresses)

	for _, baseAddress := range baseAddresses {
		for _, j := range allowedValues {
			for k := 0; k < multiplier; k++ {
				bucketIndex := ((baseAddress*modulo + j) << shift) | k
				if bucketIndex >= p.Space.MaximumIndex() {
					continue
				}
				if !p.Space.canPlaceMethodAtIndex(bucketIndex, sel.Size) {
					continue
				}
				addr, ok := p.Space.placeMethodAtIndex(bucketIndex, sel.Size)
				if !ok {
					continue
				}
				sel.InProgressBucketIndex = bucketIndex
				sel.Offset = addr
				return
			}
		}
	}

	p.dropClassesUsing(builder, sel)
}

// dropClassesUsing permanently drops every surviving class that references
// sel, cascading to flattening siblings. It only clears their
// ShouldGenerateImpCache flags; sel stays linked to them until the builder's
// next RemoveUninterestingClasses sweep (spec §4.4 "Address-space overflow").
func (p *Packer) dropClassesUsing(builder *graph.Builder, sel *selector.Selector) {
	if p.diag != nil {
		p.diag.Warning("selector %q could not be placed; dropping %d classes", sel.Name, len(sel.Classes))
	}
	victims := make([]*graph.ClassData, 0, len(sel.Classes))
	for _, c := range sel.Classes {
		if cd, ok := c.(*graph.ClassData); ok {
			victims = append(victims, cd)
		}
	}
	for _, cd := range victims {
		if !cd.ShouldGenerateImpCache {
			continue
		}
		cd.ShouldGenerateImpCache = false
		builder.ForEachClassInFlatteningHierarchy(cd, func(sibling *graph.ClassData) {
			sibling.ShouldGenerateImpCache = false
			sibling.DroppedBecauseFlatteningSuperclassWasDropped = true
		})
	}
}

// packerRNG is the same LCG family pkg/solver uses, kept local because
// Phase 2's candidate search doesn't need snapshot/restore (a failed
// candidate is simply the next one tried, never rewound) — only
// determinism.
type packerRNG struct {
	state uint32
}

func (r *packerRNG) next() uint32 {
	if r.state == 0 {
		r.state = 1
	}
	r.state = uint32((uint64(r.state) * 48271) % 2147483647)
	return r.state
}

func (r *packerRNG) shuffle(vals []int) {
	for i := len(vals) - 1; i > 0; i-- {
		j := int(r.next()) % (i + 1)
		vals[i], vals[j] = vals[j], vals[i]
	}
}
