// Package emit turns a solved graph.ClassData into the wire-shaped
// IMPCache record a dynamic loader consumes: a bucket array indexed by
// the class's own (shift, mask), plus the bit-packed header the runtime
// actually reads. Grounded on imp_caches::IMPCache /
// imp_caches::Builder::getIMPCache (original_source/cache_builder/
// ImpCachesBuilder.h, IMPCaches.cpp) and on the bitfield layout already
// modeled as a *decoder* by github.com/blacktop/go-macho's
// types/objc.ImpCacheHeaderV1, adapted here into an encoder.
package emit

import (
	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/selector"
)

// maxCacheMask is the largest value cache_mask can hold in the 11-bit
// field the runtime header reserves for it; a class whose solved mask
// exceeds this can never be represented and is dropped (spec §4.6, §6).
const maxCacheMask = 0x7FF

// FallbackClassLocator names the class flattening fell back to, for
// classes whose cache was built by flattening an ancestor's methods in
// (spec §3 ClassLocator, §4.1 "Flattening hierarchy").
type FallbackClassLocator struct {
	InstallName string
	ClassName   string
	IsMetaclass bool
}

// IMPCache is the emitted per-class hash table (spec §4.6).
type IMPCache struct {
	ClassName   string
	IsMetaclass bool

	CacheShift int // Phase 1 shift + 7 (bucket-stride correction, spec §6)
	CacheMask  int
	Occupied   int
	HasInlines bool

	// Buckets has Modulo() entries; an entry holding the magic selector
	// means that slot is empty.
	Buckets []*selector.Selector

	FallbackClass *FallbackClassLocator
}

// BuildIMPCache emits cd's cache, or reports ok=false if it must be
// dropped: either cd.Mask() doesn't fit the runtime's 11-bit field, or
// placing a method collides with another slot (which would indicate a
// solver defect, not a legitimate drop condition, but is handled the same
// way here: fail closed rather than emit a corrupt cache).
func BuildIMPCache(cd *graph.ClassData, magic *selector.Selector) (*IMPCache, bool) {
	mask := cd.Mask()
	if mask > maxCacheMask {
		return nil, false
	}

	cache := &IMPCache{
		ClassName:   cd.Name,
		IsMetaclass: cd.IsMetaclass,
		CacheShift:  cd.Shift + 7,
		CacheMask:   mask,
		Occupied:    len(cd.Methods),
		Buckets:     make([]*selector.Selector, cd.Modulo()),
	}
	for i := range cache.Buckets {
		cache.Buckets[i] = magic
	}

	hasInlines := false
	for _, m := range cd.Methods {
		slot := (m.Selector.InProgressBucketIndex >> cd.Shift) & mask
		if cache.Buckets[slot] != magic {
			return nil, false
		}
		cache.Buckets[slot] = m.Selector
		if m.WasInlined && !m.FromFlattening {
			hasInlines = true
		}
	}
	cache.HasInlines = hasInlines

	if cd.FlatteningRootSuperclass != nil {
		cache.FallbackClass = &FallbackClassLocator{
			InstallName: cd.FlatteningRootSuperclass.InstallName,
			ClassName:   cd.FlatteningRootSuperclass.ClassName,
			IsMetaclass: cd.FlatteningRootSuperclass.IsMetaclass,
		}
	}

	return cache, true
}

// HeaderV1 is the bit-packed on-disk header
// (cache_shift:5 | cache_mask:11 | occupied:14 | has_inlines:1 | padding:1)
// followed by a second word whose top bit is the bit_one sentinel, matching
// the layout github.com/blacktop/go-macho's ImpCacheHeaderV1 decodes.
type HeaderV1 struct {
	Word0 uint32
	Word1 uint32
}

// PackHeaderV1 encodes c's header fields into their runtime bit positions.
func PackHeaderV1(c *IMPCache) HeaderV1 {
	var w0 uint32
	w0 |= uint32(c.CacheShift) & 0x1F
	w0 |= (uint32(c.CacheMask) & 0x7FF) << 5
	w0 |= (uint32(c.Occupied) & 0x3FFF) << 16
	if c.HasInlines {
		w0 |= 1 << 30
	}

	var w1 uint32
	w1 |= 1 << 31 // bit_one: always set, the runtime's "this is a real cache" sentinel

	return HeaderV1{Word0: w0, Word1: w1}
}
