// Package impcache builds per-class Objective-C method dispatch caches
// ahead of time, so a dynamic loader can mmap a finished hash table
// instead of populating one at process launch. It orchestrates, in order:
// class/category graph assembly (pkg/graph), perfect-hash placement
// (pkg/solver), address-space packing (pkg/addrspace), and per-class
// cache emission (pkg/emit). Grounded on IMPCachesBuilder's own top-level
// orchestration (original_source/cache_builder/IMPCachesBuilder.hpp).
package impcache

import (
	"github.com/pkg/errors"

	"github.com/appsworld/impcache/internal/diag"
	"github.com/appsworld/impcache/pkg/addrspace"
	"github.com/appsworld/impcache/pkg/config"
	"github.com/appsworld/impcache/pkg/emit"
	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/objcmodel"
	"github.com/appsworld/impcache/pkg/selector"
	"github.com/appsworld/impcache/pkg/solver"
)

// maxSelectorTableBytes is the pre-solve cap on the total size of every
// interned selector name: beyond this the address space can't possibly be
// packed into the runtime's available bit width, so the whole run fails
// fast rather than grinding through Phase 1 first (spec §7 "Selector-space
// overflow: fatal for this run").
const maxSelectorTableBytes = 16 * 1024 * 1024

// Builder runs the full pipeline over a fixed set of input dylibs.
type Builder struct {
	graph     *graph.Builder
	selectors *selector.Table
	diag      *diag.Sink
	packer    *addrspace.Packer
}

// NewBuilder seeds a Builder from a parsed configuration document and the
// pre-parsed input dylibs (spec §7 "External interfaces").
func NewBuilder(cfg *config.Config, dylibs []*objcmodel.Dylib, sink *diag.Sink) *Builder {
	selectors := selector.NewTable()
	g := graph.NewBuilder(
		selectors,
		cfg.NeededClasses, cfg.NeededMetaclasses,
		cfg.SelectorsToInline,
		cfg.ClassFlatteningRoots, cfg.MetaclassFlatteningRoots,
		dylibs,
		sink,
	)
	return &Builder{graph: g, selectors: selectors, diag: sink}
}

// ParseDylibs assembles the class graph: duplicate detection, tracked-class
// discovery, method-list population, same-dylib category attachment,
// selector inlining (including flattening-hierarchy detection), and the
// first uninteresting-class sweep (spec §4.1).
func (b *Builder) ParseDylibs() error {
	b.graph.BuildClassesMap()
	b.graph.BuildTrackedClasses()
	b.graph.PopulateMethodLists()
	b.graph.AttachCategories()

	if b.selectors.TotalSize() > maxSelectorTableBytes {
		return errors.Errorf("selector name table exceeds %d bytes", maxSelectorTableBytes)
	}

	b.graph.InlineSelectors()
	b.graph.RemoveUninterestingClasses()

	for _, d := range b.graph.Dylibs {
		for _, cd := range d.Classes {
			cd.DidFinishAddingMethods()
		}
	}
	return nil
}

// BuildPerfectHashes runs Phase 1 (shift/mask + bit assignment) followed by
// Phase 2 (address-space packing), re-sweeping uninteresting classes after
// each phase since either can drop classes (spec §4.3, §4.4, §4.5).
func (b *Builder) BuildPerfectHashes() {
	solver.New(b.graph, b.diag).FindShiftsAndMasks()
	b.graph.RemoveUninterestingClasses()

	b.packer = addrspace.NewPacker(b.diag)
	b.packer.Solve(b.graph, 0)
	b.graph.RemoveUninterestingClasses()
}

// EmitCaches builds the final IMPCache record for every class that
// survived both phases (spec §4.6).
func (b *Builder) EmitCaches() []*emit.IMPCache {
	magic, _ := b.selectors.Lookup(selector.MagicName)

	var caches []*emit.IMPCache
	for _, cd := range b.graph.AllClasses() {
		cache, ok := emit.BuildIMPCache(cd, magic)
		if !ok {
			if b.diag != nil {
				b.diag.Warning("dropping class %s (metaclass=%v): cache could not be emitted", cd.Name, cd.IsMetaclass)
			}
			continue
		}
		caches = append(caches, cache)
	}
	return caches
}

// ForEachSelector visits every selector left in the table, in unspecified
// order: the magic selector plus every selector still referenced by a
// surviving class.
func (b *Builder) ForEachSelector(fn func(*selector.Selector)) {
	b.selectors.ForEach(fn)
}

// GetIMPCache looks up the solved ClassData for a single (dylib, class)
// pair, mostly useful for tests and tooling that want to inspect one
// class without re-running EmitCaches over everything.
func (b *Builder) GetIMPCache(installName, className string, isMetaclass bool) (*graph.ClassData, bool) {
	for _, d := range b.graph.Dylibs {
		if d.Input.InstallName != installName {
			continue
		}
		cd, ok := d.Classes[objcmodel.ClassKey{Name: className, IsMetaclass: isMetaclass}]
		return cd, ok
	}
	return nil, false
}

// HoleMap exposes the address-space packer's leftover free ranges, so a
// caller can slot in selectors that don't participate in any class's cache
// but still need an address (spec §4.5).
func (b *Builder) HoleMap() *addrspace.HoleMap {
	if b.packer == nil {
		return nil
	}
	return b.packer.Space.Holes
}

// Build runs the full pipeline end to end: graph assembly, perfect-hash
// placement, address-space packing, and emission.
func Build(cfg *config.Config, dylibs []*objcmodel.Dylib, sink *diag.Sink) ([]*emit.IMPCache, error) {
	b := NewBuilder(cfg, dylibs, sink)
	if err := b.ParseDylibs(); err != nil {
		return nil, err
	}
	b.BuildPerfectHashes()
	return b.EmitCaches(), nil
}
