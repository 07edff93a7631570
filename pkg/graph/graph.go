// Package graph builds the normalized class/category graph described in
// spec §4.1: it resolves cross-dylib superclass and category pointers
// (already wired by the caller's binary parser — see pkg/objcmodel),
// computes the interesting/tracked/duplicate class sets, attaches category
// methods, and inlines inherited selectors, including flattening-hierarchy
// detection. Grounded on IMPCachesBuilder's buildClassesMap/
// buildTrackedClasses/populateMethodLists/attachCategories/inlineSelectors
// (original_source/cache_builder/IMPCaches.cpp).
package graph

import (
	"math"

	"github.com/appsworld/impcache/internal/diag"
	"github.com/appsworld/impcache/pkg/objcmodel"
	"github.com/appsworld/impcache/pkg/selector"
	"github.com/bits-and-blooms/bitset"
)

// selectorsNeverInlined are selectors the runtime walks the hierarchy for
// itself; inheriting them into a child cache would be actively wrong
// (spec §4.1).
var selectorsNeverInlined = map[string]bool{
	".cxx_construct": true,
	".cxx_destruct":  true,
}

// Method is a method attached to a ClassData, carrying enough provenance
// to describe where it really came from (its own class, a category, or an
// ancestor via inlining/flattening).
type Method struct {
	InstallName  string
	ClassName    string
	CategoryName string
	Selector     *selector.Selector
	WasInlined   bool
	FromFlattening bool
}

// ClassData is the solver-facing Class record (spec §3 Class).
type ClassData struct {
	Name            string
	IsMetaclass     bool
	DeclaringDylib  string
	Methods         []Method

	ShouldGenerateImpCache                        bool
	IsPartOfDuplicateSet                          bool
	DroppedBecauseFlatteningSuperclassWasDropped  bool

	Shift          int
	NeededBits     int // current working value, may be BaseNeededBits+1
	BaseNeededBits int // theoretical minimum, ceil(log2(len(Methods)))
	Slots          *bitset.BitSet

	FlatteningRootName       string
	FlatteningRootSuperclass *objcmodel.ClassLocator
	FlattenedSuperclasses    map[string]struct{}
}

// Mask is (1<<NeededBits)-1, the low bits of the class's hash window.
func (c *ClassData) Mask() int { return (1 << c.NeededBits) - 1 }

// Modulo is the number of slots in the class's hash table, 1<<NeededBits.
func (c *ClassData) Modulo() int { return 1 << c.NeededBits }

// ResetSlots clears the occupancy bitset, growing it first if NeededBits
// has increased since the last attempt (spec §4.3 resetSlots).
func (c *ClassData) ResetSlots() {
	needed := uint(c.Modulo())
	if c.Slots == nil || c.Slots.Len() < needed {
		c.Slots = bitset.New(needed)
		return
	}
	c.Slots.ClearAll()
}

// DidFinishAddingMethods computes the initial NeededBits now that the
// method list is frozen (spec §3 lifecycle).
func (c *ClassData) DidFinishAddingMethods() {
	if len(c.Methods) == 0 {
		c.BaseNeededBits = 0
	} else {
		c.BaseNeededBits = int(math.Ceil(math.Log2(float64(len(c.Methods)))))
	}
	c.NeededBits = c.BaseNeededBits
}

// HadToIncreaseSize reports whether the solver needed neededBits+1 over the
// theoretical minimum (spec §4.3 attempts()).
func (c *ClassData) HadToIncreaseSize() bool {
	return c.NeededBits > c.BaseNeededBits
}

// DylibState is the per-input-dylib working set: its declared classes,
// normalized into ClassData records keyed by (name, metaclass).
type DylibState struct {
	Input   *objcmodel.Dylib
	Classes map[objcmodel.ClassKey]*ClassData
}

// Builder holds the configuration-derived interest sets plus the
// per-dylib working state, and implements every graph-building operation
// in spec §4.1.
type Builder struct {
	Selectors *selector.Table
	Diag      *diag.Sink

	NeededClasses     map[string]int
	NeededMetaclasses map[string]int

	TrackedClasses     map[string]struct{}
	TrackedMetaclasses map[string]struct{}

	DuplicateClasses map[objcmodel.ClassKey]struct{}

	// ValidClasses is every ClassKey that BuildClassesMap admitted into the
	// graph: every other phase must check membership here before looking at
	// a class at all, mirroring objcClasses.find() at every one of the
	// original's call sites (spec §4.1 "skip if the class is
	// weakly-referenced missing").
	ValidClasses map[objcmodel.ClassKey]struct{}

	SelectorsToInline             map[string]struct{}
	ClassHierarchiesToFlatten     map[string]struct{}
	MetaclassHierarchiesToFlatten map[string]struct{}

	Dylibs             []*DylibState
	dylibByInstallName map[string]*DylibState
}

// NewBuilder seeds a Builder from the configuration-derived interest sets
// and the set of input dylibs (in the order caches should report them).
func NewBuilder(
	selectors *selector.Table,
	neededClasses, neededMetaclasses map[string]int,
	selectorsToInline map[string]struct{},
	classFlattenRoots, metaclassFlattenRoots map[string]struct{},
	dylibs []*objcmodel.Dylib,
	sink *diag.Sink,
) *Builder {
	b := &Builder{
		Selectors:                     selectors,
		Diag:                          sink,
		NeededClasses:                 neededClasses,
		NeededMetaclasses:             neededMetaclasses,
		TrackedClasses:                map[string]struct{}{},
		TrackedMetaclasses:            map[string]struct{}{},
		DuplicateClasses:              map[objcmodel.ClassKey]struct{}{},
		ValidClasses:                  map[objcmodel.ClassKey]struct{}{},
		SelectorsToInline:             selectorsToInline,
		ClassHierarchiesToFlatten:     classFlattenRoots,
		MetaclassHierarchiesToFlatten: metaclassFlattenRoots,
		dylibByInstallName:            map[string]*DylibState{},
	}
	for _, d := range dylibs {
		ds := &DylibState{Input: d, Classes: map[objcmodel.ClassKey]*ClassData{}}
		b.Dylibs = append(b.Dylibs, ds)
		b.dylibByInstallName[d.InstallName] = ds
	}
	return b
}

// IsClassInteresting reports whether cls is named in the configured
// needed-class (or needed-metaclass) set (spec §4.1).
func (b *Builder) IsClassInteresting(cls *objcmodel.Class) bool {
	if cls.IsMetaclass {
		_, ok := b.NeededMetaclasses[cls.Name]
		return ok
	}
	_, ok := b.NeededClasses[cls.Name]
	return ok
}

// IsClassInterestingOrTracked reports whether cls needs a ClassData record
// at all: either it gets a cache, or it is merely tracked for category
// attachment/inlining accounting.
func (b *Builder) IsClassInterestingOrTracked(cls *objcmodel.Class) bool {
	if cls.IsMetaclass {
		if _, ok := b.NeededMetaclasses[cls.Name]; ok {
			return true
		}
		_, ok := b.TrackedMetaclasses[cls.Name]
		return ok
	}
	if _, ok := b.NeededClasses[cls.Name]; ok {
		return true
	}
	_, ok := b.TrackedClasses[cls.Name]
	return ok
}

// BuildClassesMap walks every class across every dylib and records which
// ClassKeys collide (same name+metaclass-ness seen in more than one
// dylib) — those are the duplicate classes that never get an IMP cache
// (spec §4.1 buildClassesMap).
func (b *Builder) BuildClassesMap() {
	seen := map[objcmodel.ClassKey]struct{}{}
	for _, d := range b.Dylibs {
		for _, cls := range d.Input.Classes {
			if cls.Superclass == nil && !cls.IsRootClass {
				// Missing weak superclass: excluded entirely, never admitted
				// to ValidClasses, so no later phase will touch it (spec
				// §4.1, "skip if the class is weakly-referenced missing").
				continue
			}
			key := objcmodel.KeyOf(cls)
			b.ValidClasses[key] = struct{}{}
			if _, dup := seen[key]; dup {
				b.DuplicateClasses[key] = struct{}{}
			}
			seen[key] = struct{}{}
		}
	}
}

// isValidClass reports whether cls was admitted to the graph by
// BuildClassesMap. Every later phase must check this before looking at a
// class at all, mirroring objcClasses.find() at every one of the original's
// call sites.
func (b *Builder) isValidClass(cls *objcmodel.Class) bool {
	_, ok := b.ValidClasses[objcmodel.KeyOf(cls)]
	return ok
}

// BuildTrackedClasses walks every interesting class's superclass chain and
// marks every ancestor tracked; if an ancestor is already a duplicate, the
// descendant interesting class is marked a duplicate too (duplicates
// propagate down the hierarchy) (spec §4.1).
func (b *Builder) BuildTrackedClasses() {
	for _, d := range b.Dylibs {
		for _, cls := range d.Input.Classes {
			if !b.isValidClass(cls) {
				continue
			}
			if !b.IsClassInteresting(cls) {
				continue
			}
			theClassKey := objcmodel.KeyOf(cls)

			cur := cls
			for {
				if cur.IsRootClass {
					break
				}
				if cur.Superclass == nil || !b.isValidClass(cur.Superclass) {
					// The superclass might not be in the graph either, since
					// we exclude classes with missing weak superclasses.
					break
				}
				cur = cur.Superclass

				k := objcmodel.KeyOf(cur)
				if _, dup := b.DuplicateClasses[k]; dup {
					b.DuplicateClasses[theClassKey] = struct{}{}
				}
				if cur.IsMetaclass {
					b.TrackedMetaclasses[cur.Name] = struct{}{}
				} else {
					b.TrackedClasses[cur.Name] = struct{}{}
				}
			}
		}
	}
}

// PopulateMethodLists creates a ClassData for every interesting-or-tracked
// class and fills it with that class's own declared methods (spec §4.1
// populateMethodLists). Returns the number of classes flagged as part of
// a duplicate set.
func (b *Builder) PopulateMethodLists() int {
	duplicateCount := 0
	for _, d := range b.Dylibs {
		for _, cls := range d.Input.Classes {
			if !b.isValidClass(cls) {
				continue
			}
			if !b.IsClassInterestingOrTracked(cls) {
				continue
			}
			key := objcmodel.KeyOf(cls)

			cd := &ClassData{
				Name:                   cls.Name,
				IsMetaclass:            cls.IsMetaclass,
				DeclaringDylib:         d.Input.InstallName,
				ShouldGenerateImpCache: b.IsClassInteresting(cls),
			}
			for _, m := range cls.Methods {
				b.addMethod(cd, m.Name, d.Input.InstallName, cls.Name, "", false, false)
			}

			if _, dup := b.DuplicateClasses[key]; dup {
				cd.IsPartOfDuplicateSet = true
				duplicateCount++
			}

			d.Classes[key] = cd
		}
	}
	return duplicateCount
}

// AttachCategories appends category methods to the classes/metaclasses
// they target, for categories declared in the same dylib as their target
// class; cross-dylib categories are ignored at this layer (spec §4.1
// attachCategories).
func (b *Builder) AttachCategories() {
	for _, d := range b.Dylibs {
		for _, cat := range d.Input.Categories {
			if cat.Class == nil || cat.ClassDylib != d.Input {
				continue
			}
			cls := cat.Class

			if b.IsClassInterestingOrTracked(cls) {
				key := objcmodel.ClassKey{Name: cls.Name, IsMetaclass: false}
				if cd, ok := d.Classes[key]; ok {
					for _, m := range cat.InstanceMethods {
						b.addMethod(cd, m.Name, d.Input.InstallName, cls.Name, cat.Name, false, false)
					}
				}
			}
			if cls.Metaclass != nil && b.IsClassInterestingOrTracked(cls.Metaclass) {
				key := objcmodel.ClassKey{Name: cls.Name, IsMetaclass: true}
				if cd, ok := d.Classes[key]; ok {
					for _, m := range cat.ClassMethods {
						b.addMethod(cd, m.Name, d.Input.InstallName, cls.Name, cat.Name, false, false)
					}
				}
			}
		}
	}
}

// addMethod interns methodName and appends it to cd's method list unless
// it is already present (spec §4.1 addMethod).
func (b *Builder) addMethod(cd *ClassData, methodName, installName, className, categoryName string, inlined, fromFlattening bool) {
	sel := b.Selectors.Intern(methodName)
	for _, existing := range cd.Methods {
		if existing.Selector == sel {
			return
		}
	}
	cd.Methods = append(cd.Methods, Method{
		InstallName:    installName,
		ClassName:      className,
		CategoryName:   categoryName,
		Selector:       sel,
		WasInlined:     inlined,
		FromFlattening: fromFlattening,
	})
	sel.Classes = append(sel.Classes, cd)
}

// flatteningInfo is the result of walking a class's superclass chain
// looking for a configured flattening root (spec §4.1 "Flattening
// hierarchy").
type flatteningInfo struct {
	found               bool
	rootName            string
	rootSuperclass      *objcmodel.Class
	rootSuperclassDylib *objcmodel.Dylib
	superclasses        map[string]struct{}
}

// findFlatteningRoot walks cls and its ancestors (starting at cls itself,
// matching the original's findFlatteningRoot) looking for a class whose
// name is a configured flattening root.
func (b *Builder) findFlatteningRoot(cls *objcmodel.Class, storeSuperclasses bool) flatteningInfo {
	var result flatteningInfo
	if storeSuperclasses {
		result.superclasses = map[string]struct{}{}
	}

	cur := cls
	for cur != nil {
		if storeSuperclasses {
			result.superclasses[cur.Name] = struct{}{}
		}

		var flattenSet map[string]struct{}
		if cur.IsMetaclass {
			flattenSet = b.MetaclassHierarchiesToFlatten
		} else {
			flattenSet = b.ClassHierarchiesToFlatten
		}
		if _, ok := flattenSet[cur.Name]; ok {
			result.found = true
			result.rootName = cur.Name
			result.rootSuperclass = cur.Superclass
			result.rootSuperclassDylib = cur.SuperclassDylib
			return result
		}

		if cur.IsRootClass {
			break
		}
		cur = cur.Superclass
	}
	return result
}

// InlineSelectors walks every interesting class's superclass chain,
// inlining configured selectors and (inside a flattening hierarchy) every
// selector up to the flattening root, so that lookups can be served from
// a single cache without walking the runtime hierarchy (spec §4.1
// inlineSelectors, "Flattening hierarchy").
func (b *Builder) InlineSelectors() {
	for _, d := range b.Dylibs {
		for _, cls := range d.Input.Classes {
			if !b.IsClassInteresting(cls) {
				continue
			}
			key := objcmodel.KeyOf(cls)
			cd, ok := d.Classes[key]
			if !ok {
				continue
			}
			b.inlineSelectorsForClass(cd, cls, d)
		}
	}
}

func (b *Builder) inlineSelectorsForClass(cd *ClassData, start *objcmodel.Class, startDylib *DylibState) {
	seen := make(map[*selector.Selector]struct{}, len(cd.Methods))
	for _, m := range cd.Methods {
		seen[m.Selector] = struct{}{}
	}

	info := b.findFlatteningRoot(start, false)
	if info.found {
		info = b.findFlatteningRoot(start, true)
		cd.FlatteningRootName = info.rootName
		cd.FlattenedSuperclasses = info.superclasses
		if info.rootSuperclass != nil {
			loc := objcmodel.LocatorOf(info.rootSuperclassDylib, info.rootSuperclass)
			cd.FlatteningRootSuperclass = &loc
		}
	}

	isFlattening := info.found
	cur := start
	curDylib := startDylib

	for cur != nil {
		key := objcmodel.KeyOf(cur)
		ancestorData, ok := curDylib.Classes[key]
		if !ok {
			break
		}

		for _, m := range ancestorData.Methods {
			if m.WasInlined {
				// Only inline from the true declaring class, never
				// re-inline an already-inlined method (spec §4.1).
				continue
			}
			b.inlineMethodIfNeeded(cd, m, curDylib.Input.InstallName, seen, isFlattening)
		}

		if isFlattening && info.rootSuperclass != nil && cur.Superclass == info.rootSuperclass {
			isFlattening = false
		}

		if cur.IsRootClass {
			break
		}
		nextDylib := curDylib
		if cur.SuperclassDylib != nil {
			if ds, ok := b.dylibByInstallName[cur.SuperclassDylib.InstallName]; ok {
				nextDylib = ds
			}
		}
		cur = cur.Superclass
		curDylib = nextDylib
	}
}

func (b *Builder) inlineMethodIfNeeded(cd *ClassData, m Method, installNameToInlineFrom string, seen map[*selector.Selector]struct{}, isFlattening bool) {
	name := m.Selector.Name
	if selectorsNeverInlined[name] {
		return
	}

	_, configured := b.SelectorsToInline[name]
	if !isFlattening && !configured {
		return
	}

	sel := b.Selectors.Intern(name)
	if _, already := seen[sel]; already {
		return
	}
	seen[sel] = struct{}{}
	b.addMethod(cd, name, installNameToInlineFrom, m.ClassName, m.CategoryName, true, isFlattening)
}

// RemoveUninterestingClasses strips any class with no methods that is not
// part of a flattening hierarchy, or whose ShouldGenerateImpCache flag has
// been cleared, then removes orphaned selectors (spec §4.1, run after any
// phase that drops classes).
func (b *Builder) RemoveUninterestingClasses() {
	for _, d := range b.Dylibs {
		for key, cd := range d.Classes {
			keepForFlattening := cd.FlatteningRootSuperclass != nil
			if (len(cd.Methods) == 0 && !keepForFlattening) || !cd.ShouldGenerateImpCache {
				for _, m := range cd.Methods {
					m.Selector.RemoveClass(cd)
				}
				delete(d.Classes, key)
			}
		}
	}
	b.Selectors.RemoveOrphans()
}

// AllClasses returns every ClassData with at least one method and
// ShouldGenerateImpCache still set, ordered by configured priority
// (spec §4.3 "Iteration order"; mirrors fillAllClasses).
func (b *Builder) AllClasses() []*ClassData {
	var all []*ClassData
	for _, d := range b.Dylibs {
		for _, cd := range d.Classes {
			if len(cd.Methods) > 0 && cd.ShouldGenerateImpCache {
				all = append(all, cd)
			}
		}
	}
	priority := func(cd *ClassData) int {
		if cd.IsMetaclass {
			return b.NeededMetaclasses[cd.Name]
		}
		return b.NeededClasses[cd.Name]
	}
	// Insertion sort is fine here: class counts are in the thousands, not
	// performance-critical next to the solver itself, and keeps the
	// comparator dead simple to audit against the original's std::sort.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && priority(all[j]) < priority(all[j-1]); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all
}

// AllSelectors returns every selector that still participates in at least
// one class (spec §4.3 fillAllMethods).
func (b *Builder) AllSelectors() []*selector.Selector {
	var all []*selector.Selector
	b.Selectors.ForEach(func(s *selector.Selector) {
		if len(s.Classes) > 0 {
			all = append(all, s)
		}
	})
	return all
}

// ForEachClassInFlatteningHierarchy invokes fn for every other ClassData
// sharing parent's flattening root and whose flattenedSuperclasses set
// includes parent's name — i.e. every sibling that needs to cascade-drop
// if parent is dropped (spec §8 property 6).
func (b *Builder) ForEachClassInFlatteningHierarchy(parent *ClassData, fn func(*ClassData)) {
	if parent.FlatteningRootSuperclass == nil {
		return
	}
	for _, d := range b.Dylibs {
		for _, cd := range d.Classes {
			if cd == parent || cd.FlatteningRootSuperclass == nil {
				continue
			}
			if *cd.FlatteningRootSuperclass != *parent.FlatteningRootSuperclass {
				continue
			}
			if cd.FlatteningRootName != parent.FlatteningRootName {
				continue
			}
			if _, ok := cd.FlattenedSuperclasses[parent.Name]; !ok {
				continue
			}
			fn(cd)
		}
	}
}
