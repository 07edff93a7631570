package graph

import (
	"testing"

	"github.com/appsworld/impcache/pkg/objcmodel"
	"github.com/appsworld/impcache/pkg/selector"
)

func newDylib(installName string) *objcmodel.Dylib {
	return &objcmodel.Dylib{InstallName: installName}
}

func addClass(d *objcmodel.Dylib, name string, root bool, super *objcmodel.Class, superDylib *objcmodel.Dylib, methods ...string) *objcmodel.Class {
	c := &objcmodel.Class{
		Name:            name,
		DeclaringDylib:  d,
		IsRootClass:     root,
		Superclass:      super,
		SuperclassDylib: superDylib,
	}
	for _, m := range methods {
		c.Methods = append(c.Methods, objcmodel.Method{Name: m})
	}
	d.Classes = append(d.Classes, c)
	return c
}

func newBuilderFor(dylibs []*objcmodel.Dylib, needed map[string]int) *Builder {
	return NewBuilder(
		selector.NewTable(),
		needed,
		map[string]int{},
		map[string]struct{}{},
		map[string]struct{}{},
		map[string]struct{}{},
		dylibs,
		nil,
	)
}

func TestBuildTrackedClassesWalksAncestry(t *testing.T) {
	d := newDylib("/usr/lib/libBase.dylib")
	root := addClass(d, "NSObject", true, nil, nil)
	mid := addClass(d, "Base", false, root, d, "baseMethod")
	addClass(d, "Leaf", false, mid, d, "leafMethod")

	b := newBuilderFor([]*objcmodel.Dylib{d}, map[string]int{"Leaf": 0})
	b.BuildClassesMap()
	b.BuildTrackedClasses()

	if _, ok := b.TrackedClasses["Base"]; !ok {
		t.Fatalf("expected Base to be tracked")
	}
	if _, ok := b.TrackedClasses["NSObject"]; !ok {
		t.Fatalf("expected NSObject to be tracked")
	}
	if _, ok := b.TrackedClasses["Leaf"]; ok {
		t.Fatalf("Leaf is interesting, not merely tracked, but tracked-check should still hold true via IsClassInterestingOrTracked")
	}
}

func TestWeakMissingSuperclassExcludesClassEntirely(t *testing.T) {
	d := newDylib("/usr/lib/libA.dylib")
	// Orphan is non-root with a nil superclass: a weakly-imported
	// superclass that was missing at parse time. It must never get a
	// ClassData, even though it is named in neededClasses.
	orphan := addClass(d, "Orphan", false, nil, nil, "orphanMethod")
	_ = orphan

	b := newBuilderFor([]*objcmodel.Dylib{d}, map[string]int{"Orphan": 0})
	b.BuildClassesMap()
	if _, ok := b.ValidClasses[objcmodel.ClassKey{Name: "Orphan"}]; ok {
		t.Fatalf("expected Orphan (nil superclass, non-root) to be excluded from ValidClasses")
	}

	b.BuildTrackedClasses()
	b.PopulateMethodLists()
	b.AttachCategories()
	b.InlineSelectors()

	if _, ok := b.Dylibs[0].Classes[objcmodel.ClassKey{Name: "Orphan"}]; ok {
		t.Fatalf("expected Orphan to never get a ClassData despite being named in neededClasses")
	}
}

func TestDuplicateClassesPropagateDownHierarchy(t *testing.T) {
	d1 := newDylib("/usr/lib/libA.dylib")
	base1 := addClass(d1, "Shared", false, nil, nil)
	base1.IsRootClass = true

	d2 := newDylib("/usr/lib/libB.dylib")
	addClass(d2, "Shared", false, nil, nil).IsRootClass = true
	leaf := addClass(d2, "Leaf", false, nil, nil)
	leaf.Superclass = d2.Classes[0]
	leaf.SuperclassDylib = d2
	leaf.Methods = []objcmodel.Method{{Name: "leafMethod"}}

	b := newBuilderFor([]*objcmodel.Dylib{d1, d2}, map[string]int{"Leaf": 0})
	b.BuildClassesMap()
	if _, ok := b.DuplicateClasses[objcmodel.ClassKey{Name: "Shared"}]; !ok {
		t.Fatalf("expected Shared to be detected as a duplicate class")
	}

	b.BuildTrackedClasses()
	if _, ok := b.DuplicateClasses[objcmodel.ClassKey{Name: "Leaf"}]; !ok {
		t.Fatalf("expected duplicate-ness to propagate down to Leaf")
	}
}

func TestAttachCategoriesSameDylibOnly(t *testing.T) {
	d := newDylib("/usr/lib/libA.dylib")
	root := addClass(d, "NSObject", true, nil, nil)
	cls := addClass(d, "Thing", false, root, d, "baseMethod")
	meta := &objcmodel.Class{Name: "Thing", IsMetaclass: true, DeclaringDylib: d, IsRootClass: true}
	cls.Metaclass = meta
	d.Classes = append(d.Classes, meta)

	d.Categories = append(d.Categories, &objcmodel.Category{
		Name:            "Extras",
		Class:           cls,
		ClassDylib:      d,
		InstanceMethods: []objcmodel.Method{{Name: "extraMethod"}},
		ClassMethods:    []objcmodel.Method{{Name: "extraClassMethod"}},
	})

	other := newDylib("/usr/lib/libB.dylib")
	other.Categories = append(other.Categories, &objcmodel.Category{
		Name:            "CrossDylib",
		Class:           cls,
		ClassDylib:      d, // target lives in d, category declared in "other"
		InstanceMethods: []objcmodel.Method{{Name: "shouldBeIgnored"}},
	})

	b := newBuilderFor([]*objcmodel.Dylib{d, other}, map[string]int{"Thing": 0, "Thing$meta": 0})
	b.NeededMetaclasses = map[string]int{"Thing": 0}
	b.BuildClassesMap()
	b.BuildTrackedClasses()
	b.PopulateMethodLists()
	b.AttachCategories()

	cd := b.Dylibs[0].Classes[objcmodel.ClassKey{Name: "Thing"}]
	if cd == nil {
		t.Fatalf("missing ClassData for Thing")
	}
	found := false
	for _, m := range cd.Methods {
		if m.Selector.Name == "extraMethod" {
			found = true
		}
		if m.Selector.Name == "shouldBeIgnored" {
			t.Fatalf("cross-dylib category method must not be attached")
		}
	}
	if !found {
		t.Fatalf("expected same-dylib category method to be attached")
	}
}

func TestInlineSelectorsHonorsConfiguredList(t *testing.T) {
	d := newDylib("/usr/lib/libA.dylib")
	root := addClass(d, "NSObject", true, nil, nil)
	base := addClass(d, "Base", false, root, d, "retain", "release")
	addClass(d, "Leaf", false, base, d, "leafMethod")

	b := newBuilderFor([]*objcmodel.Dylib{d}, map[string]int{"Leaf": 0})
	b.SelectorsToInline = map[string]struct{}{"retain": {}}
	b.BuildClassesMap()
	b.BuildTrackedClasses()
	b.PopulateMethodLists()
	b.AttachCategories()
	b.InlineSelectors()

	cd := b.Dylibs[0].Classes[objcmodel.ClassKey{Name: "Leaf"}]
	names := map[string]bool{}
	for _, m := range cd.Methods {
		names[m.Selector.Name] = true
	}
	if !names["retain"] {
		t.Fatalf("expected configured selector retain to be inlined, got %v", names)
	}
	if names["release"] {
		t.Fatalf("release was not configured for inlining and should stay out, got %v", names)
	}
}

func TestRemoveUninterestingClassesDropsEmptyClasses(t *testing.T) {
	d := newDylib("/usr/lib/libA.dylib")
	root := addClass(d, "NSObject", true, nil, nil)
	addClass(d, "Empty", false, root, d)

	b := newBuilderFor([]*objcmodel.Dylib{d}, map[string]int{"Empty": 0})
	b.BuildClassesMap()
	b.BuildTrackedClasses()
	b.PopulateMethodLists()
	b.AttachCategories()
	b.InlineSelectors()
	b.RemoveUninterestingClasses()

	if _, ok := b.Dylibs[0].Classes[objcmodel.ClassKey{Name: "Empty"}]; ok {
		t.Fatalf("expected Empty class with zero methods to be removed")
	}
}

func TestDidFinishAddingMethodsComputesNeededBits(t *testing.T) {
	cd := &ClassData{Methods: make([]Method, 5)}
	cd.DidFinishAddingMethods()
	if cd.NeededBits != 3 {
		t.Fatalf("expected ceil(log2(5))=3, got %d", cd.NeededBits)
	}
	if cd.Modulo() != 8 {
		t.Fatalf("expected modulo 8, got %d", cd.Modulo())
	}
}
