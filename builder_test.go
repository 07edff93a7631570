package impcache

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/impcache/pkg/config"
	"github.com/appsworld/impcache/pkg/objcmodel"
)

func TestBuildEndToEndSimpleHierarchy(t *testing.T) {
	dylib := &objcmodel.Dylib{InstallName: "/usr/lib/libExample.dylib"}

	root := &objcmodel.Class{Name: "NSObject", IsRootClass: true, DeclaringDylib: dylib}
	base := &objcmodel.Class{
		Name: "Base", DeclaringDylib: dylib,
		Superclass: root, SuperclassDylib: dylib,
		Methods: []objcmodel.Method{{Name: "init"}, {Name: "dealloc"}},
	}
	leaf := &objcmodel.Class{
		Name: "Leaf", DeclaringDylib: dylib,
		Superclass: base, SuperclassDylib: dylib,
		Methods: []objcmodel.Method{{Name: "doWork"}, {Name: "doMoreWork"}, {Name: "doEvenMoreWork"}},
	}
	dylib.Classes = append(dylib.Classes, root, base, leaf)

	cfg, err := config.Parse([]byte(`{"version": 1, "neededClasses": ["Leaf", "Base"]}`))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}

	caches, err := Build(cfg, []*objcmodel.Dylib{dylib}, nil)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if len(caches) == 0 {
		t.Fatalf("expected at least one emitted cache")
	}

	var names []string
	for _, c := range caches {
		names = append(names, c.ClassName)
	}
	sort.Strings(names)

	if diff := cmp.Diff([]string{"Base", "Leaf"}, names); diff != "" {
		t.Fatalf("unexpected set of cached classes (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsUnsupportedSelectorOverflow(t *testing.T) {
	dylib := &objcmodel.Dylib{InstallName: "/usr/lib/libHuge.dylib"}
	root := &objcmodel.Class{Name: "NSObject", IsRootClass: true, DeclaringDylib: dylib}
	huge := &objcmodel.Class{Name: "Huge", DeclaringDylib: dylib, Superclass: root, SuperclassDylib: dylib}

	// A single selector name longer than the cap on its own, so the table
	// total exceeds maxSelectorTableBytes without needing millions of
	// distinct method entries in the test.
	longName := make([]byte, maxSelectorTableBytes+1)
	for i := range longName {
		longName[i] = 'a'
	}
	huge.Methods = []objcmodel.Method{{Name: string(longName)}}
	dylib.Classes = append(dylib.Classes, root, huge)

	cfg, err := config.Parse([]byte(`{"version": 1, "neededClasses": ["Huge"]}`))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}

	b := NewBuilder(cfg, []*objcmodel.Dylib{dylib}, nil)
	if err := b.ParseDylibs(); err == nil {
		t.Fatalf("expected selector-space overflow to be reported as a fatal error")
	}
}
