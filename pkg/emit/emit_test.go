package emit

import (
	"testing"

	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/selector"
)

func TestBuildIMPCachePlacesMethodsAtCommittedSlots(t *testing.T) {
	table := selector.NewTable()
	magic, _ := table.Lookup(selector.MagicName)

	foo := table.Intern("foo")
	bar := table.Intern("bar")
	foo.InProgressBucketIndex = 0
	bar.InProgressBucketIndex = 1

	cd := &graph.ClassData{
		Name:                   "Thing",
		ShouldGenerateImpCache: true,
		Shift:                  0,
		NeededBits:             1,
		Methods: []graph.Method{
			{Selector: foo},
			{Selector: bar},
		},
	}

	cache, ok := BuildIMPCache(cd, magic)
	if !ok {
		t.Fatalf("expected cache to build successfully")
	}
	if len(cache.Buckets) != 2 {
		t.Fatalf("expected 2 buckets for neededBits=1, got %d", len(cache.Buckets))
	}
	if cache.Buckets[0] != foo || cache.Buckets[1] != bar {
		t.Fatalf("methods not placed at their committed slots: %+v", cache.Buckets)
	}
	if cache.CacheShift != 7 {
		t.Fatalf("expected cache shift = phase1 shift(0) + 7, got %d", cache.CacheShift)
	}
}

func TestBuildIMPCacheRejectsOversizedMask(t *testing.T) {
	table := selector.NewTable()
	magic, _ := table.Lookup(selector.MagicName)
	cd := &graph.ClassData{Name: "Huge", ShouldGenerateImpCache: true, NeededBits: 12}
	if _, ok := BuildIMPCache(cd, magic); ok {
		t.Fatalf("expected a cache_mask wider than 11 bits to be rejected")
	}
}

func TestPackHeaderV1RoundTripsFields(t *testing.T) {
	c := &IMPCache{CacheShift: 9, CacheMask: 0x7, Occupied: 4, HasInlines: true}
	h := PackHeaderV1(c)

	if got := h.Word0 & 0x1F; got != 9 {
		t.Fatalf("cache_shift mismatch: got %d", got)
	}
	if got := (h.Word0 >> 5) & 0x7FF; got != 0x7 {
		t.Fatalf("cache_mask mismatch: got %d", got)
	}
	if got := (h.Word0 >> 16) & 0x3FFF; got != 4 {
		t.Fatalf("occupied mismatch: got %d", got)
	}
	if h.Word0&(1<<30) == 0 {
		t.Fatalf("expected has_inlines bit to be set")
	}
	if h.Word1&(1<<31) == 0 {
		t.Fatalf("expected bit_one sentinel to be set")
	}
}
