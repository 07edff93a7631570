package addrspace

import "testing"

func TestPlaceMethodAtIndexDirectFit(t *testing.T) {
	as := NewAddressSpace()
	addr, ok := as.placeMethodAtIndex(0, 10)
	if !ok || addr != 0 {
		t.Fatalf("expected first placement at address 0, got %d ok=%v", addr, ok)
	}
	addr2, ok := as.placeMethodAtIndex(0, 20)
	if !ok || addr2 != 10 {
		t.Fatalf("expected second placement right after the first, got %d ok=%v", addr2, ok)
	}
}

func TestPlaceMethodAtIndexOverflowsToNextBucket(t *testing.T) {
	as := NewAddressSpace()
	if _, ok := as.placeMethodAtIndex(0, 100); !ok {
		t.Fatalf("expected 100-byte placement to succeed")
	}
	// Only 28 bytes left in bucket 0; a 40-byte selector must overflow.
	addr, ok := as.placeMethodAtIndex(0, 40)
	if !ok {
		t.Fatalf("expected overflow placement to succeed")
	}
	if addr < BucketSize {
		t.Fatalf("expected overflowed selector to land in bucket 1, got address %d", addr)
	}
	if as.Holes.TotalHoleSize() != 28 {
		t.Fatalf("expected the 28 leftover bytes of bucket 0 to become a hole, got %d", as.Holes.TotalHoleSize())
	}
}

func TestPlaceMethodAtIndexRejectsOversizedOverflow(t *testing.T) {
	as := NewAddressSpace()
	as.placeMethodAtIndex(0, 100)
	if as.canPlaceMethodAtIndex(0, 100) {
		t.Fatalf("a selector longer than maxOverflowSelectorSize must not be placeable once the bucket is nearly full")
	}
}

func TestHoleMapBestFit(t *testing.T) {
	h := NewHoleMap()
	h.Add(0, 10)
	h.Add(100, 4)
	h.Add(200, 20)

	addr, ok := h.AddStringOfSize(5)
	if !ok || addr != 0 {
		t.Fatalf("expected best-fit hole at address 0 for size 5, got %d ok=%v", addr, ok)
	}
	if h.TotalHoleSize() != 4+20+5 {
		t.Fatalf("expected leftover 5 bytes to be re-added as a hole, total=%d", h.TotalHoleSize())
	}

	if _, ok := h.AddStringOfSize(4); !ok {
		t.Fatalf("expected exact-fit hole of size 4 to still be available")
	}
}
