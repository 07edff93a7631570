package addrspace

import "github.com/google/btree"

// hole is a free byte range left behind when a bucket's unused tail can't
// fit the next selector that wanted it. Ordered first by size so a
// best-fit lookup is a single lower-bound query (spec §4.5 "HoleMap"),
// grounded on IMPCaches.cpp's HoleMap/addStringOfSize.
type hole struct {
	Size int
	Addr int
}

func (h hole) Less(than btree.Item) bool {
	o := than.(hole)
	if h.Size != o.Size {
		return h.Size < o.Size
	}
	return h.Addr < o.Addr
}

// HoleMap tracks every gap left by the packer so a later, smaller string
// (typically a selector that doesn't participate in any class's cache, but
// still needs an address) can be slotted into leftover space instead of
// growing the address space.
type HoleMap struct {
	tree *btree.BTree
	total int
}

func NewHoleMap() *HoleMap {
	return &HoleMap{tree: btree.New(32)}
}

// Add records a newly-discovered free range.
func (h *HoleMap) Add(addr, size int) {
	if size <= 0 {
		return
	}
	h.tree.ReplaceOrInsert(hole{Size: size, Addr: addr})
	h.total += size
}

// AddStringOfSize finds the smallest recorded hole that can hold size
// bytes, removes it from the map, and returns its address plus whatever
// of the hole is left over re-added as a smaller hole (spec §4.5
// addStringOfSize).
func (h *HoleMap) AddStringOfSize(size int) (addr int, ok bool) {
	if size <= 0 {
		return 0, false
	}
	var found hole
	foundAny := false
	h.tree.AscendGreaterOrEqual(hole{Size: size, Addr: 0}, func(item btree.Item) bool {
		found = item.(hole)
		foundAny = true
		return false
	})
	if !foundAny {
		return 0, false
	}
	h.tree.Delete(found)
	h.total -= found.Size

	addr = found.Addr
	remaining := found.Size - size
	if remaining > 0 {
		h.Add(found.Addr+size, remaining)
	}
	return addr, true
}

// TotalHoleSize returns the sum of every currently-tracked hole, used for
// reporting packer efficiency.
func (h *HoleMap) TotalHoleSize() int {
	return h.total
}
