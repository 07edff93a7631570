package solver

import (
	"testing"

	"github.com/appsworld/impcache/pkg/graph"
	"github.com/appsworld/impcache/pkg/selector"
)

func classWithMethods(table *selector.Table, names ...string) *graph.ClassData {
	cd := &graph.ClassData{Name: "Test", ShouldGenerateImpCache: true}
	for _, n := range names {
		sel := table.Intern(n)
		cd.Methods = append(cd.Methods, graph.Method{Selector: sel})
		sel.Classes = append(sel.Classes, cd)
	}
	cd.DidFinishAddingMethods()
	return cd
}

func TestApplyAttemptPlacesDistinctSlots(t *testing.T) {
	table := selector.NewTable()
	cd := classWithMethods(table, "foo", "bar", "baz", "qux")

	s := New(nil, nil)
	undo, at, ok := s.tryPlace(cd)
	if !ok {
		t.Fatalf("expected a successful placement for 4 methods")
	}
	if len(undo) == 0 {
		t.Fatalf("expected at least one selector commitment to be recorded")
	}

	seen := map[int]bool{}
	mask := at.mask()
	for _, m := range cd.Methods {
		slot := (m.Selector.InProgressBucketIndex >> at.Shift) & mask
		if seen[slot] {
			t.Fatalf("two methods collided in slot %d", slot)
		}
		seen[slot] = true
	}
}

func TestAttemptsForClassOrderedByCost(t *testing.T) {
	table := selector.NewTable()
	cd := classWithMethods(table, "a", "b")
	attempts := attemptsForClass(cd)
	if len(attempts) == 0 {
		t.Fatalf("expected at least one attempt")
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i].TotalBitsToSet < attempts[i-1].TotalBitsToSet {
			t.Fatalf("attempts not sorted ascending by cost at index %d", i)
		}
	}
}

func TestRNGDeterministic(t *testing.T) {
	a := newRNG(0)
	b := newRNG(0)
	for i := 0; i < 10; i++ {
		if a.next() != b.next() {
			t.Fatalf("two RNGs seeded identically diverged at step %d", i)
		}
	}
}

func TestSnapshotRestoresRNGState(t *testing.T) {
	r := newRNG(0)
	r.next()
	r.next()
	saved := r.state
	r.next()
	r.next()
	r.state = saved
	want := newRNG(0)
	want.next()
	want.next()
	if r.state != want.state {
		t.Fatalf("restoring saved rng state did not reproduce the original sequence point")
	}
}
