package registry

import (
	"testing"

	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
)

func newTestDescriptor(kind, id string) descriptor.ServerDescriptor {
	return descriptor.ServerDescriptor{ID: id, Kind: kind, Hostname: "localhost", Frontend: false}
}

func TestByID_NotFound(t *testing.T) {
	r := New(nil)
	if _, ok := r.ByID("room", "r1"); ok {
		t.Fatalf("expected ByID to report not found on empty registry")
	}
}

func TestPutThenByID(t *testing.T) {
	r := New(nil)
	d := newTestDescriptor("room", "r1")
	r.Put(d)

	got, ok := r.ByID("room", "r1")
	if !ok {
		t.Fatalf("expected to find r1 after Put")
	}
	if got != d {
		t.Errorf("got %+v, want %+v", got, d)
	}
}

func TestDeleteRemovesFromBothIndices(t *testing.T) {
	r := New(nil)
	r.Put(newTestDescriptor("room", "r1"))
	r.Delete(descriptor.Key{Kind: "room", ID: "r1"})

	if _, ok := r.ByID("room", "r1"); ok {
		t.Errorf("expected r1 to be gone after Delete")
	}
	if got := r.ByKind("room"); len(got) != 0 {
		t.Errorf("expected ByKind(room) to be empty after Delete, got %v", got)
	}
}

func TestPick_NoServersAvailable(t *testing.T) {
	r := New(nil)
	if _, ok := r.Pick("room"); ok {
		t.Fatalf("expected Pick to report unavailable on empty registry")
	}
}

// TestPick_UniformDistribution covers the kind-addressed pick scenario from
// spec.md ยง8: each of three peers should receive close to a third of
// 3000 picks.
func TestPick_UniformDistribution(t *testing.T) {
	r := New(nil)
	r.Put(newTestDescriptor("connector", "c1"))
	r.Put(newTestDescriptor("connector", "c2"))
	r.Put(newTestDescriptor("connector", "c3"))

	counts := map[string]int{}
	const trials = 3000
	for i := 0; i < trials; i++ {
		d, ok := r.Pick("connector")
		if !ok {
			t.Fatalf("Pick returned not-ok on non-empty registry")
		}
		counts[d.ID]++
	}

	const expected = trials / 3
	const tolerance = 150 // generous bound well above 3 sigma (~26 picks) at p=1/3
	for _, id := range []string{"c1", "c2", "c3"} {
		if d := counts[id] - expected; d > tolerance || d < -tolerance {
			t.Errorf("id %s got %d picks, expected close to %d", id, counts[id], expected)
		}
	}
}

func TestAdmits_Filters(t *testing.T) {
	r := New([]string{"room*", "connector"})
	if !r.Admits("room") {
		t.Errorf("expected room to be admitted")
	}
	if !r.Admits("room-master") {
		t.Errorf("expected room-master to be admitted by glob room*")
	}
	if r.Admits("metagame") {
		t.Errorf("expected metagame to be rejected")
	}
}

func TestPut_FiltersUnadmittedKind(t *testing.T) {
	r := New([]string{"room"})
	r.Put(newTestDescriptor("metagame", "m1"))

	if _, ok := r.ByID("metagame", "m1"); ok {
		t.Errorf("expected filtered-out kind to be silently ignored")
	}
	if r.Len() != 0 {
		t.Errorf("expected registry to remain empty, got len %d", r.Len())
	}
}

func TestByKind_Snapshot(t *testing.T) {
	r := New(nil)
	r.Put(newTestDescriptor("room", "r1"))
	r.Put(newTestDescriptor("room", "r2"))

	got := r.ByKind("room")
	if len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
}
