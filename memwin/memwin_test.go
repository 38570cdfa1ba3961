package memwin_test

import (
	"sync/atomic"
	"testing"

	"github.com/foliolab/folio/memwin"
)

type fakeBitmap struct {
	released atomic.Bool
}

func (f *fakeBitmap) Release() { f.released.Store(true) }

func newManager(t *testing.T, pages int) *memwin.Manager {
	t.Helper()
	m := memwin.New(memwin.Options{})
	m.SetDocument("doc_1", pages)
	return m
}

func TestAddRenderedPage_ReplacesSameKey(t *testing.T) {
	m := newManager(t, 10)

	first := &fakeBitmap{}
	second := &fakeBitmap{}
	m.AddRenderedPage(3, 1.0, first)
	m.AddRenderedPage(3, 1.0, second)

	if !first.released.Load() {
		t.Fatal("replaced artifact must be released")
	}
	if m.ResidentCount() != 1 {
		t.Fatalf("resident = %d, want 1", m.ResidentCount())
	}
	h, ok := m.Rendered(3, 1.0)
	if !ok || h != second {
		t.Fatal("expected the second artifact to be resident")
	}
}

func TestDistinctZoomsAreDistinctUnits(t *testing.T) {
	m := newManager(t, 10)
	m.AddRenderedPage(3, 1.0, &fakeBitmap{})
	m.AddRenderedPage(3, 2.0, &fakeBitmap{})
	if m.ResidentCount() != 2 {
		t.Fatalf("resident = %d, want 2", m.ResidentCount())
	}
}

func TestPrioritizePages_Symmetric(t *testing.T) {
	m := newManager(t, 100)
	got := m.PrioritizePages(50, 5)
	if len(got) != 5 {
		t.Fatalf("got %d pages, want 5", len(got))
	}
	if got[0] != 50 {
		t.Fatalf("first page = %d, want current 50", got[0])
	}
	want := map[int]bool{48: true, 49: true, 50: true, 51: true, 52: true}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected page %d in symmetric window %v", p, got)
		}
	}
}

func TestPrioritizePages_ClampsToBounds(t *testing.T) {
	m := newManager(t, 10)

	got := m.PrioritizePages(1, 5)
	for _, p := range got {
		if p < 1 || p > 10 {
			t.Fatalf("page %d out of bounds in %v", p, got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("got %d pages, want 5", len(got))
	}

	// Document smaller than the window: every page, no more.
	got = m.PrioritizePages(2, 50)
	if len(got) != 10 {
		t.Fatalf("got %d pages, want all 10", len(got))
	}
}

func TestPrioritizePages_BiasedTowardScrollDirection(t *testing.T) {
	m := newManager(t, 100)
	m.NoteCurrent(40)
	m.NoteCurrent(50) // scrolling down

	got := m.PrioritizePages(50, 7)
	ahead, behind := 0, 0
	for _, p := range got {
		if p > 50 {
			ahead++
		}
		if p < 50 {
			behind++
		}
	}
	if ahead <= behind {
		t.Fatalf("window %v not biased forward: ahead=%d behind=%d", got, ahead, behind)
	}
}

func TestPrioritizePages_Pure(t *testing.T) {
	m := newManager(t, 100)
	a := m.PrioritizePages(50, 5)
	b := m.PrioritizePages(50, 5)
	if len(a) != len(b) {
		t.Fatal("repeated calls differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("repeated calls differ at %d: %v vs %v", i, a, b)
		}
	}
	if m.ResidentCount() != 0 {
		t.Fatal("PrioritizePages must not mutate resident state")
	}
}

func TestEvictionBound(t *testing.T) {
	m := newManager(t, 200)

	// Materialize far more than the window, at two zoom levels.
	for p := 1; p <= 40; p++ {
		m.AddRenderedPage(p, 1.0, &fakeBitmap{})
		m.AddRenderedPage(p, 1.5, &fakeBitmap{})
	}

	for _, current := range []int{5, 20, 90, 150, 3} {
		priority := m.PrioritizePages(current, 7)
		m.RemoveNonPriorityPages(priority)
		if m.ResidentCount() > len(priority) {
			t.Fatalf("resident %d exceeds priority window %d after eviction at page %d",
				m.ResidentCount(), len(priority), current)
		}
	}
}

func TestRemoveNonPriorityPages_ReleasesEvicted(t *testing.T) {
	m := newManager(t, 10)

	kept := &fakeBitmap{}
	gone := &fakeBitmap{}
	m.AddRenderedPage(5, 1.0, kept)
	m.AddRenderedPage(9, 1.0, gone)

	m.RemoveNonPriorityPages([]int{4, 5, 6})

	if gone.released.Load() != true {
		t.Fatal("evicted artifact must be released")
	}
	if kept.released.Load() {
		t.Fatal("priority artifact must not be released")
	}
	if _, ok := m.Rendered(9, 1.0); ok {
		t.Fatal("page 9 should be evicted")
	}
}

func TestRemoveNonPriorityPages_KeepsNewestZoom(t *testing.T) {
	m := newManager(t, 10)

	stale := &fakeBitmap{}
	m.AddRenderedPage(5, 1.0, stale)
	fresh := &fakeBitmap{}
	m.AddRenderedPage(5, 2.0, fresh)
	m.Rendered(5, 2.0) // touch

	m.RemoveNonPriorityPages([]int{5})

	if m.ResidentCount() != 1 {
		t.Fatalf("resident = %d, want 1", m.ResidentCount())
	}
	if !stale.released.Load() {
		t.Fatal("stale zoom level should be released")
	}
	if _, ok := m.Rendered(5, 2.0); !ok {
		t.Fatal("newest zoom level should survive")
	}
}

func TestSetDocument_ReleasesEverything(t *testing.T) {
	m := newManager(t, 10)
	b := &fakeBitmap{}
	m.AddRenderedPage(1, 1.0, b)
	m.AddPageObject(1, "handle")

	m.SetDocument("doc_2", 5)

	if !b.released.Load() {
		t.Fatal("previous document's artifacts must be released")
	}
	if m.ResidentCount() != 0 {
		t.Fatal("resident state must be cleared")
	}
	if _, ok := m.PageObject(1); ok {
		t.Fatal("page objects must be cleared")
	}
}

func TestStats(t *testing.T) {
	m := newManager(t, 10)
	m.AddRenderedPage(1, 1.0, &fakeBitmap{})
	m.AddRenderedPage(2, 1.0, &fakeBitmap{})
	m.RemoveNonPriorityPages([]int{1})

	s := m.Stats()
	if s.Resident != 1 || s.Admissions != 2 || s.Evictions != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
