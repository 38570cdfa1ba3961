package pagestore_test

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/foliolab/folio/dbopen"
	"github.com/foliolab/folio/pagestore"
)

func threePages() []pagestore.PageData {
	return []pagestore.PageData{
		{PageNumber: 1, ImageURL: "https://cdn.example.com/d/1.png", Width: 612, Height: 792},
		{PageNumber: 2, ImageURL: "https://cdn.example.com/d/2.png", Width: 612, Height: 792},
		{PageNumber: 3, ImageURL: "https://cdn.example.com/d/3.png", Width: 612, Height: 792},
	}
}

func TestNew_OrdersPages(t *testing.T) {
	pages := threePages()
	// Deliberately shuffled input.
	pages[0], pages[2] = pages[2], pages[0]

	s, err := pagestore.New("doc_1", pages)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range s.Pages() {
		if p.PageNumber != i+1 {
			t.Fatalf("page at index %d has number %d", i, p.PageNumber)
		}
	}
}

func TestNew_RejectsGaps(t *testing.T) {
	pages := []pagestore.PageData{
		{PageNumber: 1, ImageURL: "u", Width: 612, Height: 792},
		{PageNumber: 3, ImageURL: "u", Width: 612, Height: 792},
	}
	if _, err := pagestore.New("doc_1", pages); err == nil {
		t.Fatal("expected error for page number gap")
	}
}

func TestNew_RejectsBadDimensions(t *testing.T) {
	pages := []pagestore.PageData{
		{PageNumber: 1, ImageURL: "u", Width: 0, Height: 792},
	}
	if _, err := pagestore.New("doc_1", pages); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestPage_Bounds(t *testing.T) {
	s, err := pagestore.New("doc_1", threePages())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Page(0); ok {
		t.Fatal("page 0 should be out of bounds")
	}
	if _, ok := s.Page(4); ok {
		t.Fatal("page 4 should be out of bounds")
	}
	p, ok := s.Page(2)
	if !ok || p.PageNumber != 2 {
		t.Fatalf("Page(2) = %+v, ok=%v", p, ok)
	}
}

func newCache(t *testing.T) *pagestore.Cache {
	t.Helper()
	db := dbopen.OpenMemory(t)
	c := pagestore.NewCache(db)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCache_RoundTrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "doc_1", "https://api.example.com/documents/doc_1", threePages()); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d pages, want 3", len(got))
	}
	if got[1].ImageURL != "https://cdn.example.com/d/2.png" {
		t.Fatalf("page 2 url = %q", got[1].ImageURL)
	}
}

func TestCache_Miss(t *testing.T) {
	c := newCache(t)
	got, err := c.Get(context.Background(), "doc_unknown")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for cache miss, got %d pages", len(got))
	}
}

func TestCache_PutReplaces(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "doc_1", "", threePages()); err != nil {
		t.Fatal(err)
	}
	// Second put with fewer pages replaces, not appends.
	if err := c.Put(ctx, "doc_1", "", threePages()[:1]); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d pages after replace, want 1", len(got))
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "doc_1", "", threePages()); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, "doc_1"); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil after invalidate")
	}

	ts, err := c.UpdatedAt(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Fatal("expected zero UpdatedAt after invalidate")
	}
}
