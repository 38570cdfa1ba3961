// Package pagestore holds the ordered page sequence for one document
// instance, plus an SQLite-backed cache of page metadata so a reopened
// document skips the metadata round-trip.
//
// PageData is immutable once fetched: the Store owns the slice and hands out
// copies, never references that callers could mutate.
package pagestore

import (
	"fmt"
	"sort"
)

// PageData describes one page of a paginated document: its position, the
// signed URL of its rendered image, and its intrinsic dimensions in points.
type PageData struct {
	PageNumber int     `json:"page_number"`
	ImageURL   string  `json:"image_url"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Store is the page sequence for a single document instance. It is created
// when a document load succeeds and discarded on teardown; it is never
// patched incrementally.
type Store struct {
	documentID string
	pages      []PageData
}

// New validates and adopts a page list. Pages are sorted by page number and
// must form the exact sequence 1..n with positive dimensions.
func New(documentID string, pages []PageData) (*Store, error) {
	if documentID == "" {
		return nil, fmt.Errorf("pagestore: empty document id")
	}
	ordered := make([]PageData, len(pages))
	copy(ordered, pages)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PageNumber < ordered[j].PageNumber
	})
	for i, p := range ordered {
		if p.PageNumber != i+1 {
			return nil, fmt.Errorf("pagestore: page sequence broken at index %d: got page %d, want %d", i, p.PageNumber, i+1)
		}
		if p.Width <= 0 || p.Height <= 0 {
			return nil, fmt.Errorf("pagestore: page %d has non-positive dimensions %gx%g", p.PageNumber, p.Width, p.Height)
		}
		if p.ImageURL == "" {
			return nil, fmt.Errorf("pagestore: page %d has no image URL", p.PageNumber)
		}
	}
	return &Store{documentID: documentID, pages: ordered}, nil
}

// DocumentID returns the identity this store was built for.
func (s *Store) DocumentID() string { return s.documentID }

// Len returns the page count.
func (s *Store) Len() int { return len(s.pages) }

// Page returns the data for page n (1-based). ok is false when n is out of
// bounds.
func (s *Store) Page(n int) (PageData, bool) {
	if n < 1 || n > len(s.pages) {
		return PageData{}, false
	}
	return s.pages[n-1], true
}

// Pages returns a copy of the full ordered sequence, always 1..n.
func (s *Store) Pages() []PageData {
	out := make([]PageData, len(s.pages))
	copy(out, s.pages)
	return out
}
