// Package memwin bounds resident render memory with a sliding priority
// window keyed on spatial proximity to the viewport, not recency, since proximity
// is a better predictor of imminent need than LRU for a scrolling reader.
//
// The resident unit is a (pageNumber, zoom) pair. At most one materialized
// artifact exists per pair, and after RemoveNonPriorityPages at most one
// zoom level survives per priority page, so the resident count is bounded by
// the priority list length.
package memwin

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Releaser is a render artifact whose backing memory can be freed.
type Releaser interface {
	Release()
}

// Key identifies one resident unit.
type Key struct {
	PageNumber int
	Zoom       float64
}

// MaterializedPage is a resident render artifact.
type MaterializedPage struct {
	Key           Key
	Handle        Releaser
	LastTouchedAt time.Time
}

// Options tunes the manager.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager tracks materialized pages for one document at a time and evicts
// everything outside the priority window. Safe for concurrent use: a single
// mutex guards the resident map so eviction and admission never interleave.
type Manager struct {
	opts Options

	mu        sync.Mutex
	docID     string
	pageCount int
	rendered  map[Key]*MaterializedPage
	objects   map[int]any // lighter-weight parsed-page handles
	current   int         // last reported current page
	direction int         // -1 up, 0 unknown, +1 down

	admissions atomic.Int64
	evictions  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Resident   int   `json:"resident"`
	Admissions int64 `json:"admissions"`
	Evictions  int64 `json:"evictions"`
}

// New creates a Manager. Call SetDocument before admitting pages.
func New(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:     opts,
		rendered: make(map[Key]*MaterializedPage),
		objects:  make(map[int]any),
	}
}

// SetDocument resets all tracking for a new document, releasing every
// resident artifact of the previous one.
func (m *Manager) SetDocument(documentID string, pageCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mp := range m.rendered {
		mp.Handle.Release()
	}
	m.docID = documentID
	m.pageCount = pageCount
	m.rendered = make(map[Key]*MaterializedPage)
	m.objects = make(map[int]any)
	m.current = 0
	m.direction = 0

	m.opts.Logger.Debug("memwin: document set", "document_id", documentID, "pages", pageCount)
}

// AddRenderedPage registers a freshly rendered page as resident. An existing
// artifact for the same (page, zoom) is released and replaced, preserving
// the at-most-one invariant.
func (m *Manager) AddRenderedPage(pageNumber int, zoom float64, h Releaser) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{PageNumber: pageNumber, Zoom: zoom}
	if prev, ok := m.rendered[k]; ok {
		prev.Handle.Release()
	}
	m.rendered[k] = &MaterializedPage{Key: k, Handle: h, LastTouchedAt: time.Now()}
	m.admissions.Add(1)
}

// AddPageObject registers a lighter-weight parsed-page handle used for
// metrics queries without full rendering. Page objects are not counted
// against the priority window.
func (m *Manager) AddPageObject(pageNumber int, obj any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[pageNumber] = obj
}

// PageObject returns a previously registered page object.
func (m *Manager) PageObject(pageNumber int) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[pageNumber]
	return obj, ok
}

// Rendered returns the resident artifact for (page, zoom) and refreshes its
// touch time.
func (m *Manager) Rendered(pageNumber int, zoom float64) (Releaser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.rendered[Key{PageNumber: pageNumber, Zoom: zoom}]
	if !ok {
		return nil, false
	}
	mp.LastTouchedAt = time.Now()
	return mp.Handle, true
}

// NoteCurrent records the current page so PrioritizePages can bias the
// window toward the scroll direction.
func (m *Manager) NoteCurrent(pageNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.current == 0 || pageNumber == m.current:
		// First observation keeps direction unknown.
	case pageNumber > m.current:
		m.direction = 1
	default:
		m.direction = -1
	}
	m.current = pageNumber
}

// PrioritizePages returns the ordered list of page numbers that must remain
// resident: the current page first, then neighbours by proximity, biased
// toward the scroll direction and clamped to document bounds. It reads but
// never mutates manager state.
func (m *Manager) PrioritizePages(currentPage, windowSize int) []int {
	m.mu.Lock()
	pageCount := m.pageCount
	direction := m.direction
	m.mu.Unlock()

	if windowSize <= 0 || pageCount == 0 || currentPage < 1 || currentPage > pageCount {
		return nil
	}

	out := make([]int, 0, windowSize)
	out = append(out, currentPage)

	// Alternate outward from the current page. With a known scroll
	// direction the leading side gets two steps for every trailing one.
	ahead, behind := currentPage, currentPage
	step := func(forward bool) bool {
		if forward {
			if ahead < pageCount {
				ahead++
				out = append(out, ahead)
				return true
			}
		} else {
			if behind > 1 {
				behind--
				out = append(out, behind)
				return true
			}
		}
		return false
	}

	forwardFirst := direction >= 0
	leadRatio := 1
	if direction != 0 {
		leadRatio = 2
	}
	for len(out) < windowSize {
		advanced := false
		for i := 0; i < leadRatio && len(out) < windowSize; i++ {
			if step(forwardFirst) {
				advanced = true
			}
		}
		if len(out) < windowSize && step(!forwardFirst) {
			advanced = true
		}
		if !advanced {
			break // document smaller than the window
		}
	}
	return out
}

// RemoveNonPriorityPages evicts every resident artifact whose page is not in
// priority, and for priority pages keeps only the most recently touched zoom
// level. After this call the resident count never exceeds len(priority).
func (m *Manager) RemoveNonPriorityPages(priority []int) {
	keep := make(map[int]bool, len(priority))
	for _, p := range priority {
		keep[p] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Newest zoom level per priority page wins.
	newest := make(map[int]*MaterializedPage, len(priority))
	for _, mp := range m.rendered {
		if !keep[mp.Key.PageNumber] {
			continue
		}
		cur, ok := newest[mp.Key.PageNumber]
		if !ok || mp.LastTouchedAt.After(cur.LastTouchedAt) {
			newest[mp.Key.PageNumber] = mp
		}
	}

	evicted := 0
	for k, mp := range m.rendered {
		if newest[mp.Key.PageNumber] == mp {
			continue
		}
		mp.Handle.Release()
		delete(m.rendered, k)
		evicted++
	}
	if evicted > 0 {
		m.evictions.Add(int64(evicted))
		m.opts.Logger.Debug("memwin: evicted", "count", evicted, "resident", len(m.rendered))
	}
}

// ResidentCount returns the number of materialized (page, zoom) units.
func (m *Manager) ResidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rendered)
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	resident := len(m.rendered)
	m.mu.Unlock()
	return Stats{
		Resident:   resident,
		Admissions: m.admissions.Load(),
		Evictions:  m.evictions.Load(),
	}
}
