package render

import (
	"image"
	"sync"
	"sync/atomic"
)

// Canvas is a draw target owned by the viewer session. A canvas is reassigned
// to different pages as the user scrolls; each reassignment bumps the
// generation so a stale render completing afterwards presents nothing.
type Canvas struct {
	id string

	gen atomic.Uint64

	mu   sync.Mutex
	page int
	img  *image.RGBA
}

// NewCanvas creates an empty canvas with the given identity.
func NewCanvas(id string) *Canvas {
	return &Canvas{id: id}
}

// ID returns the canvas identity used for render request keying.
func (c *Canvas) ID() string { return c.id }

// AssignPage dedicates the canvas to a page and invalidates any in-flight
// render that targeted the previous assignment.
func (c *Canvas) AssignPage(pageNumber int) {
	c.mu.Lock()
	c.page = pageNumber
	c.mu.Unlock()
	c.gen.Add(1)
}

// Generation returns the current assignment generation.
func (c *Canvas) Generation() uint64 { return c.gen.Load() }

// AssignedPage returns the page the canvas currently displays or is assigned
// to display.
func (c *Canvas) AssignedPage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Snapshot returns the last presented image, or nil when nothing has been
// drawn yet.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img
}

// present installs a rendered image if the canvas assignment has not moved
// on since the render was queued. Returns false for a stale generation.
func (c *Canvas) present(img *image.RGBA, gen uint64) bool {
	if c.gen.Load() != gen {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the lock so present and AssignPage cannot interleave.
	if c.gen.Load() != gen {
		return false
	}
	c.img = img
	return true
}

// Bitmap is a materialized page render. It satisfies the memory manager's
// Releaser so eviction can free the pixel data.
type Bitmap struct {
	PageNumber int
	Zoom       float64

	mu  sync.Mutex
	img *image.RGBA
}

// Image returns the pixel data, or nil after Release.
func (b *Bitmap) Image() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.img
}

// Release drops the pixel data. Safe to call more than once.
func (b *Bitmap) Release() {
	b.mu.Lock()
	b.img = nil
	b.mu.Unlock()
}
