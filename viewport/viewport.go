// Package viewport decouples scroll mechanics from render scheduling: a
// VisibilityProvider streams intersection events for page containers, and
// the Controller turns threshold crossings into "load this page" and
// "this is the current page" callbacks.
//
// The provider abstraction keeps the controller portable: the browser-backed
// implementation lives in browserviz, and tests drive ManualProvider by
// hand, no DOM required.
package viewport

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/foliolab/folio/pagestore"
)

// VisibilityEvent reports the fraction of a page's rendered area currently
// visible within the scrollable viewport. Ephemeral, never persisted.
type VisibilityEvent struct {
	PageNumber        int
	IntersectionRatio float64 // in [0,1]
}

// Provider streams visibility events for a document's page containers.
type Provider interface {
	// Observe starts the stream for pages 1..pageCount. The channel closes
	// when ctx is cancelled or the provider shuts down.
	Observe(ctx context.Context, pageCount int) (<-chan VisibilityEvent, error)
}

// PageBox is one page's placement in the vertical document flow. Displayed
// dimensions are exactly intrinsic × zoom.
type PageBox struct {
	PageNumber int
	Width      float64
	Height     float64
	OffsetY    float64
}

// Config tunes the controller.
type Config struct {
	// LoadThreshold is the intersection ratio at which a page should begin
	// loading. Default: 0.1.
	LoadThreshold float64
	// CurrentThreshold is the ratio at which a page counts as the current
	// page. Default: 0.5.
	CurrentThreshold float64
	// PageGap is the vertical spacing between page containers. Default: 8.
	PageGap float64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = 0.1
	}
	if c.CurrentThreshold <= 0 {
		c.CurrentThreshold = 0.5
	}
	if c.PageGap <= 0 {
		c.PageGap = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller observes page visibility for one document instance.
type Controller struct {
	cfg      Config
	store    *pagestore.Store
	provider Provider

	mu      sync.Mutex
	zoom    float64
	ratios  map[int]float64
	current int

	onLoad    func(pageNumber int)
	onVisible func(pageNumber int)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Controller for the given page store.
func New(store *pagestore.Store, provider Provider, cfg Config) *Controller {
	cfg.defaults()
	return &Controller{
		cfg:      cfg,
		store:    store,
		provider: provider,
		zoom:     1.0,
		ratios:   make(map[int]float64),
	}
}

// OnPageLoad registers the callback fired when a page crosses the load
// threshold upward. Must be set before Start.
func (c *Controller) OnPageLoad(fn func(pageNumber int)) { c.onLoad = fn }

// OnPageVisible registers the callback fired when the current page changes.
// Must be set before Start. Firing is prompt: the callback runs on the event
// dispatch goroutine as soon as the crossing event arrives.
func (c *Controller) OnPageVisible(fn func(pageNumber int)) { c.onVisible = fn }

// Start subscribes to the provider and dispatches events until Stop or ctx
// cancellation.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := c.provider.Observe(ctx, c.store.Len())
	if err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(events)
	return nil
}

// Stop ends event dispatch and waits for the loop to drain.
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// CurrentPage returns the page currently counting as "current", or 0 before
// any page has crossed the threshold.
func (c *Controller) CurrentPage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Zoom returns the current zoom level.
func (c *Controller) Zoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom
}

// SetZoom scales every page container proportionally and re-evaluates
// visibility, since container geometry changed.
func (c *Controller) SetZoom(zoom float64) {
	if zoom <= 0 {
		return
	}
	c.mu.Lock()
	c.zoom = zoom
	ratios := make(map[int]float64, len(c.ratios))
	for p, r := range c.ratios {
		ratios[p] = r
	}
	c.mu.Unlock()

	c.cfg.Logger.Debug("viewport: zoom changed", "zoom", zoom)
	for p, r := range ratios {
		c.dispatch(VisibilityEvent{PageNumber: p, IntersectionRatio: r})
	}
}

// Layout returns every page's container box in strict ascending page order,
// regardless of which pages are materialized. Displayed dimensions equal
// intrinsic dimensions times zoom, exactly.
func (c *Controller) Layout() []PageBox {
	c.mu.Lock()
	zoom := c.zoom
	c.mu.Unlock()

	pages := c.store.Pages()
	boxes := make([]PageBox, 0, len(pages))
	offset := 0.0
	for _, p := range pages {
		box := PageBox{
			PageNumber: p.PageNumber,
			Width:      p.Width * zoom,
			Height:     p.Height * zoom,
			OffsetY:    offset,
		}
		boxes = append(boxes, box)
		offset += box.Height + c.cfg.PageGap
	}
	return boxes
}

func (c *Controller) loop(events <-chan VisibilityEvent) {
	defer close(c.done)
	for ev := range events {
		c.dispatch(ev)
	}
}

func (c *Controller) dispatch(ev VisibilityEvent) {
	if ev.PageNumber < 1 || ev.PageNumber > c.store.Len() {
		return
	}
	ratio := math.Max(0, math.Min(1, ev.IntersectionRatio))

	c.mu.Lock()
	prev := c.ratios[ev.PageNumber]
	c.ratios[ev.PageNumber] = ratio

	loadCrossed := prev < c.cfg.LoadThreshold && ratio >= c.cfg.LoadThreshold
	newCurrent := c.recomputeCurrent()
	currentChanged := newCurrent != 0 && newCurrent != c.current
	if currentChanged {
		c.current = newCurrent
	}
	c.mu.Unlock()

	if loadCrossed && c.onLoad != nil {
		c.onLoad(ev.PageNumber)
	}
	if currentChanged && c.onVisible != nil {
		c.onVisible(newCurrent)
	}
}

// recomputeCurrent picks the page with the highest ratio at or above the
// current threshold; ties go to the lowest page number. Caller holds mu.
func (c *Controller) recomputeCurrent() int {
	best, bestRatio := 0, 0.0
	for p, r := range c.ratios {
		if r < c.cfg.CurrentThreshold {
			continue
		}
		if r > bestRatio || (r == bestRatio && (best == 0 || p < best)) {
			best, bestRatio = p, r
		}
	}
	return best
}
