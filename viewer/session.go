// Package viewer ties the load, render, memory and viewport layers into one
// document session: open a URL, get per-page bitmaps as the user scrolls,
// with off-window pages evicted behind the scenes.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/loader"
	"github.com/foliolab/folio/memwin"
	"github.com/foliolab/folio/observability"
	"github.com/foliolab/folio/pagestore"
	"github.com/foliolab/folio/render"
	"github.com/foliolab/folio/viewport"
)

// Config assembles a Session.
type Config struct {
	// Loader acquires the page list.
	Loader *loader.Loader
	// Source fetches page image bytes for rasterization.
	Source engine.ImageSource
	// Provider streams page visibility events.
	Provider viewport.Provider
	// WindowSize is the retention window passed to the memory manager.
	// Default: 5.
	WindowSize int
	// Workers caps concurrent renders.
	Workers int
	// Events optionally records pipeline events.
	Events *observability.EventLog
	// Metrics optionally records pipeline metrics.
	Metrics *observability.Metrics
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one open document. Safe for concurrent use.
type Session struct {
	cfg    Config
	memory *memwin.Manager

	mu         sync.Mutex
	store      *pagestore.Store
	docID      string
	pipeline   *render.Pipeline
	controller *viewport.Controller
	canvases   map[int]*render.Canvas
	loaded     map[int]bool // pages that have crossed the load threshold
	onReady    func(pageNumber int, zoom float64)
}

// New creates a closed Session. Call Open to load a document.
func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{
		cfg:    cfg,
		memory: memwin.New(memwin.Options{Logger: cfg.Logger}),
	}
}

// OnPageReady registers the callback fired when a page's bitmap becomes
// resident at some zoom. Runs on a render worker goroutine.
func (s *Session) OnPageReady(fn func(pageNumber int, zoom float64)) {
	s.mu.Lock()
	s.onReady = fn
	s.mu.Unlock()
}

// Open loads the document at url and starts visibility-driven rendering.
// Opening a new URL tears the previous document down first.
func (s *Session) Open(ctx context.Context, url string) error {
	res, err := s.cfg.Loader.Load(ctx, url)
	if err != nil {
		s.event(observability.Event{
			Component: observability.ComponentLoader,
			EventType: observability.EventLoadFailed,
			Status:    "error",
			ErrorMsg:  err.Error(),
		})
		return fmt.Errorf("viewer: open %s: %w", url, err)
	}

	s.detachAndStop()

	s.mu.Lock()
	s.store = res.Store
	s.docID = res.DocumentID
	s.memory.SetDocument(res.DocumentID, res.Store.Len())

	s.canvases = make(map[int]*render.Canvas, res.Store.Len())
	s.loaded = make(map[int]bool)
	for _, p := range res.Store.Pages() {
		c := render.NewCanvas(fmt.Sprintf("page-%d", p.PageNumber))
		c.AssignPage(p.PageNumber)
		s.canvases[p.PageNumber] = c
	}

	s.pipeline = render.New(render.Config{
		Source:  s.cfg.Source,
		Workers: s.cfg.Workers,
		Logger:  s.cfg.Logger,
	})
	s.controller = viewport.New(res.Store, s.cfg.Provider, viewport.Config{Logger: s.cfg.Logger})
	s.controller.OnPageLoad(s.handlePageLoad)
	s.controller.OnPageVisible(s.handleCurrentChange)
	controller := s.controller
	s.mu.Unlock()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("viewer: start viewport: %w", err)
	}

	s.event(observability.Event{
		Component:   observability.ComponentLoader,
		EventType:   observability.EventLoadComplete,
		DocumentID:  res.DocumentID,
		RenderingID: res.RenderingID,
	})
	s.cfg.Logger.Info("viewer: document open", "document_id", res.DocumentID, "pages", res.Store.Len())
	return nil
}

// Close stops visibility dispatch, cancels renders and releases all resident
// pages. The session can be reopened.
func (s *Session) Close() {
	s.detachAndStop()
	s.memory.SetDocument("", 0)
}

// CurrentPage returns the page counting as current, or 0 before any page has
// crossed the visibility threshold.
func (s *Session) CurrentPage() int {
	s.mu.Lock()
	c := s.controller
	s.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.CurrentPage()
}

// Zoom returns the current zoom level, 1.0 when no document is open.
func (s *Session) Zoom() float64 {
	s.mu.Lock()
	c := s.controller
	s.mu.Unlock()
	if c == nil {
		return 1.0
	}
	return c.Zoom()
}

// SetZoom rescales page containers and re-renders every loaded page at the
// new zoom, current page first.
func (s *Session) SetZoom(zoom float64) {
	s.mu.Lock()
	c := s.controller
	pages := make([]int, 0, len(s.loaded))
	for p := range s.loaded {
		pages = append(pages, p)
	}
	s.mu.Unlock()
	if c == nil || zoom <= 0 {
		return
	}

	c.SetZoom(zoom)
	current := c.CurrentPage()
	if current != 0 {
		s.queueRender(current, zoom, render.High)
	}
	for _, p := range pages {
		if p != current {
			s.queueRender(p, zoom, render.Normal)
		}
	}
}

// Layout returns the page container boxes at the current zoom.
func (s *Session) Layout() []viewport.PageBox {
	s.mu.Lock()
	c := s.controller
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Layout()
}

// PageBitmap returns the resident bitmap for (pageNumber, zoom), if any.
// A hit refreshes the page's eviction recency.
func (s *Session) PageBitmap(pageNumber int, zoom float64) (*render.Bitmap, bool) {
	h, ok := s.memory.Rendered(pageNumber, zoom)
	if !ok {
		return nil, false
	}
	bmp, ok := h.(*render.Bitmap)
	return bmp, ok
}

// Store returns the open document's page store, or nil when closed.
func (s *Session) Store() *pagestore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// MemoryStats reports resident page counters.
func (s *Session) MemoryStats() memwin.Stats { return s.memory.Stats() }

func (s *Session) handlePageLoad(pageNumber int) {
	s.mu.Lock()
	if s.loaded != nil {
		s.loaded[pageNumber] = true
	}
	c := s.controller
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.queueRender(pageNumber, c.Zoom(), render.Normal)
}

func (s *Session) handleCurrentChange(pageNumber int) {
	s.memory.NoteCurrent(pageNumber)
	priority := s.memory.PrioritizePages(pageNumber, s.cfg.WindowSize)
	s.memory.RemoveNonPriorityPages(priority)

	s.mu.Lock()
	c := s.controller
	docID := s.docID
	s.mu.Unlock()
	if c == nil {
		return
	}
	zoom := c.Zoom()

	// Current page renders ahead of its neighbors.
	for _, p := range priority {
		prio := render.Normal
		if p == pageNumber {
			prio = render.High
		}
		s.queueRender(p, zoom, prio)
	}

	s.event(observability.Event{
		Component:  observability.ComponentViewport,
		EventType:  observability.EventPageVisible,
		DocumentID: docID,
		PageNumber: pageNumber,
		Zoom:       zoom,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Observe(observability.MetricResidentPages, float64(s.memory.ResidentCount()), "count")
	}
}

func (s *Session) queueRender(pageNumber int, zoom float64, prio render.Priority) {
	if _, ok := s.memory.Rendered(pageNumber, zoom); ok {
		// Already resident at this zoom; the lookup refreshed its recency.
		s.notifyReady(pageNumber, zoom)
		return
	}

	s.mu.Lock()
	store := s.store
	pipeline := s.pipeline
	canvas := s.canvases[pageNumber]
	docID := s.docID
	s.mu.Unlock()
	if store == nil || pipeline == nil || canvas == nil {
		return
	}
	page, ok := store.Page(pageNumber)
	if !ok {
		s.cfg.Logger.Warn("viewer: unknown page requested", "page", pageNumber)
		return
	}

	pipeline.QueueRender(page, canvas, zoom, prio, func(res render.Result) {
		switch {
		case res.Cancelled:
			s.event(observability.Event{
				Component:  observability.ComponentRender,
				EventType:  observability.EventRenderCancelled,
				DocumentID: docID,
				PageNumber: pageNumber,
				Zoom:       zoom,
				Status:     "cancelled",
			})
		case res.Err != nil:
			s.cfg.Logger.Error("viewer: page render failed",
				"document_id", docID, "page", pageNumber, "zoom", zoom, "error", res.Err)
			s.event(observability.Event{
				Component:  observability.ComponentRender,
				EventType:  observability.EventRenderFailed,
				DocumentID: docID,
				PageNumber: pageNumber,
				Zoom:       zoom,
				ErrorMsg:   res.Err.Error(),
			})
		default:
			s.memory.AddRenderedPage(pageNumber, zoom, res.Bitmap)
			s.event(observability.Event{
				Component:  observability.ComponentRender,
				EventType:  observability.EventRenderComplete,
				DocumentID: docID,
				PageNumber: pageNumber,
				Zoom:       zoom,
			})
			s.notifyReady(pageNumber, zoom)
		}
	})
}

func (s *Session) notifyReady(pageNumber int, zoom float64) {
	s.mu.Lock()
	fn := s.onReady
	s.mu.Unlock()
	if fn != nil {
		fn(pageNumber, zoom)
	}
}

// detachAndStop clears the session's document state, then stops the detached
// controller and pipeline outside the lock. Stop and Shutdown both wait for
// callbacks that acquire s.mu, so they must never run under it.
func (s *Session) detachAndStop() {
	s.mu.Lock()
	controller := s.controller
	pipeline := s.pipeline
	s.store = nil
	s.docID = ""
	s.pipeline = nil
	s.controller = nil
	s.canvases = nil
	s.loaded = nil
	s.mu.Unlock()

	if controller != nil {
		controller.Stop()
	}
	if pipeline != nil {
		pipeline.Shutdown()
	}
}

func (s *Session) event(e observability.Event) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Log(context.Background(), e)
}
