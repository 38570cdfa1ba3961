// Package render implements the shared render scheduler: it turns "render
// page N at zoom Z into canvas C" requests into actual draws with
// deduplication, priority ordering, and cancellation.
//
// A request is uniquely keyed by (pageNumber, zoom, canvas). A new request
// for a live key supersedes the old one. The old callback receives a
// cancelled result, never a silent drop, so at most one render per key is
// ever live. Draws for distinct canvases proceed concurrently up to the
// worker cap; draws for the same canvas are strictly ordered.
//
// The pipeline is an explicitly constructed instance with a lifecycle
// (New, Shutdown), passed by reference to the viewer session. There is no
// package-level shared state.
package render

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/pagestore"
)

// Priority is a scheduling hint, not a correctness guarantee.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Result is delivered to the request callback exactly once.
type Result struct {
	// Bitmap is set on success.
	Bitmap *Bitmap
	// Err is set on render failure. Render failures are scoped to the one
	// page; they never fail the document.
	Err error
	// Cancelled is set when the request was superseded, cancelled, or the
	// pipeline shut down. Cancelled results carry no error.
	Cancelled bool
}

// Callback receives the request outcome. It is invoked from a worker
// goroutine; keep it short or hand off.
type Callback func(Result)

// Config configures a Pipeline.
type Config struct {
	// Source fetches page image bytes.
	Source engine.ImageSource
	// Workers caps concurrent draws. Default: 3, enough to keep distinct
	// canvases busy without overwhelming the raster backend.
	Workers int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type key struct {
	pageNumber int
	zoom       float64
	canvasID   string
}

type request struct {
	key      key
	page     pagestore.PageData
	canvas   *Canvas
	gen      uint64 // canvas generation at submission
	priority Priority
	seq      uint64
	callback Callback

	ctx    context.Context
	cancel context.CancelFunc

	index int // heap bookkeeping; -1 when not queued
}

// Pipeline is the shared render scheduler.
type Pipeline struct {
	cfg Config

	baseCtx  context.Context
	baseStop context.CancelFunc

	mu       sync.Mutex
	queue    requestHeap
	pending  map[key]*request // queued, not yet picked up
	inflight map[key]*request
	busy     map[string]bool // canvases currently being drawn
	closed   bool

	wake chan struct{}
	wg   sync.WaitGroup
	seq  atomic.Uint64

	completed atomic.Int64
	failures  atomic.Int64
	cancels   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failures  int64 `json:"failures"`
	Cancelled int64 `json:"cancelled"`
}

// New creates a Pipeline and starts its workers.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	ctx, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		baseCtx:  ctx,
		baseStop: stop,
		pending:  make(map[key]*request),
		inflight: make(map[key]*request),
		busy:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	heap.Init(&p.queue)
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// QueueRender enqueues a render request. An existing pending or in-flight
// request for the same (page, zoom, canvas) is superseded: its callback
// receives a cancelled result. Higher priority dequeues first; ties break by
// submission order.
func (p *Pipeline) QueueRender(page pagestore.PageData, canvas *Canvas, zoom float64, priority Priority, cb Callback) {
	k := key{pageNumber: page.PageNumber, zoom: zoom, canvasID: canvas.ID()}

	ctx, cancel := context.WithCancel(p.baseCtx)
	req := &request{
		key:      k,
		page:     page,
		canvas:   canvas,
		gen:      canvas.Generation(),
		priority: priority,
		seq:      p.seq.Add(1),
		callback: cb,
		ctx:      ctx,
		cancel:   cancel,
		index:    -1,
	}

	var superseded *request

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		p.deliver(req, Result{Cancelled: true})
		return
	}
	if old, ok := p.pending[k]; ok {
		heap.Remove(&p.queue, old.index)
		delete(p.pending, k)
		superseded = old
	} else if old, ok := p.inflight[k]; ok {
		// Signal the in-flight draw; its own teardown delivers the
		// cancelled result.
		old.cancel()
	}
	p.pending[k] = req
	heap.Push(&p.queue, req)
	p.mu.Unlock()

	if superseded != nil {
		superseded.cancel()
		p.deliver(superseded, Result{Cancelled: true})
	}
	p.kick()
}

// Cancel removes a pending request or signals an in-flight one. The
// callback receives a cancelled result, not an error. Cancelling an unknown
// key is a no-op.
func (p *Pipeline) Cancel(pageNumber int, zoom float64, canvas *Canvas) {
	k := key{pageNumber: pageNumber, zoom: zoom, canvasID: canvas.ID()}

	p.mu.Lock()
	if req, ok := p.pending[k]; ok {
		heap.Remove(&p.queue, req.index)
		delete(p.pending, k)
		p.mu.Unlock()
		req.cancel()
		p.deliver(req, Result{Cancelled: true})
		return
	}
	if req, ok := p.inflight[k]; ok {
		req.cancel()
	}
	p.mu.Unlock()
}

// Shutdown cancels all pending and in-flight requests and waits for the
// workers to drain. The pipeline accepts no work afterwards.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var dropped []*request
	for len(p.queue) > 0 {
		req := heap.Pop(&p.queue).(*request)
		delete(p.pending, req.key)
		dropped = append(dropped, req)
	}
	p.mu.Unlock()

	for _, req := range dropped {
		req.cancel()
		p.deliver(req, Result{Cancelled: true})
	}
	p.baseStop()
	p.kick()
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	pending, inflight := len(p.pending), len(p.inflight)
	p.mu.Unlock()
	return Stats{
		Pending:   pending,
		InFlight:  inflight,
		Completed: p.completed.Load(),
		Failures:  p.failures.Load(),
		Cancelled: p.cancels.Load(),
	}
}

func (p *Pipeline) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		req := p.next()
		if req == nil {
			select {
			case <-p.baseCtx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		p.execute(req)
	}
}

// next pops the best pending request whose canvas is idle, preserving strict
// per-canvas ordering. Skipped requests stay queued.
func (p *Pipeline) next() *request {
	p.mu.Lock()
	defer p.mu.Unlock()

	var skipped []*request
	var picked *request
	for len(p.queue) > 0 {
		req := heap.Pop(&p.queue).(*request)
		if p.busy[req.key.canvasID] {
			skipped = append(skipped, req)
			continue
		}
		picked = req
		break
	}
	for _, req := range skipped {
		heap.Push(&p.queue, req)
	}
	if picked == nil {
		return nil
	}
	delete(p.pending, picked.key)
	p.inflight[picked.key] = picked
	p.busy[picked.key.canvasID] = true
	return picked
}

func (p *Pipeline) execute(req *request) {
	defer func() {
		p.mu.Lock()
		// Only clear the in-flight slot if it is still ours; a superseding
		// request may already have replaced the pending entry.
		if p.inflight[req.key] == req {
			delete(p.inflight, req.key)
		}
		delete(p.busy, req.key.canvasID)
		p.mu.Unlock()
		req.cancel()
		p.kick()
	}()

	res := p.draw(req)
	p.deliver(req, res)
}

func (p *Pipeline) draw(req *request) Result {
	if req.ctx.Err() != nil {
		return Result{Cancelled: true}
	}

	data, err := p.cfg.Source.FetchImage(req.ctx, req.page.ImageURL)
	if err != nil {
		if req.ctx.Err() != nil {
			return Result{Cancelled: true}
		}
		return Result{Err: err}
	}

	img, err := rasterize(data, req.page.Width, req.page.Height, req.key.zoom)
	if err != nil {
		return Result{Err: err}
	}

	if req.ctx.Err() != nil {
		return Result{Cancelled: true}
	}

	// A stale canvas assignment makes the completed draw a no-op: the
	// canvas keeps whatever it shows now and the result is discarded.
	if !req.canvas.present(img, req.gen) {
		p.cfg.Logger.Debug("render: stale canvas assignment, draw skipped",
			"page", req.key.pageNumber, "zoom", req.key.zoom, "canvas", req.key.canvasID)
		return Result{Cancelled: true}
	}

	return Result{Bitmap: &Bitmap{PageNumber: req.key.pageNumber, Zoom: req.key.zoom, img: img}}
}

// deliver invokes the callback exactly once and updates counters.
func (p *Pipeline) deliver(req *request, res Result) {
	switch {
	case res.Cancelled:
		p.cancels.Add(1)
	case res.Err != nil:
		p.failures.Add(1)
		p.cfg.Logger.Warn("render: page render failed",
			"page", req.key.pageNumber, "zoom", req.key.zoom, "error", res.Err)
	default:
		p.completed.Add(1)
	}
	if req.callback != nil {
		req.callback(res)
	}
}

// requestHeap orders by priority descending, then submission sequence
// ascending.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*request)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
