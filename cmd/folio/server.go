package main

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/httpmw"
	"github.com/foliolab/folio/idgen"
	"github.com/foliolab/folio/loader"
	"github.com/foliolab/folio/memwin"
	"github.com/foliolab/folio/observability"
	"github.com/foliolab/folio/pagestore"
	"github.com/foliolab/folio/render"
	"github.com/foliolab/folio/safeurl"
)

// docHandle is the server-side state for one open document: its loader, a
// render pipeline and the memory window that bounds resident bitmaps.
type docHandle struct {
	mu       sync.Mutex
	loader   *loader.Loader
	result   *loader.Result
	progress loader.Progress

	pipeline *render.Pipeline
	memory   *memwin.Manager
}

// renderOnce queues a single high-priority draw on a throwaway canvas and
// waits for the outcome. Each request gets its own canvas so concurrent
// fetches of the same page never supersede each other. alive is false when
// the client went away before the draw finished.
func (h *docHandle) renderOnce(ctx context.Context, ids idgen.Generator, page pagestore.PageData, zoom float64) (render.Result, bool) {
	canvas := render.NewCanvas(ids())
	canvas.AssignPage(page.PageNumber)

	done := make(chan render.Result, 1)
	h.pipeline.QueueRender(page, canvas, zoom, render.High, func(rr render.Result) {
		done <- rr
	})

	select {
	case rr := <-done:
		return rr, true
	case <-ctx.Done():
		h.pipeline.Cancel(page.PageNumber, zoom, canvas)
		return render.Result{}, false
	}
}

type server struct {
	cfg       *Config
	api       engine.MetadataAPI
	converter engine.Converter
	source    engine.ImageSource
	imager    *engine.BrowserImager
	cache     *pagestore.Cache
	events    *observability.EventLog
	metrics   *observability.Metrics
	ids       idgen.Generator

	mu   sync.Mutex
	docs map[string]*docHandle
}

func newServer(cfg *Config, api engine.MetadataAPI, conv engine.Converter, src engine.ImageSource,
	imager *engine.BrowserImager, cache *pagestore.Cache,
	events *observability.EventLog, metrics *observability.Metrics) *server {
	return &server{
		cfg:       cfg,
		api:       api,
		converter: conv,
		source:    src,
		imager:    imager,
		cache:     cache,
		events:    events,
		metrics:   metrics,
		ids:       idgen.Prefixed("cvs_", idgen.Default),
		docs:      make(map[string]*docHandle),
	}
}

func (s *server) routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/documents", s.openDocument)
	r.Route("/documents/{documentID}", func(r chi.Router) {
		r.Get("/", s.documentStatus)
		r.Delete("/", s.closeDocument)
		r.Get("/view", s.documentView)
		r.Get("/progress", s.documentProgress)
		r.Get("/pages", s.pageList)
		r.Get("/pages/{pageNumber}.png", s.renderPage)
		r.Post("/retry", s.retryDocument)
		r.Get("/source/{pageNumber}.png", s.sourceImage)
	})
}

func (s *server) handleFor(documentID string) *docHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.docs[documentID]
	if !ok {
		h = &docHandle{
			loader: loader.New(loader.Config{
				API:            s.api,
				Converter:      s.converter,
				Cache:          s.cache,
				MaxRetries:     s.cfg.Loader.MaxRetries,
				Backoff:        s.cfg.Loader.Backoff,
				AttemptTimeout: s.cfg.Loader.AttemptTimeout,
			}),
			pipeline: render.New(render.Config{
				Source:  s.source,
				Workers: s.cfg.Render.Workers,
			}),
			memory: memwin.New(memwin.Options{}),
		}
		h.loader.OnProgressUpdate(func(p loader.Progress) {
			h.mu.Lock()
			h.progress = p
			h.mu.Unlock()
		})
		s.docs[documentID] = h
	}
	return h
}

func (s *server) doc(documentID string) (*docHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.docs[documentID]
	return h, ok
}

func (s *server) openDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"url\": ...}"})
		return
	}
	if err := safeurl.Validate(body.URL); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	documentID := loader.DocumentIDFromURL(body.URL)
	if err := safeurl.ValidateIdentifier(documentID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h := s.handleFor(documentID)
	res, err := h.loader.Load(r.Context(), body.URL)
	if err != nil {
		s.logLoadFailure(r, documentID, err)
		writeLoadError(w, err)
		return
	}
	h.mu.Lock()
	if h.result == nil || h.result != res {
		h.result = res
		h.memory.SetDocument(res.DocumentID, res.Store.Len())
	}
	h.mu.Unlock()

	s.events.Log(r.Context(), observability.Event{
		Component:   observability.ComponentLoader,
		EventType:   observability.EventLoadComplete,
		DocumentID:  res.DocumentID,
		RenderingID: res.RenderingID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":  res.DocumentID,
		"rendering_id": res.RenderingID,
		"page_count":   res.Store.Len(),
		"state":        h.loader.State().String(),
	})
}

func (s *server) documentStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := s.doc(chi.URLParam(r, "documentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	h.mu.Lock()
	pageCount := 0
	if h.result != nil {
		pageCount = h.result.Store.Len()
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"state":        h.loader.State().String(),
		"retries":      h.loader.Retries(),
		"rendering_id": h.loader.RenderingID(),
		"page_count":   pageCount,
		"memory":       h.memory.Stats(),
	})
}

func (s *server) documentProgress(w http.ResponseWriter, r *http.Request) {
	h, ok := s.doc(chi.URLParam(r, "documentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	h.mu.Lock()
	p := h.progress
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (s *server) pageList(w http.ResponseWriter, r *http.Request) {
	h, ok := s.doc(chi.URLParam(r, "documentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	h.mu.Lock()
	res := h.result
	h.mu.Unlock()
	if res == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": res.DocumentID,
		"pages":       res.Store.Pages(),
	})
}

func (s *server) renderPage(w http.ResponseWriter, r *http.Request) {
	log := httpmw.GetLogger(r.Context())
	documentID := chi.URLParam(r, "documentID")
	h, ok := s.doc(documentID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	h.mu.Lock()
	res := h.result
	h.mu.Unlock()
	if res == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document not loaded"})
		return
	}

	pageNumber, err := strconv.Atoi(chi.URLParam(r, "pageNumber"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad page number"})
		return
	}
	page, ok := res.Store.Page(pageNumber)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "page out of range"})
		return
	}

	zoom := 1.0
	if q := r.URL.Query().Get("zoom"); q != "" {
		zoom, err = strconv.ParseFloat(q, 64)
		if err != nil || zoom <= 0 || zoom > 8 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "zoom must be in (0, 8]"})
			return
		}
	}

	// Resident hit: serve straight from the memory window. Pin the pixel
	// data first; a concurrent request's eviction can release the handle
	// any time after the lookup. A nil image means it already has, in
	// which case the request falls through to a fresh render.
	if handle, ok := h.memory.Rendered(pageNumber, zoom); ok {
		if bmp, ok := handle.(*render.Bitmap); ok {
			if img := bmp.Image(); img != nil {
				servePNG(w, img)
				return
			}
		}
	}

	start := time.Now()
	rr, alive := h.renderOnce(r.Context(), s.ids, page, zoom)
	if !alive {
		return
	}

	// A signed image URL can go stale between metadata fetch and draw.
	// Refresh the page list once and retry before giving up.
	var expired *engine.ExpiredURLError
	if rr.Err != nil && errors.As(rr.Err, &expired) {
		log.Info("page image URL expired, refreshing metadata",
			"document_id", documentID, "page", pageNumber)
		if s.cache != nil {
			if err := s.cache.Invalidate(r.Context(), documentID); err != nil {
				log.Warn("metadata cache invalidate failed", "document_id", documentID, "error", err)
			}
		}
		fresh, rerr := h.loader.ForceRetry(r.Context())
		if rerr == nil {
			h.mu.Lock()
			h.result = fresh
			h.mu.Unlock()
			if p, ok := fresh.Store.Page(pageNumber); ok {
				rr, alive = h.renderOnce(r.Context(), s.ids, p, zoom)
				if !alive {
					return
				}
			}
		}
	}

	switch {
	case rr.Cancelled:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render cancelled"})
		return
	case rr.Err != nil:
		log.Error("page render failed", "document_id", documentID, "page", pageNumber, "error", rr.Err)
		s.events.Log(r.Context(), observability.Event{
			Component:  observability.ComponentRender,
			EventType:  observability.EventRenderFailed,
			DocumentID: documentID,
			PageNumber: pageNumber,
			Zoom:       zoom,
			ErrorMsg:   rr.Err.Error(),
		})
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": rr.Err.Error()})
		return
	}

	// Pin the pixels before admission: AddRenderedPage hands eviction
	// ownership to the memory window, so a concurrent request could
	// release the bitmap before the encode below runs.
	img := rr.Bitmap.Image()
	h.memory.AddRenderedPage(pageNumber, zoom, rr.Bitmap)
	h.memory.NoteCurrent(pageNumber)
	priority := h.memory.PrioritizePages(pageNumber, s.cfg.Render.WindowSize)
	h.memory.RemoveNonPriorityPages(priority)

	elapsed := time.Since(start)
	s.events.Log(r.Context(), observability.Event{
		Component:  observability.ComponentRender,
		EventType:  observability.EventRenderComplete,
		DocumentID: documentID,
		PageNumber: pageNumber,
		Zoom:       zoom,
		DurationMs: elapsed.Milliseconds(),
	})
	s.metrics.Observe(observability.MetricRenderDurationMs, float64(elapsed.Milliseconds()), "milliseconds")
	s.metrics.Observe(observability.MetricResidentPages, float64(h.memory.ResidentCount()), "count")

	servePNG(w, img)
}

func (s *server) retryDocument(w http.ResponseWriter, r *http.Request) {
	h, ok := s.doc(chi.URLParam(r, "documentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	res, err := h.loader.ForceRetry(r.Context())
	if err != nil {
		s.logLoadFailure(r, chi.URLParam(r, "documentID"), err)
		writeLoadError(w, err)
		return
	}
	h.mu.Lock()
	h.result = res
	h.memory.SetDocument(res.DocumentID, res.Store.Len())
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":  res.DocumentID,
		"rendering_id": res.RenderingID,
		"page_count":   res.Store.Len(),
		"state":        h.loader.State().String(),
	})
}

func (s *server) closeDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	s.mu.Lock()
	h, ok := s.docs[documentID]
	delete(s.docs, documentID)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}

	h.loader.CancelRendering(h.loader.RenderingID())
	h.pipeline.Shutdown()
	h.memory.SetDocument("", 0)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// viewTemplate lays the document out as a vertical flow of page containers.
// The data-folio-page attributes are what the browser-side
// IntersectionObserver (browserviz) watches to drive visibility events.
var viewTemplate = template.Must(template.New("view").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.DocumentID}}</title></head>
<body style="margin:0;background:#555">
{{- range .Pages}}
<div data-folio-page="{{.Number}}" style="width:{{.Width}}px;height:{{.Height}}px;margin:8px auto;background:#fff">
<img loading="lazy" src="/documents/{{$.DocumentID}}/pages/{{.Number}}.png" width="{{.Width}}" height="{{.Height}}" alt="page {{.Number}}">
</div>
{{- end}}
</body>
</html>
`))

func (s *server) documentView(w http.ResponseWriter, r *http.Request) {
	h, ok := s.doc(chi.URLParam(r, "documentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
		return
	}
	h.mu.Lock()
	res := h.result
	h.mu.Unlock()
	if res == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document not loaded"})
		return
	}

	type pageView struct {
		Number        int
		Width, Height float64
	}
	data := struct {
		DocumentID string
		Pages      []pageView
	}{DocumentID: res.DocumentID}
	for _, p := range res.Store.Pages() {
		data.Pages = append(data.Pages, pageView{Number: p.PageNumber, Width: p.Width, Height: p.Height})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewTemplate.Execute(w, data); err != nil {
		httpmw.GetLogger(r.Context()).Warn("view template failed", "error", err)
	}
}

func (s *server) sourceImage(w http.ResponseWriter, r *http.Request) {
	if s.imager == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source imaging not enabled"})
		return
	}
	documentID := chi.URLParam(r, "documentID")
	pageNumber, err := strconv.Atoi(chi.URLParam(r, "pageNumber"))
	if err != nil || pageNumber < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad page number"})
		return
	}
	data, err := s.imager.PageImage(r.Context(), documentID, pageNumber)
	if err != nil {
		httpmw.GetLogger(r.Context()).Error("source image failed",
			"document_id", documentID, "page", pageNumber, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *server) logLoadFailure(r *http.Request, documentID string, err error) {
	s.events.Log(r.Context(), observability.Event{
		Component:  observability.ComponentLoader,
		EventType:  observability.EventLoadFailed,
		DocumentID: documentID,
		ErrorMsg:   err.Error(),
	})
}

func servePNG(w http.ResponseWriter, img *image.RGBA) {
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		slog.Warn("png encode failed", "error", err)
	}
}

// writeLoadError maps the loader error taxonomy onto HTTP status codes.
func writeLoadError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch loader.Classify(err) {
	case loader.ClassNotFound:
		status = http.StatusNotFound
	case loader.ClassPermissionDenied:
		status = http.StatusForbidden
	case loader.ClassConversionEmpty:
		status = http.StatusUnprocessableEntity
	case loader.ClassTransient:
		status = http.StatusBadGateway
	case loader.ClassCancelled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":          err.Error(),
		"classification": string(loader.Classify(err)),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
