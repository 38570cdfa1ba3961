// Package loader orchestrates acquiring a document's page list end-to-end:
// retry with exponential backoff on transient failures, structured progress
// reporting, cancellation, and a strict document-identity state machine.
//
// A Loader instance is keyed on one authoritative document identity, the
// source URL. Re-invoking Load with the same URL never re-triggers a fetch;
// changing the URL always tears the state machine down and starts a fresh
// run. All other inputs (callbacks, options) apply to the existing instance
// without rebuilding it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/idgen"
	"github.com/foliolab/folio/pagestore"
)

// State is the loader state machine position.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Status mirrors the progress states exposed to consumers.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Progress is a point-in-time load report. Mutated only by the loader;
// read-only to consumers.
type Progress struct {
	DocumentID string  `json:"document_id"`
	Loaded     int     `json:"loaded"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     Status  `json:"status"`
}

// Result is a successful load.
type Result struct {
	RenderingID string
	DocumentID  string
	Store       *pagestore.Store
}

// Config configures a Loader.
type Config struct {
	// API fetches page metadata.
	API engine.MetadataAPI
	// Converter triggers conversion for unconverted documents.
	Converter engine.Converter
	// Cache optionally persists fetched page lists across instances.
	Cache *pagestore.Cache
	// MaxRetries caps retry attempts after the first try. Default: 3.
	MaxRetries int
	// Backoff is the initial retry wait, doubled each attempt. Default: 500ms.
	Backoff time.Duration
	// AttemptTimeout bounds one fetch attempt. Default: 30s.
	AttemptTimeout time.Duration
	// IDs generates rendering IDs. Default: Prefixed("rnd_", idgen.Default).
	IDs idgen.Generator
	// DocumentID derives the document identity from the source URL.
	// Default: the last path segment without extension.
	DocumentID func(url string) string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("rnd_", idgen.Default)
	}
	if c.DocumentID == nil {
		c.DocumentID = DocumentIDFromURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DocumentIDFromURL is the default identity derivation: the last URL path
// segment, extension stripped.
func DocumentIDFromURL(url string) string {
	base := path.Base(strings.TrimSuffix(url, "/"))
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// run is one teardown-to-teardown instance of the state machine.
type run struct {
	url         string
	renderingID string
	abort       chan struct{}
	abortOnce   sync.Once
	done        chan struct{}

	result  *Result
	err     error
	retries int
}

func (r *run) cancel() {
	r.abortOnce.Do(func() { close(r.abort) })
}

// Loader is the public façade for loading one document's page list.
type Loader struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *run
	onProg  []func(Progress)

	fetchSequences atomic.Int64
}

// New creates an idle Loader.
func New(cfg Config) *Loader {
	cfg.defaults()
	return &Loader{cfg: cfg}
}

// OnProgressUpdate subscribes to progress updates. Subscribers survive
// document changes; they stop receiving events for a rendering once it is
// cancelled.
func (l *Loader) OnProgressUpdate(fn func(Progress)) {
	l.mu.Lock()
	l.onProg = append(l.onProg, fn)
	l.mu.Unlock()
}

// State returns the current state machine position.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RenderingID returns the rendering ID of the current or last run, or ""
// when idle.
func (l *Loader) RenderingID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.renderingID
}

// Retries returns the retry count of the current or last run.
func (l *Loader) Retries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return 0
	}
	return l.current.retries
}

// FetchSequences counts how many distinct fetch sequences the loader has
// started. Identical URLs across re-invocations share one sequence.
func (l *Loader) FetchSequences() int64 { return l.fetchSequences.Load() }

// Load acquires the page list for url. An unchanged url returns the
// existing outcome without any network activity; a changed url tears down
// the previous run and starts exactly one new fetch sequence.
func (l *Loader) Load(ctx context.Context, url string) (*Result, error) {
	l.mu.Lock()
	if r := l.current; r != nil && r.url == url {
		l.mu.Unlock()
		// Same identity: wait out an in-flight run, then hand back its
		// outcome. No new fetch is triggered.
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return r.result, r.err
	}

	// Identity changed: full teardown, never an incremental patch.
	if prev := l.current; prev != nil {
		prev.cancel()
	}
	r := l.startRunLocked(url)
	l.mu.Unlock()

	l.execute(ctx, r)
	return r.result, r.err
}

// ForceRetry re-invokes the load for the current URL with a reset retry
// counter. It is the retry action surfaced next to load-level errors.
func (l *Loader) ForceRetry(ctx context.Context) (*Result, error) {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("loader: nothing to retry")
	}
	url := l.current.url
	l.current.cancel()
	r := l.startRunLocked(url)
	l.mu.Unlock()

	l.execute(ctx, r)
	return r.result, r.err
}

// CancelRendering aborts an in-flight load by rendering ID. No further
// progress callbacks fire for that ID. Cancelling an unknown or finished
// rendering is a no-op.
func (l *Loader) CancelRendering(renderingID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.renderingID != renderingID {
		return
	}
	l.current.cancel()
	if l.state == StateLoading {
		l.state = StateCancelled
	}
}

// Shutdown cancels any in-flight run.
func (l *Loader) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		l.current.cancel()
	}
}

func (l *Loader) startRunLocked(url string) *run {
	r := &run{
		url:         url,
		renderingID: l.cfg.IDs(),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	l.current = r
	l.state = StateLoading
	l.fetchSequences.Add(1)
	return r
}

func (l *Loader) execute(ctx context.Context, r *run) {
	defer close(r.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.abort:
			cancel()
		case <-runCtx.Done():
		}
	}()

	docID := l.cfg.DocumentID(r.url)
	log := l.cfg.Logger
	log.Info("loader: load started", "document_id", docID, "rendering_id", r.renderingID, "url", r.url)

	l.emit(r, Progress{DocumentID: docID, Status: StatusLoading})

	pages, err := l.acquire(runCtx, r, docID)
	if err == nil {
		// A cancel that raced the final fetch still wins.
		select {
		case <-r.abort:
			err = &CancelledError{RenderingID: r.renderingID}
		default:
		}
	}
	if err != nil {
		l.finish(r, docID, nil, err)
		return
	}

	store, err := pagestore.New(docID, pages)
	if err != nil {
		l.finish(r, docID, nil, err)
		return
	}

	if l.cfg.Cache != nil {
		if err := l.cfg.Cache.Put(runCtx, docID, r.url, pages); err != nil {
			log.Warn("loader: cache write failed", "document_id", docID, "error", err)
		}
	}

	l.finish(r, docID, &Result{RenderingID: r.renderingID, DocumentID: docID, Store: store}, nil)
}

// acquire fetches the page list with retry, falling back to the conversion
// path when the list is empty.
func (l *Loader) acquire(ctx context.Context, r *run, docID string) ([]pagestore.PageData, error) {
	if l.cfg.Cache != nil {
		if pages, err := l.cfg.Cache.Get(ctx, docID); err == nil && len(pages) > 0 {
			l.cfg.Logger.Debug("loader: metadata cache hit", "document_id", docID, "pages", len(pages))
			return pages, nil
		}
	}

	pages, err := l.fetchWithRetry(ctx, r, docID)
	if err != nil {
		return nil, err
	}
	if len(pages) > 0 {
		return pages, nil
	}

	// Empty with no error means "needs conversion": exactly one conversion
	// trigger, then one re-fetch. Failure of either surfaces as ErrNoPages.
	l.cfg.Logger.Info("loader: empty page list, triggering conversion", "document_id", docID)
	if l.cfg.Converter == nil {
		return nil, engine.ErrNoPages
	}
	pages, err = l.cfg.Converter.Convert(ctx, docID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CancelledError{RenderingID: r.renderingID}
		}
		return nil, fmt.Errorf("%w (conversion failed: %v)", engine.ErrNoPages, err)
	}
	if len(pages) > 0 {
		return pages, nil
	}
	pages, err = l.fetchOnce(ctx, docID)
	if err != nil || len(pages) == 0 {
		return nil, engine.ErrNoPages
	}
	return pages, nil
}

func (l *Loader) fetchWithRetry(ctx context.Context, r *run, docID string) ([]pagestore.PageData, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.mu.Lock()
			r.retries = attempt
			l.mu.Unlock()
		}

		pages, err := l.fetchOnce(ctx, docID)
		if err == nil {
			return pages, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, &CancelledError{RenderingID: r.renderingID}
		}
		if !engine.IsTransient(err) {
			// 404/403 and friends: surfaced immediately, zero retries.
			return nil, err
		}
		if attempt < l.cfg.MaxRetries {
			wait := l.cfg.Backoff * (1 << uint(attempt))
			l.cfg.Logger.Warn("loader: retrying fetch",
				"document_id", docID,
				"attempt", attempt+1,
				"max_retries", l.cfg.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return nil, &CancelledError{RenderingID: r.renderingID}
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

func (l *Loader) fetchOnce(ctx context.Context, docID string) ([]pagestore.PageData, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()
	return l.cfg.API.Pages(attemptCtx, docID)
}

func (l *Loader) finish(r *run, docID string, res *Result, err error) {
	l.mu.Lock()
	stale := l.current != r
	if !stale {
		switch {
		case err == nil:
			l.state = StateComplete
		case IsCancelled(err):
			l.state = StateCancelled
		default:
			l.state = StateFailed
		}
	}
	l.mu.Unlock()

	r.result = res
	r.err = err

	switch {
	case err == nil:
		n := res.Store.Len()
		l.emit(r, Progress{DocumentID: docID, Loaded: n, Total: n, Percentage: 100, Status: StatusComplete})
		l.cfg.Logger.Info("loader: load complete", "document_id", docID, "pages", n, "rendering_id", r.renderingID)
	case IsCancelled(err):
		// No further progress callbacks for a cancelled rendering.
		l.cfg.Logger.Info("loader: load cancelled", "document_id", docID, "rendering_id", r.renderingID)
	default:
		l.emit(r, Progress{DocumentID: docID, Status: StatusError})
		l.cfg.Logger.Error("loader: load failed",
			"document_id", docID, "classification", Classify(err), "error", err)
	}
}

func (l *Loader) emit(r *run, p Progress) {
	l.mu.Lock()
	if l.current != r {
		// Superseded rendering: its subscribers already moved on.
		l.mu.Unlock()
		return
	}
	fns := append(([]func(Progress))(nil), l.onProg...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// CancelledError marks a user-initiated abort. Not a failure: UI must not
// show error chrome for navigation away.
type CancelledError struct {
	RenderingID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("loader: rendering cancelled: %s", e.RenderingID)
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

// Classification buckets load-level errors for the UI.
type Classification string

const (
	ClassTransient        Classification = "transient"
	ClassNotFound         Classification = "not_found"
	ClassPermissionDenied Classification = "permission_denied"
	ClassConversionEmpty  Classification = "conversion_empty"
	ClassCancelled        Classification = "cancelled"
	ClassInternal         Classification = "internal"
)

// Classify maps an error to its UI-facing classification.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return ""
	case IsCancelled(err):
		return ClassCancelled
	case errors.Is(err, engine.ErrNoPages):
		return ClassConversionEmpty
	}
	var nf *engine.NotFoundError
	if errors.As(err, &nf) {
		return ClassNotFound
	}
	var pe *engine.PermissionError
	if errors.As(err, &pe) {
		return ClassPermissionDenied
	}
	if engine.IsTransient(err) {
		return ClassTransient
	}
	return ClassInternal
}
