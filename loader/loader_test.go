package loader_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/loader"
	"github.com/foliolab/folio/pagestore"
)

func threePages() []pagestore.PageData {
	return []pagestore.PageData{
		{PageNumber: 1, ImageURL: "https://img.example.com/1.png", Width: 612, Height: 792},
		{PageNumber: 2, ImageURL: "https://img.example.com/2.png", Width: 612, Height: 792},
		{PageNumber: 3, ImageURL: "https://img.example.com/3.png", Width: 612, Height: 792},
	}
}

// fakeAPI replays a scripted sequence of responses, repeating the last one.
type fakeAPI struct {
	mu       sync.Mutex
	script   []fakeReply
	calls    int
	converts int
	convert  fakeReply
	block    chan struct{}
}

type fakeReply struct {
	pages []pagestore.PageData
	err   error
}

func (f *fakeAPI) Pages(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	reply := f.script[i]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reply.pages, reply.err
}

func (f *fakeAPI) Convert(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	f.mu.Lock()
	f.converts++
	reply := f.convert
	f.mu.Unlock()
	return reply.pages, reply.err
}

func (f *fakeAPI) pagesCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAPI) convertCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.converts
}

func newLoader(t *testing.T, api *fakeAPI) *loader.Loader {
	t.Helper()
	return loader.New(loader.Config{
		API:        api,
		Converter:  api,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	})
}

func TestLoadComplete(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{{pages: threePages()}}}
	l := newLoader(t, api)

	var got []loader.Progress
	l.OnProgressUpdate(func(p loader.Progress) { got = append(got, p) })

	res, err := l.Load(context.Background(), "https://docs.example.com/report.pdf")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.DocumentID != "report" {
		t.Fatalf("document id = %q, want report", res.DocumentID)
	}
	if res.Store.Len() != 3 {
		t.Fatalf("pages = %d, want 3", res.Store.Len())
	}
	if res.RenderingID == "" {
		t.Fatal("rendering id is empty")
	}
	if l.State() != loader.StateComplete {
		t.Fatalf("state = %v, want complete", l.State())
	}

	if len(got) < 2 {
		t.Fatalf("progress updates = %d, want at least 2", len(got))
	}
	first, last := got[0], got[len(got)-1]
	if first.Status != loader.StatusLoading {
		t.Fatalf("first status = %q, want loading", first.Status)
	}
	if last.Status != loader.StatusComplete || last.Percentage != 100 || last.Loaded != 3 || last.Total != 3 {
		t.Fatalf("final progress = %+v, want complete 3/3 at 100%%", last)
	}
}

func TestLoadRetriesTransientThenCompletes(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{
		{err: &engine.TransientError{Op: "pages", StatusCode: 500}},
		{err: &engine.TransientError{Op: "pages", StatusCode: 500}},
		{pages: threePages()},
	}}
	l := newLoader(t, api)

	var last loader.Progress
	l.OnProgressUpdate(func(p loader.Progress) { last = p })

	res, err := l.Load(context.Background(), "https://docs.example.com/flaky.pdf")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Store.Len() != 3 {
		t.Fatalf("pages = %d, want 3", res.Store.Len())
	}
	if l.State() != loader.StateComplete {
		t.Fatalf("state = %v, want complete", l.State())
	}
	if got := l.Retries(); got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
	if last.Percentage != 100 {
		t.Fatalf("final percentage = %v, want 100", last.Percentage)
	}
}

func TestLoadPermissionDeniedIsNotRetried(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{
		{err: &engine.PermissionError{DocumentID: "secret"}},
	}}
	l := newLoader(t, api)

	_, err := l.Load(context.Background(), "https://docs.example.com/secret.pdf")
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *engine.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PermissionError", err)
	}
	if got := l.Retries(); got != 0 {
		t.Fatalf("retries = %d, want 0", got)
	}
	if got := api.pagesCalls(); got != 1 {
		t.Fatalf("fetch attempts = %d, want 1", got)
	}
	if l.State() != loader.StateFailed {
		t.Fatalf("state = %v, want failed", l.State())
	}
	if c := loader.Classify(err); c != loader.ClassPermissionDenied {
		t.Fatalf("classification = %q, want permission_denied", c)
	}
}

func TestLoadNotFoundIsNotRetried(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{
		{err: &engine.NotFoundError{DocumentID: "gone"}},
	}}
	l := newLoader(t, api)

	_, err := l.Load(context.Background(), "https://docs.example.com/gone.pdf")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := api.pagesCalls(); got != 1 {
		t.Fatalf("fetch attempts = %d, want 1", got)
	}
	if c := loader.Classify(err); c != loader.ClassNotFound {
		t.Fatalf("classification = %q, want not_found", c)
	}
}

func TestLoadEmptyTriggersSingleConversion(t *testing.T) {
	api := &fakeAPI{
		script:  []fakeReply{{pages: nil}},
		convert: fakeReply{pages: threePages()},
	}
	l := newLoader(t, api)

	res, err := l.Load(context.Background(), "https://docs.example.com/fresh.docx")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Store.Len() != 3 {
		t.Fatalf("pages = %d, want 3", res.Store.Len())
	}
	if got := api.convertCalls(); got != 1 {
		t.Fatalf("conversion calls = %d, want 1", got)
	}
}

func TestLoadConversionStillEmptyFails(t *testing.T) {
	api := &fakeAPI{
		script:  []fakeReply{{pages: nil}},
		convert: fakeReply{pages: nil},
	}
	l := newLoader(t, api)

	_, err := l.Load(context.Background(), "https://docs.example.com/blank.docx")
	if !errors.Is(err, engine.ErrNoPages) {
		t.Fatalf("error = %v, want ErrNoPages", err)
	}
	if err.Error() != "No pages were generated." {
		t.Fatalf("message = %q", err.Error())
	}
	if got := api.convertCalls(); got != 1 {
		t.Fatalf("conversion calls = %d, want 1", got)
	}
	if c := loader.Classify(err); c != loader.ClassConversionEmpty {
		t.Fatalf("classification = %q, want conversion_empty", c)
	}
	if l.State() != loader.StateFailed {
		t.Fatalf("state = %v, want failed", l.State())
	}
}

func TestLoadSameURLDoesNotRefetch(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{{pages: threePages()}}}
	l := newLoader(t, api)

	first, err := l.Load(context.Background(), "https://docs.example.com/report.pdf")
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := l.Load(context.Background(), "https://docs.example.com/report.pdf")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if second != first {
		t.Fatal("re-invocation with the same URL rebuilt the result")
	}
	if got := api.pagesCalls(); got != 1 {
		t.Fatalf("fetch attempts = %d, want 1", got)
	}
	if got := l.FetchSequences(); got != 1 {
		t.Fatalf("fetch sequences = %d, want 1", got)
	}
}

func TestLoadNewURLRebuilds(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{{pages: threePages()}}}
	l := newLoader(t, api)

	if _, err := l.Load(context.Background(), "https://docs.example.com/a.pdf"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	res, err := l.Load(context.Background(), "https://docs.example.com/b.pdf")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if res.DocumentID != "b" {
		t.Fatalf("document id = %q, want b", res.DocumentID)
	}
	if got := l.FetchSequences(); got != 2 {
		t.Fatalf("fetch sequences = %d, want 2", got)
	}
}

func TestForceRetryResetsRetryCounter(t *testing.T) {
	api := &fakeAPI{script: []fakeReply{
		{err: &engine.TransientError{Op: "pages", StatusCode: 503}},
		{err: &engine.TransientError{Op: "pages", StatusCode: 503}},
		{err: &engine.TransientError{Op: "pages", StatusCode: 503}},
		{err: &engine.TransientError{Op: "pages", StatusCode: 503}},
		{pages: threePages()},
	}}
	l := newLoader(t, api)

	if _, err := l.Load(context.Background(), "https://docs.example.com/slow.pdf"); err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if l.State() != loader.StateFailed {
		t.Fatalf("state = %v, want failed", l.State())
	}

	res, err := l.ForceRetry(context.Background())
	if err != nil {
		t.Fatalf("ForceRetry: %v", err)
	}
	if res.Store.Len() != 3 {
		t.Fatalf("pages = %d, want 3", res.Store.Len())
	}
	if got := l.Retries(); got != 0 {
		t.Fatalf("retries after reset = %d, want 0", got)
	}
	if l.State() != loader.StateComplete {
		t.Fatalf("state = %v, want complete", l.State())
	}
}

func TestCancelRenderingStopsProgress(t *testing.T) {
	block := make(chan struct{})
	api := &fakeAPI{
		script: []fakeReply{{pages: threePages()}},
		block:  block,
	}
	l := loader.New(loader.Config{API: api, Backoff: time.Millisecond})

	var mu sync.Mutex
	var updates []loader.Progress
	l.OnProgressUpdate(func(p loader.Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})

	done := make(chan struct{})
	var loadErr error
	go func() {
		defer close(done)
		_, loadErr = l.Load(context.Background(), "https://docs.example.com/abort.pdf")
	}()

	// Wait for the fetch to block, then abort the in-flight run.
	deadline := time.After(2 * time.Second)
	for l.State() != loader.StateLoading {
		select {
		case <-deadline:
			t.Fatal("loader never entered loading state")
		case <-time.After(time.Millisecond):
		}
	}
	l.CancelRendering(l.RenderingID())
	close(block)
	<-done

	if loadErr == nil {
		t.Fatal("expected cancelled load to error")
	}
	if !loader.IsCancelled(loadErr) {
		t.Fatalf("error = %v, want cancellation", loadErr)
	}
	if c := loader.Classify(loadErr); c != loader.ClassCancelled {
		t.Fatalf("classification = %q, want cancelled", c)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, p := range updates {
		if p.Status == loader.StatusError || p.Status == loader.StatusComplete {
			t.Fatalf("cancelled rendering emitted terminal progress %+v", p)
		}
	}
}
