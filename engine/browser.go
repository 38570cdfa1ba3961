package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/foliolab/folio/safeurl"
)

var sourceImagePath = regexp.MustCompile(`/documents/([^/]+)/source/(\d+)\.png$`)

// BrowserImager produces page images for locally hosted PDFs by loading them
// in headless Chrome's PDF viewer and screenshotting. It backs the source
// image endpoints that Local points its page URLs at, and doubles as an
// ImageSource so local documents never round-trip through HTTP.
type BrowserImager struct {
	// Dir holds source PDFs, one per document, mirroring Local.Dir.
	Dir string
	// Browser is a connected Rod handle.
	Browser *rod.Browser
	// SettleTimeout bounds the wait for the PDF viewer to finish painting.
	// Default: 10s.
	SettleTimeout time.Duration

	mu    sync.Mutex
	cache map[string][]byte
}

// FetchImage resolves a source image URL of the form
// .../documents/{id}/source/{n}.png to rendered PNG bytes.
func (b *BrowserImager) FetchImage(ctx context.Context, url string) ([]byte, error) {
	m := sourceImagePath.FindStringSubmatch(url)
	if m == nil {
		return nil, fmt.Errorf("engine: not a source image url: %s", url)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("engine: bad page number in url: %s", url)
	}
	return b.PageImage(ctx, m[1], n)
}

// PageImage renders page n of the document's source PDF to PNG bytes.
// Results are cached per (document, page); source PDFs are treated as
// immutable for the process lifetime.
func (b *BrowserImager) PageImage(ctx context.Context, documentID string, pageNumber int) ([]byte, error) {
	if err := safeurl.ValidateIdentifier(documentID); err != nil {
		return nil, err
	}
	cacheKey := fmt.Sprintf("%s/%d", documentID, pageNumber)
	b.mu.Lock()
	if png, ok := b.cache[cacheKey]; ok {
		b.mu.Unlock()
		return png, nil
	}
	b.mu.Unlock()

	abs, err := filepath.Abs(filepath.Join(b.Dir, documentID+".pdf"))
	if err != nil {
		return nil, fmt.Errorf("engine: resolve pdf path: %w", err)
	}
	viewerURL := fmt.Sprintf("file://%s#page=%d&toolbar=0&view=Fit", abs, pageNumber)

	page, err := b.Browser.Page(proto.TargetCreateTarget{URL: viewerURL})
	if err != nil {
		return nil, fmt.Errorf("engine: open pdf viewer: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("engine: pdf viewer load: %w", err)
	}
	settle := b.SettleTimeout
	if settle <= 0 {
		settle = 10 * time.Second
	}
	if err := page.WaitIdle(settle); err != nil {
		return nil, fmt.Errorf("engine: pdf viewer settle: %w", err)
	}

	png, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: screenshot page %d of %s: %w", pageNumber, documentID, err)
	}

	b.mu.Lock()
	if b.cache == nil {
		b.cache = make(map[string][]byte)
	}
	b.cache[cacheKey] = png
	b.mu.Unlock()
	return png, nil
}
