// Package engine defines the external document collaborators the pipeline
// talks to: the page metadata API, the conversion trigger, and the signed
// image source. An HTTP implementation and a local pdfcpu-backed one follow.
//
// The pipeline never parses PDFs itself: an engine yields page image URLs
// and intrinsic dimensions, and everything downstream works on those.
package engine

import (
	"context"

	"github.com/foliolab/folio/pagestore"
)

// MetadataAPI returns the ordered page list for a document. An empty list
// with a nil error means the document has not been converted yet; callers
// are expected to trigger conversion via a Converter.
type MetadataAPI interface {
	Pages(ctx context.Context, documentID string) ([]pagestore.PageData, error)
}

// Converter produces a fresh page list for an unconverted document.
type Converter interface {
	Convert(ctx context.Context, documentID string) ([]pagestore.PageData, error)
}

// ImageSource fetches the raw bytes of one page image. Implementations map a
// rejected signed URL to *ExpiredURLError so the caller can refresh metadata
// exactly once.
type ImageSource interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}
