package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/foliolab/folio/pagestore"
	"github.com/foliolab/folio/safeurl"
)

// Local is a conversion engine for self-hosted documents: it reads page
// count and dimensions straight from a PDF on disk and emits a page list
// whose image URLs point at the folio server's own page endpoints. It
// implements both MetadataAPI and Converter; for local files the two
// collaborators collapse into one.
type Local struct {
	// Dir holds source PDFs, one per document: {Dir}/{documentID}.pdf.
	Dir string
	// BaseURL is the public prefix for page image URLs, without trailing
	// slash, e.g. "http://localhost:8090".
	BaseURL string
}

// Pages returns the page list for a document. For the local engine
// conversion is implicit, so Pages and Convert behave the same.
func (l *Local) Pages(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	return l.convert(ctx, documentID)
}

// Convert reads the source PDF and produces the page list.
func (l *Local) Convert(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	return l.convert(ctx, documentID)
}

func (l *Local) convert(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	if err := safeurl.ValidateIdentifier(documentID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(l.Dir, documentID+".pdf")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{DocumentID: documentID}
		}
		return nil, fmt.Errorf("engine: stat %s: %w", path, err)
	}

	count, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: pdfcpu page count: %w", err)
	}
	dims, err := api.PageDimsFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: pdfcpu page dims: %w", err)
	}

	pages := make([]pagestore.PageData, 0, count)
	for n := 1; n <= count; n++ {
		// US Letter fallback when the page inherits its media box.
		w, h := 612.0, 792.0
		if n <= len(dims) {
			w, h = dims[n-1].Width, dims[n-1].Height
		}
		pages = append(pages, pagestore.PageData{
			PageNumber: n,
			ImageURL:   fmt.Sprintf("%s/documents/%s/source/%d.png", l.BaseURL, documentID, n),
			Width:      w,
			Height:     h,
		})
	}
	return pages, nil
}
