// Package browserviz is the browser-backed VisibilityProvider: it injects an
// IntersectionObserver into the page displaying the document and converts
// its callbacks, received over a CDP Runtime binding, into viewport
// VisibilityEvents.
package browserviz

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/foliolab/folio/viewport"
)

//go:embed observe.js
var observeJS []byte

const bindingName = "__folio_visibility"

// Config configures the provider.
type Config struct {
	// Page is the attached browser page displaying the document.
	Page *rod.Page
	// Selector matches page container elements carrying a data-folio-page
	// attribute. Default: "[data-folio-page]".
	Selector string
	// Thresholds are the intersection ratios at which the observer fires.
	// Default: 0, 0.1, 0.25, 0.5, 0.75, 1.
	Thresholds []float64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Selector == "" {
		c.Selector = "[data-folio-page]"
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = []float64{0, 0.1, 0.25, 0.5, 0.75, 1}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Provider implements viewport.Provider against a live browser page.
type Provider struct {
	cfg Config
}

// New creates a Provider. Observe injects the observer script; the page must
// already have its page containers mounted.
func New(cfg Config) *Provider {
	cfg.defaults()
	return &Provider{cfg: cfg}
}

// Observe sets up the binding, injects the IntersectionObserver, and streams
// events until ctx is cancelled.
func (p *Provider) Observe(ctx context.Context, pageCount int) (<-chan viewport.VisibilityEvent, error) {
	page := p.cfg.Page
	log := p.cfg.Logger

	if err := (proto.RuntimeAddBinding{Name: bindingName}.Call(page)); err != nil {
		log.Warn("browserviz: addBinding failed (may already exist)", "error", err)
	}

	thresholds, _ := json.Marshal(p.cfg.Thresholds)
	setup := fmt.Sprintf("window.__folio_thresholds = %s; window.__folio_selector = %q;",
		thresholds, p.cfg.Selector)
	if _, err := page.Eval(setup); err != nil {
		return nil, fmt.Errorf("browserviz: set observer options: %w", err)
	}
	if _, err := page.Eval(string(observeJS)); err != nil {
		return nil, fmt.Errorf("browserviz: inject observer: %w", err)
	}

	ch := make(chan viewport.VisibilityEvent, 256)
	go func() {
		defer close(ch)
		page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			var batch []struct {
				Page  int     `json:"page"`
				Ratio float64 `json:"ratio"`
			}
			if err := json.Unmarshal([]byte(e.Payload), &batch); err != nil {
				log.Warn("browserviz: parse binding payload", "error", err)
				return
			}
			for _, rec := range batch {
				if rec.Page < 1 || rec.Page > pageCount {
					continue
				}
				select {
				case ch <- viewport.VisibilityEvent{PageNumber: rec.Page, IntersectionRatio: rec.Ratio}:
				case <-ctx.Done():
					return
				}
			}
		})()
	}()

	log.Debug("browserviz: observer injected", "selector", p.cfg.Selector, "pages", pageCount)
	return ch, nil
}
