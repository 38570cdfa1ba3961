package viewport

import (
	"context"
	"sync"
)

// ManualProvider is the headless VisibilityProvider: tests and non-browser
// hosts drive it by calling Emit with simulated intersection ratios.
type ManualProvider struct {
	mu     sync.Mutex
	ch     chan VisibilityEvent
	closed bool
}

// NewManualProvider creates an idle provider. Observe must be called before
// Emit delivers anywhere.
func NewManualProvider() *ManualProvider {
	return &ManualProvider{}
}

// Observe starts the event stream. Only one observation at a time is
// supported; a second call supersedes the first stream.
func (m *ManualProvider) Observe(ctx context.Context, pageCount int) (<-chan VisibilityEvent, error) {
	m.mu.Lock()
	if m.ch != nil && !m.closed {
		close(m.ch)
	}
	ch := make(chan VisibilityEvent, 64)
	m.ch = ch
	m.closed = false
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.ch == ch && !m.closed {
			close(ch)
			m.closed = true
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// Emit delivers one simulated visibility event. It is a no-op when nothing
// observes the provider.
func (m *ManualProvider) Emit(pageNumber int, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil || m.closed {
		return
	}
	m.ch <- VisibilityEvent{PageNumber: pageNumber, IntersectionRatio: ratio}
}
