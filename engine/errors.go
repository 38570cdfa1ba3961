package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoPages is surfaced when the conversion path still yields an empty page
// list. The message is what the UI displays verbatim.
var ErrNoPages = errors.New("No pages were generated.")

// TransientError marks a failure that is expected to recover on retry:
// timeouts, connection resets, 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int // 0 when the failure was not an HTTP status
	Cause      error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine: %s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NotFoundError is returned for deleted or never-existing documents (404).
// Never retried.
type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("engine: document not found: %s", e.DocumentID)
}

// PermissionError is returned when access is denied (403). Never retried.
type PermissionError struct {
	DocumentID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("engine: access denied: %s", e.DocumentID)
}

// ExpiredURLError is returned when a signed page-image URL has been rejected,
// typically because its signature expired. Eligible for exactly one refresh
// via a fresh metadata fetch.
type ExpiredURLError struct {
	URL string
}

func (e *ExpiredURLError) Error() string {
	return fmt.Sprintf("engine: signed URL rejected: %s", e.URL)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
