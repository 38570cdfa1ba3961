package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foliolab/folio/pagestore"
	"github.com/foliolab/folio/safeurl"
)

// Config configures the HTTP engine client.
type Config struct {
	// BaseURL of the metadata API, without trailing slash.
	BaseURL string
	// Timeout per HTTP call. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps metadata response bodies. Default: 10MB.
	MaxBytes int64
	// MaxImageBytes caps page image bodies. Default: safeurl.MaxResponseBody.
	MaxImageBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: safeurl.Validate.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = safeurl.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "folio/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.Validate
	}
}

// Client implements MetadataAPI, Converter, and ImageSource over HTTP.
type Client struct {
	http   *http.Client
	config Config
}

// NewClient creates a Client with SSRF protection on redirects.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// pageListResponse is the wire shape of the metadata API.
type pageListResponse struct {
	OK    bool                 `json:"ok"`
	Pages []pagestore.PageData `json:"pages"`
}

// Pages fetches the ordered page list for a document.
// GET {base}/documents/{id}/pages
func (c *Client) Pages(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	if err := safeurl.ValidateIdentifier(documentID); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/documents/%s/pages", c.config.BaseURL, documentID)
	return c.fetchPageList(ctx, http.MethodGet, url, documentID, "fetch pages")
}

// Convert triggers conversion of an unconverted document and returns the
// freshly produced page list.
// POST {base}/documents/{id}/convert
func (c *Client) Convert(ctx context.Context, documentID string) ([]pagestore.PageData, error) {
	if err := safeurl.ValidateIdentifier(documentID); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/documents/%s/convert", c.config.BaseURL, documentID)
	return c.fetchPageList(ctx, http.MethodPost, url, documentID, "convert")
}

func (c *Client) fetchPageList(ctx context.Context, method, url, documentID, op string) ([]pagestore.PageData, error) {
	if err := c.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("URL blocked (SSRF): %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, documentID, op); err != nil {
		return nil, err
	}

	body, err := safeurl.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out pageListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode page list: %w", err)
	}
	// An empty list with ok means "not converted yet"; callers decide
	// whether to trigger conversion. A non-ok body is a server bug.
	if !out.OK {
		return nil, &TransientError{Op: op, Cause: fmt.Errorf("response not ok")}
	}
	return out.Pages, nil
}

// FetchImage retrieves one page image. A 403 on an image URL is treated as a
// rejected signed URL (ExpiredURLError), not a document permission failure;
// the document-level 403 would already have surfaced at metadata time.
func (c *Client) FetchImage(ctx context.Context, url string) ([]byte, error) {
	if err := c.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("URL blocked (SSRF): %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "fetch image", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, &ExpiredURLError{URL: url}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ExpiredURLError{URL: url}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Op: "fetch image", StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("engine: fetch image: http %d", resp.StatusCode)
	}

	return safeurl.LimitedReadAll(resp.Body, c.config.MaxImageBytes)
}

func classifyStatus(code int, documentID, op string) error {
	switch {
	case code == http.StatusNotFound:
		return &NotFoundError{DocumentID: documentID}
	case code == http.StatusForbidden:
		return &PermissionError{DocumentID: documentID}
	case code >= 500:
		return &TransientError{Op: op, StatusCode: code}
	case code != http.StatusOK:
		return fmt.Errorf("engine: %s: http %d", op, code)
	}
	return nil
}
