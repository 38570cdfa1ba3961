// Package httpmw provides the HTTP middleware stack for the folio server:
// per-request IDs with structured loggers, security headers, body limits and
// in-memory rate limiting.
package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type contextKey string

const (
	requestIDKey contextKey = "folio.request_id"
	loggerKey    contextKey = "folio.logger"
)

// RequestID assigns a random ID to each request and injects it into the
// context, the X-Request-ID response header, and a per-request slog logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := make([]byte, 4)
		rand.Read(raw)
		id := hex.EncodeToString(raw)

		w.Header().Set("X-Request-ID", id)
		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		logger.Info("request")

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID, or "" when none was assigned.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GetLogger retrieves the per-request logger. Falls back to slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// HeaderConfig defines the security headers applied to every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// DefaultHeaders returns the standard folio header configuration. The CSP
// admits remote page images since rendered documents reference signed image
// URLs on external hosts.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'self'; img-src 'self' data: https:; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "strict-origin-when-cross-origin",
	}
}

// SecurityHeaders returns middleware setting the configured headers on every
// response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.XContentTypeOptions != "" {
				w.Header().Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.XFrameOptions != "" {
				w.Header().Set("X-Frame-Options", cfg.XFrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CSP != "" {
				w.Header().Set("Content-Security-Policy", cfg.CSP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxJSONBody limits the request body size for JSON POST and PUT requests.
// Other methods and content types pass through untouched.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if (r.Method == http.MethodPost || r.Method == http.MethodPut) &&
				strings.HasPrefix(ct, "application/json") {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit is one endpoint prefix's limit.
type RateLimit struct {
	PathPrefix    string
	MaxRequests   int
	WindowSeconds int
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP, per-prefix request limits from a static rule
// set. Expired buckets are garbage collected in the background.
type RateLimiter struct {
	rules   []RateLimit
	buckets sync.Map
}

// NewRateLimiter creates a limiter. Rules are matched in order; the first
// prefix match wins. Call StartGC to reclaim expired buckets.
func NewRateLimiter(rules []RateLimit) *RateLimiter {
	return &RateLimiter{rules: rules}
}

// StartGC reclaims expired buckets every 5 minutes until done closes.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	go func() {
		tick := time.NewTicker(5 * time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				now := time.Now()
				rl.buckets.Range(func(key, value any) bool {
					b := value.(*bucket)
					b.mu.Lock()
					expired := now.After(b.resetAt)
					b.mu.Unlock()
					if expired {
						rl.buckets.Delete(key)
					}
					return true
				})
			}
		}
	}()
}

func (rl *RateLimiter) rule(path string) (RateLimit, bool) {
	for _, r := range rl.rules {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return RateLimit{}, false
}

func (rl *RateLimiter) allow(ip, path string) bool {
	cfg, ok := rl.rule(path)
	if !ok || cfg.MaxRequests <= 0 {
		return true
	}

	key := ip + ":" + cfg.PathPrefix
	now := time.Now()
	window := time.Duration(cfg.WindowSeconds) * time.Second

	val, loaded := rl.buckets.LoadOrStore(key, &bucket{count: 1, resetAt: now.Add(window)})
	if !loaded {
		return true
	}
	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(window)
		return true
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

// Middleware enforces the limits with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ExtractIP(r), r.URL.Path) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractIP returns the client IP, honoring X-Forwarded-For's first hop.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
