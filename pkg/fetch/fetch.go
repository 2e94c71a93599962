// Package fetch provides the transports behind the resource registry.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/registry"
)

// maxBodyBytes caps a single widget script.
const maxBodyBytes = 4 << 20

// HTTPFetcher loads widget scripts over HTTP(S).
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewHTTPFetcher creates an HTTP fetcher. A nil client uses one with a 10s
// timeout.
func NewHTTPFetcher(client *http.Client, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{client: client, userAgent: "adorn/1.0", logger: logger}
}

// Fetch performs a GET on the descriptor's location. Any non-2xx status is a
// failure.
func (h *HTTPFetcher) Fetch(ctx context.Context, desc registry.Descriptor) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Source(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/javascript, text/javascript, */*;q=0.1")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, desc.Source())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxBodyBytes)
	}

	h.logger.Debug("Fetched script over HTTP",
		zap.String("location", desc.Source()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))
	return body, nil
}

// StaticFetcher serves scripts from memory, keyed by location.
type StaticFetcher struct {
	mu      sync.RWMutex
	scripts map[string][]byte
}

// NewStaticFetcher creates a fetcher over scripts.
func NewStaticFetcher(scripts map[string]string) *StaticFetcher {
	s := &StaticFetcher{scripts: make(map[string][]byte, len(scripts))}
	for k, v := range scripts {
		s.scripts[k] = []byte(v)
	}
	return s
}

// Put adds or replaces a script.
func (s *StaticFetcher) Put(location, script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[location] = []byte(script)
}

// Fetch implements registry.Fetcher.
func (s *StaticFetcher) Fetch(ctx context.Context, desc registry.Descriptor) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	body, ok := s.scripts[desc.Source()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no static script for %q", desc.Source())
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Router dispatches on the location scheme.
type Router struct {
	routes   map[string]registry.Fetcher
	fallback registry.Fetcher
}

// NewRouter creates a router. fallback serves schemes with no route and may
// be nil.
func NewRouter(fallback registry.Fetcher) *Router {
	return &Router{routes: make(map[string]registry.Fetcher), fallback: fallback}
}

// Handle routes scheme (without "://") to f.
func (r *Router) Handle(scheme string, f registry.Fetcher) *Router {
	r.routes[strings.ToLower(scheme)] = f
	return r
}

// Fetch implements registry.Fetcher.
func (r *Router) Fetch(ctx context.Context, desc registry.Descriptor) ([]byte, error) {
	scheme := Scheme(desc.Source())
	if f, ok := r.routes[scheme]; ok {
		return f.Fetch(ctx, desc)
	}
	if r.fallback != nil {
		return r.fallback.Fetch(ctx, desc)
	}
	return nil, fmt.Errorf("no fetcher for scheme %q", scheme)
}

// Scheme returns the lower-cased scheme of location, or "" if none.
func Scheme(location string) string {
	idx := strings.Index(location, "://")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(location[:idx])
}
