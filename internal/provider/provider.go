package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillscan/quillscan/internal/models"
)

// PageInfo tags a recognition call with its position in the owning document
// so providers can stamp results correctly.
type PageInfo struct {
	FileType   string // mime type of the submitted image
	PageNumber int    // 1-based; 0 means single-image document
	TotalPages int
}

// Provider normalizes one external recognition backend into a uniform
// contract. Fatal errors propagate as errors with a readable message;
// retryable errors are resolved inside the provider before returning.
type Provider interface {
	Name() string
	ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error)
}

// DirectPDFProvider is implemented by providers that accept whole documents
// in a single call.
type DirectPDFProvider interface {
	Provider
	CanProcessPDFDirectly(sizeBytes int64, pageCount int) bool
	ProcessPDFDirectly(ctx context.Context, pdfData []byte) (*models.OCRResult, error)
}

// Registry maps provider identifiers to instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds (or replaces) a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks a provider up by identifier.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Names lists registered provider identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newResult stamps a fresh result with id, page position and elapsed time.
func newResult(info PageInfo, text string, confidence float64, language string, started time.Time) *models.OCRResult {
	page := info.PageNumber
	if page == 0 {
		page = 1
	}
	total := info.TotalPages
	if total == 0 {
		total = 1
	}
	return &models.OCRResult{
		ID:           uuid.New().String(),
		PageNumber:   page,
		TotalPages:   total,
		Text:         text,
		Confidence:   confidence,
		Language:     language,
		ProcessingMs: time.Since(started).Milliseconds(),
	}
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(resp *http.Response, fallback int) int {
	if resp == nil {
		return fallback
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

// truncate bounds provider error bodies for messages and logs.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
