package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/ratelimit"
	"github.com/quillscan/quillscan/pkg/logger"
)

func newMistral(t *testing.T, handler http.HandlerFunc) (*MistralProvider, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New("mistral", logger.NewTestLogger())
	p := NewMistralProvider(&config.MistralConfig{
		APIKey:       "test-key",
		Endpoint:     srv.URL,
		Model:        "mistral-ocr-latest",
		DirectPDF:    true,
		MaxPDFSizeMB: 10,
		MaxPDFPages:  100,
	}, 2, time.Millisecond, limiter, logger.NewTestLogger())
	return p, limiter
}

func mistralPages(markdowns ...string) map[string]any {
	pages := make([]map[string]any, 0, len(markdowns))
	for i, md := range markdowns {
		pages = append(pages, map[string]any{"index": i, "markdown": md})
	}
	return map[string]any{"model": "mistral-ocr-latest", "pages": pages}
}

func TestMistralProcessImage(t *testing.T) {
	var gotReq mistralOCRRequest
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(mistralPages("recognized text"))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{FileType: "image/png", PageNumber: 1, TotalPages: 2})
	require.NoError(t, err)

	assert.Equal(t, "recognized text", result.Text)
	assert.Equal(t, "mistral-ocr-latest", gotReq.Model)
	assert.Equal(t, "image_url", gotReq.Document.Type)
	assert.True(t, strings.HasPrefix(gotReq.Document.ImageURL, "data:image/png;base64,"))
}

func TestMistralStripsMarkdownArtifacts(t *testing.T) {
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mistralPages(
			"intro ![figure](img-0.jpeg) outro",
			"inline \\(x+y\\) and block $$ z $$",
		))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	require.NoError(t, err)
	assert.Equal(t, "intro  outro\n\ninline x+y and block  z", result.Text)
}

func TestMistralTooManyRequestsOpensLimiter(t *testing.T) {
	p, limiter := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	rle, ok := models.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 42, rle.RetryAfter)
	assert.True(t, limiter.Limited())
}

func TestMistralRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(mistralPages("eventually fine"))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	require.NoError(t, err)
	assert.Equal(t, "eventually fine", result.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMistralGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	})

	_, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	// maxRetries 2 means one initial try plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestMistralRetriesBadRequestExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient 400", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(mistralPages("second time lucky"))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", result.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMistralPersistentBadRequestFails(t *testing.T) {
	var calls atomic.Int32
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad document", http.StatusBadRequest)
	})

	_, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMistralCanProcessPDFDirectly(t *testing.T) {
	p, _ := newMistral(t, func(w http.ResponseWriter, r *http.Request) {})

	assert.True(t, p.CanProcessPDFDirectly(1024, 10))
	assert.False(t, p.CanProcessPDFDirectly(11*1024*1024, 10), "over the size cap")
	assert.False(t, p.CanProcessPDFDirectly(1024, 101), "over the page cap")
	assert.True(t, p.CanProcessPDFDirectly(1024, 0), "unknown page count relies on the size cap")

	p.directPDF = false
	assert.False(t, p.CanProcessPDFDirectly(1024, 10))
}

func TestMistralProcessPDFDirectly(t *testing.T) {
	var ocrReq mistralOCRRequest
	var signedURL string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	signedURL = srv.URL + "/signed/document.pdf"

	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ocr", r.FormValue("purpose"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "document.pdf", header.Filename)

		json.NewEncoder(w).Encode(map[string]any{"id": "file-123"})
	})
	mux.HandleFunc("/v1/files/file-123/url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"url": signedURL})
	})
	mux.HandleFunc("/v1/ocr", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ocrReq))
		json.NewEncoder(w).Encode(mistralPages("page one", "page two"))
	})

	limiter := ratelimit.New("mistral", logger.NewTestLogger())
	p := NewMistralProvider(&config.MistralConfig{
		APIKey:       "test-key",
		Endpoint:     srv.URL,
		Model:        "mistral-ocr-latest",
		DirectPDF:    true,
		MaxPDFSizeMB: 10,
		MaxPDFPages:  100,
	}, 2, time.Millisecond, limiter, logger.NewTestLogger())

	result, err := p.ProcessPDFDirectly(context.Background(), []byte("%PDF-fake"))
	require.NoError(t, err)

	assert.Equal(t, "page one\n\npage two", result.Text)
	assert.Equal(t, "document_url", ocrReq.Document.Type)
	assert.Equal(t, signedURL, ocrReq.Document.DocumentURL)
}

func TestCleanMarkdown(t *testing.T) {
	assert.Equal(t, "plain", cleanMarkdown("plain"))
	assert.Equal(t, "before  after", cleanMarkdown("before ![alt text](image.png) after"))
	assert.Equal(t, "x+1", cleanMarkdown(`\(x+1\)`))
	assert.Equal(t, "E=mc^2", cleanMarkdown("$$E=mc^2$$"))
	assert.Equal(t, "", cleanMarkdown("![only](an-image.jpeg)"))
}
