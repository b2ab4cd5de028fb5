package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/ratelimit"
	"github.com/quillscan/quillscan/pkg/logger"
)

func newMicrosoft(t *testing.T, language string, handler http.HandlerFunc) (*MicrosoftProvider, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New("microsoft", logger.NewTestLogger())
	p := NewMicrosoftProvider(&config.MicrosoftConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Language: language,
	}, limiter, logger.NewTestLogger())
	return p, limiter
}

func msResponse(language string, lines ...[]string) map[string]any {
	jsonLines := make([]map[string]any, 0, len(lines))
	for _, words := range lines {
		jsonWords := make([]map[string]any, 0, len(words))
		for _, w := range words {
			jsonWords = append(jsonWords, map[string]any{"text": w})
		}
		jsonLines = append(jsonLines, map[string]any{"words": jsonWords})
	}
	return map[string]any{
		"language": language,
		"regions":  []map[string]any{{"lines": jsonLines}},
	}
}

func TestMicrosoftProcessImage(t *testing.T) {
	p, _ := newMicrosoft(t, "en", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vision/v3.2/ocr", r.URL.Path)
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		assert.Equal(t, "test-key", r.Header.Get("Ocp-Apim-Subscription-Key"))

		json.NewEncoder(w).Encode(msResponse("en",
			[]string{"hello", "world"},
			[]string{"second", "line"},
		))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{PageNumber: 2, TotalPages: 4})
	require.NoError(t, err)

	assert.Equal(t, "hello world\nsecond line", result.Text)
	assert.Equal(t, "en", result.Language)
	assert.Equal(t, 2, result.PageNumber)
}

func TestMicrosoftReversesRTLWordOrder(t *testing.T) {
	p, _ := newMicrosoft(t, "ar", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(msResponse("ar", []string{"c", "b", "a"}))
	})

	result, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	require.NoError(t, err)
	assert.Equal(t, "a b c", result.Text)
}

func TestMicrosoftTooManyRequestsOpensLimiter(t *testing.T) {
	p, limiter := newMicrosoft(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	require.Error(t, err)

	rle, ok := models.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, "microsoft", rle.Provider)
	assert.Equal(t, 17, rle.RetryAfter)
	assert.True(t, limiter.Limited())
}

func TestMicrosoftWaitsOnOpenLimiter(t *testing.T) {
	p, limiter := newMicrosoft(t, "", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(msResponse("en"))
	})
	limiter.Set(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.ProcessImage(ctx, []byte("img"), PageInfo{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMicrosoftServerErrorIsRetryable(t *testing.T) {
	p, _ := newMicrosoft(t, "", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := p.ProcessImage(context.Background(), []byte("img"), PageInfo{})
	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)
}

func TestIsRTL(t *testing.T) {
	assert.True(t, isRTL("ar"))
	assert.True(t, isRTL("AR"))
	assert.True(t, isRTL("he"))
	assert.True(t, isRTL("ar-SA"))
	assert.False(t, isRTL("en"))
	assert.False(t, isRTL("arz")) // prefix alone is not a match
	assert.False(t, isRTL(""))
}
