package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/render"
)

// GoogleProvider calls the Google Cloud Vision REST API. One shot per image,
// no direct-PDF support, no provider-side rate limiting beyond generic HTTP
// error mapping.
type GoogleProvider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

type googleRequest struct {
	Requests []googleAnnotateRequest `json:"requests"`
}

type googleAnnotateRequest struct {
	Image    googleImage     `json:"image"`
	Features []googleFeature `json:"features"`
}

type googleImage struct {
	Content string `json:"content"`
}

type googleFeature struct {
	Type string `json:"type"`
}

type googleResponse struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text  string `json:"text"`
			Pages []struct {
				Confidence float64 `json:"confidence"`
				Property   *struct {
					DetectedLanguages []struct {
						LanguageCode string  `json:"languageCode"`
						Confidence   float64 `json:"confidence"`
					} `json:"detectedLanguages"`
				} `json:"property"`
			} `json:"pages"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// NewGoogleProvider creates the Google Vision variant.
func NewGoogleProvider(cfg *config.GoogleConfig, log logger.Logger) *GoogleProvider {
	return &GoogleProvider{
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: log,
	}
}

func (p *GoogleProvider) Name() string { return "google" }

// ProcessImage implements Provider.
func (p *GoogleProvider) ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error) {
	started := time.Now()

	body, err := json.Marshal(googleRequest{
		Requests: []googleAnnotateRequest{{
			Image:    googleImage{Content: render.ToBase64(image)},
			Features: []googleFeature{{Type: "DOCUMENT_TEXT_DETECTION"}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s?key=%s", p.endpoint, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to call vision api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &models.ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    truncate(respBody, 300),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	var parsed googleResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Responses) == 0 {
		return nil, &models.ProviderError{Provider: p.Name(), Message: "empty response"}
	}

	r := parsed.Responses[0]
	if r.Error != nil {
		return nil, &models.ProviderError{
			Provider: p.Name(),
			Message:  fmt.Sprintf("vision error %d: %s", r.Error.Code, r.Error.Message),
		}
	}

	var text, language string
	var confidence float64
	if r.FullTextAnnotation != nil {
		text = r.FullTextAnnotation.Text
		if len(r.FullTextAnnotation.Pages) > 0 {
			page := r.FullTextAnnotation.Pages[0]
			confidence = page.Confidence
			if page.Property != nil && len(page.Property.DetectedLanguages) > 0 {
				language = page.Property.DetectedLanguages[0].LanguageCode
			}
		}
	}

	p.logger.Debug("Google recognition completed",
		logger.Int("page", info.PageNumber),
		logger.Int("chars", len(text)),
	)

	return newResult(info, text, confidence, language, started), nil
}
