package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/ratelimit"
	"github.com/quillscan/quillscan/pkg/logger"
)

// rtlLanguages are the codes whose lines come back from the Vision OCR API in
// word order that must be reversed before concatenation.
var rtlLanguages = []string{"ar", "he", "fa", "ur", "syr", "yi", "dv", "ps"}

// MicrosoftProvider calls the Azure AI Vision OCR API. Every call gates on
// the shared rate limiter; a 429 response opens the limiter window and
// surfaces a RateLimitError upward. No direct-PDF support.
type MicrosoftProvider struct {
	endpoint   string
	apiKey     string
	language   string
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     logger.Logger
}

type microsoftResponse struct {
	Language    string  `json:"language"`
	TextAngle   float64 `json:"textAngle"`
	Orientation string  `json:"orientation"`
	Regions     []struct {
		Lines []struct {
			Words []struct {
				Text string `json:"text"`
			} `json:"words"`
		} `json:"lines"`
	} `json:"regions"`
}

// NewMicrosoftProvider creates the Azure Vision variant sharing the given limiter.
func NewMicrosoftProvider(cfg *config.MicrosoftConfig, limiter *ratelimit.Limiter, log logger.Logger) *MicrosoftProvider {
	return &MicrosoftProvider{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		language: cfg.Language,
		limiter:  limiter,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log,
	}
}

func (p *MicrosoftProvider) Name() string { return "microsoft" }

// ProcessImage implements Provider.
func (p *MicrosoftProvider) ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	started := time.Now()

	url := p.endpoint + "/vision/v3.2/ocr"
	if p.language != "" {
		url += "?language=" + p.language
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to call vision ocr: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp, 60)
		p.limiter.Set(time.Duration(retryAfter) * time.Second)
		return nil, &models.RateLimitError{Provider: p.Name(), RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &models.ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    truncate(respBody, 300),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	var parsed microsoftResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	text := p.assembleText(&parsed)

	p.logger.Debug("Microsoft recognition completed",
		logger.Int("page", info.PageNumber),
		logger.String("language", parsed.Language),
		logger.Int("chars", len(text)),
	)

	return newResult(info, text, 0, parsed.Language, started), nil
}

// assembleText concatenates regions line by line, reversing word order for
// right-to-left languages first.
func (p *MicrosoftProvider) assembleText(resp *microsoftResponse) string {
	rtl := isRTL(resp.Language)

	var sb strings.Builder
	for _, region := range resp.Regions {
		for _, line := range region.Lines {
			words := make([]string, 0, len(line.Words))
			for _, w := range line.Words {
				words = append(words, w.Text)
			}
			if rtl {
				for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
					words[i], words[j] = words[j], words[i]
				}
			}
			sb.WriteString(strings.Join(words, " "))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func isRTL(language string) bool {
	lang := strings.ToLower(language)
	for _, code := range rtlLanguages {
		if lang == code || strings.HasPrefix(lang, code+"-") {
			return true
		}
	}
	return false
}
