package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/ratelimit"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/render"
)

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	latexInlineRe   = regexp.MustCompile(`\\[()\[\]]`)
	latexBlockRe    = regexp.MustCompile(`\$\$`)
)

// MistralProvider calls the Mistral OCR API. Page images are submitted as
// data URIs; whole documents (behind the DirectPDF flag) go through the
// files endpoint to obtain a signed URL first. Transient failures are
// resolved by its own retry ladder: exponential backoff for 5xx bounded by
// maxRetries, a single retry for 400, immediate limiter backoff on 429.
type MistralProvider struct {
	apiKey       string
	endpoint     string
	model        string
	maxRetries   int
	retryDelay   time.Duration
	directPDF    bool
	maxPDFSize   int64
	maxPDFPages  int
	limiter      *ratelimit.Limiter
	httpClient   *http.Client
	logger       logger.Logger
}

type mistralDocument struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type mistralOCRRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralOCRResponse struct {
	Model string `json:"model"`
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

type mistralFileResponse struct {
	ID string `json:"id"`
}

type mistralSignedURLResponse struct {
	URL string `json:"url"`
}

// NewMistralProvider creates the Mistral variant sharing the given limiter.
// Retry tuning comes from the caller so pipeline settings govern it.
func NewMistralProvider(cfg *config.MistralConfig, maxRetries int, retryDelay time.Duration, limiter *ratelimit.Limiter, log logger.Logger) *MistralProvider {
	return &MistralProvider{
		apiKey:      cfg.APIKey,
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		directPDF:   cfg.DirectPDF,
		maxPDFSize:  int64(cfg.MaxPDFSizeMB) * 1024 * 1024,
		maxPDFPages: cfg.MaxPDFPages,
		limiter:     limiter,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		logger: log,
	}
}

func (p *MistralProvider) Name() string { return "mistral" }

// ProcessImage implements Provider.
func (p *MistralProvider) ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error) {
	mimeType := info.FileType
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURI := render.ToDataURI(image, mimeType)

	return p.runOCR(ctx, mistralDocument{Type: "image_url", ImageURL: dataURI}, info)
}

// CanProcessPDFDirectly implements DirectPDFProvider.
func (p *MistralProvider) CanProcessPDFDirectly(sizeBytes int64, pageCount int) bool {
	if !p.directPDF {
		return false
	}
	if sizeBytes > p.maxPDFSize {
		return false
	}
	if pageCount > 0 && pageCount > p.maxPDFPages {
		return false
	}
	return true
}

// ProcessPDFDirectly implements DirectPDFProvider: upload, fetch a signed
// URL, then submit the URL for OCR.
func (p *MistralProvider) ProcessPDFDirectly(ctx context.Context, pdfData []byte) (*models.OCRResult, error) {
	fileID, err := p.uploadFile(ctx, pdfData)
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	signedURL, err := p.fetchSignedURL(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signed url: %w", err)
	}

	return p.runOCR(ctx, mistralDocument{Type: "document_url", DocumentURL: signedURL}, PageInfo{})
}

// runOCR submits one OCR request with the retry ladder applied.
func (p *MistralProvider) runOCR(ctx context.Context, doc mistralDocument, info PageInfo) (*models.OCRResult, error) {
	started := time.Now()

	body, err := json.Marshal(mistralOCRRequest{Model: p.model, Document: doc})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	badRequestRetried := false
	attempt := 0
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, respBody, resp, err := p.post(ctx, "/v1/ocr", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		switch {
		case status == http.StatusOK:
			return p.parseOCRResponse(respBody, info, started)

		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp, 60)
			p.limiter.Set(time.Duration(retryAfter) * time.Second)
			return nil, &models.RateLimitError{Provider: p.Name(), RetryAfter: retryAfter}

		case status == http.StatusBadRequest && !badRequestRetried:
			// 400s from the OCR endpoint are occasionally transient;
			// give it exactly one more shot.
			badRequestRetried = true
			p.logger.Warn("Retrying after 400 response",
				logger.String("body", truncate(respBody, 200)),
			)
			if err := sleep(ctx, p.retryDelay); err != nil {
				return nil, err
			}

		case status >= 500 && attempt < p.maxRetries:
			attempt++
			backoff := p.retryDelay * time.Duration(1<<uint(attempt-1))
			p.logger.Warn("Retrying after server error",
				logger.Int("status", status),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", backoff),
			)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}

		default:
			return nil, &models.ProviderError{
				Provider:   p.Name(),
				StatusCode: status,
				Message:    truncate(respBody, 300),
				Retryable:  false,
			}
		}
	}
}

func (p *MistralProvider) parseOCRResponse(respBody []byte, info PageInfo, started time.Time) (*models.OCRResult, error) {
	var parsed mistralOCRResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	texts := make([]string, 0, len(parsed.Pages))
	for _, page := range parsed.Pages {
		texts = append(texts, cleanMarkdown(page.Markdown))
	}
	text := strings.TrimSpace(strings.Join(texts, "\n\n"))

	p.logger.Debug("Mistral recognition completed",
		logger.Int("page", info.PageNumber),
		logger.Int("responsePages", len(parsed.Pages)),
		logger.Int("chars", len(text)),
	)

	return newResult(info, text, 0, "", started), nil
}

// uploadFile pushes the PDF to the files endpoint with purpose "ocr".
func (p *MistralProvider) uploadFile(ctx context.Context, pdfData []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("purpose", "ocr"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "document.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(pdfData); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	status, respBody, resp, err := p.post(ctx, "/v1/files", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	if status == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp, 60)
		p.limiter.Set(time.Duration(retryAfter) * time.Second)
		return "", &models.RateLimitError{Provider: p.Name(), RetryAfter: retryAfter}
	}
	if status != http.StatusOK {
		return "", &models.ProviderError{
			Provider:   p.Name(),
			StatusCode: status,
			Message:    truncate(respBody, 300),
		}
	}

	var parsed mistralFileResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode file response: %w", err)
	}
	if parsed.ID == "" {
		return "", &models.ProviderError{Provider: p.Name(), Message: "file upload returned no id"}
	}
	return parsed.ID, nil
}

// fetchSignedURL fetches a time-limited download URL for an uploaded file.
func (p *MistralProvider) fetchSignedURL(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v1/files/"+fileID+"/url", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to call files api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &models.ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    truncate(respBody, 300),
		}
	}

	var parsed mistralSignedURLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode url response: %w", err)
	}
	if parsed.URL == "" {
		return "", &models.ProviderError{Provider: p.Name(), Message: "signed url response was empty"}
	}
	return parsed.URL, nil
}

// post sends one request and returns status, body and the raw response for
// header inspection. Transport errors surface as errors; HTTP errors do not.
func (p *MistralProvider) post(ctx context.Context, path, contentType string, body io.Reader) (int, []byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, resp, nil
}

// cleanMarkdown reduces the markdown-like page structure to plain text:
// inline image references and LaTeX delimiters are stripped.
func cleanMarkdown(md string) string {
	text := markdownImageRe.ReplaceAllString(md, "")
	text = latexInlineRe.ReplaceAllString(text, "")
	text = latexBlockRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
