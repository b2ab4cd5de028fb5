package provider

import (
	"context"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/pkg/logger"
)

// TesseractProvider runs recognition locally through the tesseract C library.
// A fresh client per call keeps it safe under concurrent pages; no network,
// so no rate limiting and no direct-PDF path.
type TesseractProvider struct {
	languages []string
	logger    logger.Logger
}

// NewTesseractProvider creates the local variant.
func NewTesseractProvider(cfg *config.TesseractConfig, log logger.Logger) *TesseractProvider {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &TesseractProvider{
		languages: langs,
		logger:    log,
	}
}

func (p *TesseractProvider) Name() string { return "tesseract" }

// ProcessImage implements Provider.
func (p *TesseractProvider) ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.languages...); err != nil {
		return nil, &models.ProviderError{Provider: p.Name(), Message: err.Error()}
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, &models.ProviderError{Provider: p.Name(), Message: err.Error()}
	}

	text, err := client.Text()
	if err != nil {
		return nil, &models.ProviderError{Provider: p.Name(), Message: err.Error()}
	}

	p.logger.Debug("Tesseract recognition completed",
		logger.Int("page", info.PageNumber),
		logger.Int("chars", len(text)),
	)

	return newResult(info, strings.TrimSpace(text), 0, strings.Join(p.languages, "+"), started), nil
}
