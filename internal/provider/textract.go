package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/pkg/logger"
)

// TextractProvider calls AWS Textract synchronous text detection. The SDK
// handles transport retries; no direct-PDF path (the synchronous API only
// takes single-page documents).
type TextractProvider struct {
	client *textract.Client
	logger logger.Logger
}

// NewTextractProvider creates the Textract variant.
func NewTextractProvider(ctx context.Context, cfg *config.TextractConfig, log logger.Logger) (*TextractProvider, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &TextractProvider{
		client: textract.NewFromConfig(awsCfg),
		logger: log,
	}, nil
}

func (p *TextractProvider) Name() string { return "textract" }

// ProcessImage implements Provider.
func (p *TextractProvider) ProcessImage(ctx context.Context, image []byte, info PageInfo) (*models.OCRResult, error) {
	started := time.Now()

	out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: image},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.ProviderError{Provider: p.Name(), Message: err.Error()}
	}

	var lines []string
	var confidenceSum float64
	var confidenceCount int
	for _, block := range out.Blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		lines = append(lines, *block.Text)
		if block.Confidence != nil {
			confidenceSum += float64(*block.Confidence)
			confidenceCount++
		}
	}

	var confidence float64
	if confidenceCount > 0 {
		confidence = confidenceSum / float64(confidenceCount)
	}

	p.logger.Debug("Textract recognition completed",
		logger.Int("page", info.PageNumber),
		logger.Int("lines", len(lines)),
	)

	return newResult(info, strings.Join(lines, "\n"), confidence, "", started), nil
}
