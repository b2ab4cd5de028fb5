package processor

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/provider"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/objectstore"
	"github.com/quillscan/quillscan/pkg/render"
)

var (
	rateLimitRe  = regexp.MustCompile(`(?i)(rate limit|too many requests|\b429\b)`)
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)
)

// defaultRetryAfter is used when a rate-limit failure carries no explicit
// retry window.
const defaultRetryAfter = 60

// ProgressFunc receives page-level progress while a document is processed.
type ProgressFunc func(currentPage, totalPages, progress int)

// FileProcessor turns one job into page results: a single provider call for
// images, a direct whole-document call for capable providers, or chunked
// page-by-page rendering and recognition for everything else.
type FileProcessor struct {
	provider provider.Provider
	renderer render.Renderer
	previews objectstore.ObjectStore // nil disables page preview uploads
	settings models.ProcessingSettings
	logger   logger.Logger
}

// New creates a file processor bound to one provider instance.
func New(
	prov provider.Provider,
	renderer render.Renderer,
	previews objectstore.ObjectStore,
	settings models.ProcessingSettings,
	log logger.Logger,
) *FileProcessor {
	if settings.PagesPerChunk < 1 {
		settings.PagesPerChunk = 1
	}
	if settings.ConcurrentChunks < 1 {
		settings.ConcurrentChunks = 1
	}
	return &FileProcessor{
		provider: prov,
		renderer: renderer,
		previews: previews,
		settings: settings,
		logger:   log,
	}
}

// ProcessFile processes one job and returns its page results. Page-scoped
// failures are absorbed into the result's Error field; rate limits and
// cancellation propagate as errors so the queue manager can react.
func (fp *FileProcessor) ProcessFile(ctx context.Context, job *models.Job, onProgress ProgressFunc) ([]*models.OCRResult, error) {
	if job.FileType == models.Image {
		return fp.processImage(ctx, job, onProgress)
	}
	return fp.processPDF(ctx, job, onProgress)
}

func (fp *FileProcessor) processImage(ctx context.Context, job *models.Job, onProgress ProgressFunc) ([]*models.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, mimeType, err := normalizeImage(job.Data)
	if err != nil {
		return nil, err
	}

	result, err := fp.provider.ProcessImage(ctx, data, provider.PageInfo{
		FileType:   mimeType,
		PageNumber: 1,
		TotalPages: 1,
	})
	if err != nil {
		return nil, err
	}

	result.DocumentID = job.ID
	if onProgress != nil {
		onProgress(1, 1, 100)
	}
	return []*models.OCRResult{result}, nil
}

func (fp *FileProcessor) processPDF(ctx context.Context, job *models.Job, onProgress ProgressFunc) ([]*models.OCRResult, error) {
	totalPages, err := pageCount(job.Data)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(0, totalPages, 0)
	}

	// Direct whole-document submission when the provider supports it and
	// the document fits its limits; any failure falls back to page-by-page.
	if direct, ok := fp.provider.(provider.DirectPDFProvider); ok &&
		direct.CanProcessPDFDirectly(job.FileSize, totalPages) {

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := direct.ProcessPDFDirectly(ctx, job.Data)
		if err == nil {
			result.DocumentID = job.ID
			result.TotalPages = totalPages
			if onProgress != nil {
				onProgress(totalPages, totalPages, 100)
			}
			return []*models.OCRResult{result}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fp.logger.Warn("Direct PDF processing failed, falling back to page-by-page",
			logger.String("documentId", job.ID),
			logger.Error(err),
		)
	}

	return fp.processPages(ctx, job, totalPages, onProgress)
}

// processPages walks the document chunk by chunk. Chunks run strictly in page
// order; pages inside a chunk run concurrently up to the configured limit.
func (fp *FileProcessor) processPages(ctx context.Context, job *models.Job, totalPages int, onProgress ProgressFunc) ([]*models.OCRResult, error) {
	results := make([]*models.OCRResult, totalPages)

	for chunkStart := 1; chunkStart <= totalPages; chunkStart += fp.settings.PagesPerChunk {
		chunkEnd := chunkStart + fp.settings.PagesPerChunk - 1
		if chunkEnd > totalPages {
			chunkEnd = totalPages
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fp.settings.ConcurrentChunks)

		for page := chunkStart; page <= chunkEnd; page++ {
			page := page
			g.Go(func() error {
				result, err := fp.processPage(gctx, job, page, totalPages)
				if err != nil {
					return err
				}
				results[page-1] = result
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return collected(results), err
		}

		progress := chunkEnd * 100 / totalPages
		if progress > 100 {
			progress = 100
		}
		if onProgress != nil {
			onProgress(chunkEnd, totalPages, progress)
		}
	}

	return collected(results), nil
}

// processPage renders and recognizes one page. A failed page becomes a
// result carrying the error; cancellation and rate limits propagate instead.
func (fp *FileProcessor) processPage(ctx context.Context, job *models.Job, page, totalPages int) (*models.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := fp.renderer.RenderPage(ctx, job.Data, page)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return fp.pageFailure(job, page, totalPages, err), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := fp.provider.ProcessImage(ctx, img, provider.PageInfo{
		FileType:   "image/png",
		PageNumber: page,
		TotalPages: totalPages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rle, ok := models.AsRateLimit(err); ok {
			return nil, rle
		}
		return fp.pageFailure(job, page, totalPages, err), nil
	}

	result.DocumentID = job.ID
	result.PageNumber = page
	result.TotalPages = totalPages

	fp.attachPreview(ctx, result, img)

	return result, nil
}

// pageFailure converts a page-scoped error into an inline result. Failures
// that look like rate limiting get rateLimitInfo attached so the document is
// held instead of failed.
func (fp *FileProcessor) pageFailure(job *models.Job, page, totalPages int, err error) *models.OCRResult {
	msg := err.Error()

	result := &models.OCRResult{
		DocumentID: job.ID,
		PageNumber: page,
		TotalPages: totalPages,
		Error:      msg,
	}

	if rateLimitRe.MatchString(msg) {
		retryAfter := defaultRetryAfter
		if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > 0 {
				retryAfter = n
			}
		}
		now := time.Now()
		result.RateLimit = &models.RateLimitInfo{
			IsRateLimited: true,
			RetryAfter:    retryAfter,
			StartedAt:     now,
			RetryAt:       now.Add(time.Duration(retryAfter) * time.Second),
		}
	} else {
		fp.logger.Warn("Page failed, continuing with remaining pages",
			logger.String("documentId", job.ID),
			logger.Int("page", page),
			logger.Error(err),
		)
	}

	return result
}

// attachPreview uploads the rendered page and stamps a presigned URL on the
// result. Best effort: preview failures never affect recognition results.
func (fp *FileProcessor) attachPreview(ctx context.Context, result *models.OCRResult, img []byte) {
	if fp.previews == nil {
		return
	}

	key := fmt.Sprintf("%s/page-%d.png", result.DocumentID, result.PageNumber)
	if err := fp.previews.Put(ctx, key, bytes.NewReader(img), int64(len(img)), "image/png"); err != nil {
		fp.logger.Warn("Failed to upload page preview", logger.String("key", key), logger.Error(err))
		return
	}

	url, err := fp.previews.PresignedURL(ctx, key, 24*time.Hour)
	if err != nil {
		fp.logger.Warn("Failed to presign page preview", logger.String("key", key), logger.Error(err))
		return
	}
	result.ImageURL = url
}

// collected drops nil slots left behind by a chunk that aborted early.
func collected(results []*models.OCRResult) []*models.OCRResult {
	out := make([]*models.OCRResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
