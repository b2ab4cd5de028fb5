package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/quillscan/quillscan/pkg/logger"
)

// Renderer rasterizes a single PDF page to a PNG image. Page numbers are
// 1-based. The pipeline treats rendering as a black box; this package supplies
// the default implementation.
type Renderer interface {
	RenderPage(ctx context.Context, pdfData []byte, pageNumber int) ([]byte, error)
}

// ToBase64 encodes an image for providers that take base64 payloads.
func ToBase64(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

// ToDataURI encodes an image as a data URI for providers that take URLs.
func ToDataURI(image []byte, mimeType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, ToBase64(image))
}

// PopplerRenderer shells out to pdftoppm (poppler-utils). One invocation per
// page keeps memory bounded for large documents.
type PopplerRenderer struct {
	binary string
	dpi    int
	logger logger.Logger
}

type PopplerOption func(*PopplerRenderer)

// WithBinary overrides the pdftoppm binary path.
func WithBinary(path string) PopplerOption {
	return func(r *PopplerRenderer) { r.binary = path }
}

// WithDPI sets the render resolution.
func WithDPI(dpi int) PopplerOption {
	return func(r *PopplerRenderer) { r.dpi = dpi }
}

// NewPopplerRenderer creates a pdftoppm-backed renderer.
func NewPopplerRenderer(log logger.Logger, opts ...PopplerOption) *PopplerRenderer {
	r := &PopplerRenderer{
		binary: "pdftoppm",
		dpi:    150,
		logger: log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderPage implements Renderer.
func (r *PopplerRenderer) RenderPage(ctx context.Context, pdfData []byte, pageNumber int) ([]byte, error) {
	if pageNumber < 1 {
		return nil, fmt.Errorf("invalid page number %d", pageNumber)
	}

	dir, err := os.MkdirTemp("", "quillscan-render-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, pdfData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write temp pdf: %w", err)
	}

	prefix := filepath.Join(dir, "page")
	page := strconv.Itoa(pageNumber)
	cmd := exec.CommandContext(ctx, r.binary,
		"-png",
		"-r", strconv.Itoa(r.dpi),
		"-f", page,
		"-l", page,
		src, prefix,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, stderr.String())
	}

	// pdftoppm zero-pads the page suffix based on the document's digit count.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no output for page %d", pageNumber)
	}

	img, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page: %w", err)
	}

	r.logger.Debug("Rendered page",
		logger.Int("page", pageNumber),
		logger.Int("bytes", len(img)),
	)

	return img, nil
}
