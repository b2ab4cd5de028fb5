package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillscan/quillscan/pkg/logger"
)

func TestToBase64(t *testing.T) {
	assert.Equal(t, "aGVsbG8=", ToBase64([]byte("hello")))
	assert.Equal(t, "", ToBase64(nil))
}

func TestToDataURI(t *testing.T) {
	uri := ToDataURI([]byte("hello"), "image/png")
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", uri)
}

func TestPopplerRendererOptions(t *testing.T) {
	r := NewPopplerRenderer(logger.NewTestLogger(), WithBinary("/opt/poppler/pdftoppm"), WithDPI(300))
	assert.Equal(t, "/opt/poppler/pdftoppm", r.binary)
	assert.Equal(t, 300, r.dpi)
}

func TestPopplerRendererRejectsInvalidPage(t *testing.T) {
	r := NewPopplerRenderer(logger.NewTestLogger())
	_, err := r.RenderPage(context.Background(), []byte("%PDF-fake"), 0)
	require.Error(t, err)
}
