package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// maxImageDimension bounds what we hand to providers; most recognition APIs
// reject or downsample anything larger anyway.
const maxImageDimension = 4096

// normalizeImage re-encodes oversized uploads to a provider-safe JPEG.
// Images already within bounds pass through untouched so format and quality
// are preserved.
func normalizeImage(data []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxImageDimension && height <= maxImageDimension {
		return data, "image/" + format, nil
	}

	if width >= height {
		img = imaging.Resize(img, maxImageDimension, 0, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, 0, maxImageDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}

	return buf.Bytes(), "image/jpeg", nil
}
