package processor

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// pageCount loads the document head to obtain its page count.
func pageCount(data []byte) (int, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	n := doc.NumPage()
	if n < 1 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return n, nil
}
