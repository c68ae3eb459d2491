package normalisers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
	"github.com/custodia-labs/quarry-core/internal/postprocessors"
)

// PDFNormaliser extracts plain text from PDF documents page by page.
// Pages that fail to decode are skipped rather than failing the file.
type PDFNormaliser struct{}

var _ driven.Normaliser = (*PDFNormaliser)(nil)

func (n *PDFNormaliser) Normalise(raw string) (string, error) {
	content := []byte(raw)
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}

	return postprocessors.Normalize(sb.String()), nil
}

func (n *PDFNormaliser) Extensions() []string {
	return []string{".pdf"}
}

func (n *PDFNormaliser) Priority() int {
	return 50
}
