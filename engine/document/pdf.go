package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether raw starts with the PDF header, ignoring leading whitespace.
func IsPDF(raw []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n\f\x00"), pdfMagic)
}

// ExtractPages returns the plain text of every page in reading order.
// Pages without a content stream yield an empty string so page positions are kept.
func ExtractPages(raw []byte) (pages []string, err error) {
	if !IsPDF(raw) {
		return nil, fmt.Errorf("document: missing %%PDF header: %w", domain.ErrUnsupportedFormat)
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("document: parse pdf: %v: %w", r, domain.ErrUnsupportedFormat)
		}
	}()

	start := bytes.Index(raw, pdfMagic)
	body := raw[start:]
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("document: open pdf: %v: %w", err, domain.ErrUnsupportedFormat)
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("document: page %d text: %v: %w", i, err, domain.ErrUnsupportedFormat)
		}
		pages = append(pages, normalize(text))
	}
	return pages, nil
}

// normalize unifies line endings and drops trailing spaces on each line.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}
