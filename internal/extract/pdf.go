package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

func extractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		if text := scanPDFStreams(content); text != "" {
			return text, nil
		}
		return "", err
	}

	if text := pdfByPage(r); text != "" {
		return text, nil
	}
	if text := pdfWholeDocument(r); text != "" {
		return text, nil
	}
	return scanPDFStreams(content), nil
}

// pdfByPage extracts each page on its own. Pages that fail or carry no text
// are skipped.
func pdfByPage(r *pdf.Reader) string {
	var parts []string
	for i := 1; i <= r.NumPage(); i++ {
		text, ok := pdfPage(r, i)
		if ok {
			parts = append(parts, fmt.Sprintf("[Page %d]\n%s", i, text))
		}
	}
	return strings.Join(parts, "\n\n")
}

func pdfPage(r *pdf.Reader, i int) (text string, ok bool) {
	// A malformed page must not take the remaining pages down with it.
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()

	p := r.Page(i)
	if p.V.IsNull() {
		return "", false
	}
	text, err := p.GetPlainText(nil)
	if err != nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// pdfWholeDocument runs the reader's document-level text extraction, which
// shares fonts across pages and recovers text the per-page pass misses.
// Form feeds, when present, delimit pages.
func pdfWholeDocument(r *pdf.Reader) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()

	rd, err := r.GetPlainText()
	if err != nil {
		return ""
	}
	raw, err := io.ReadAll(rd)
	if err != nil {
		return ""
	}

	var parts []string
	for i, page := range strings.Split(string(raw), "\f") {
		if strings.TrimSpace(page) != "" {
			parts = append(parts, fmt.Sprintf("[Page %d]\n%s", i+1, page))
		}
	}
	return strings.Join(parts, "\n\n")
}
