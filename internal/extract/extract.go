// Package extract turns downloaded iManage documents into plain text.
//
// Extraction never fails from the caller's point of view: every outcome,
// including corrupt input and library panics, is a human-readable string
// that can be handed to the research agent as-is.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

// Format is one entry of the dispatch table.
type Format struct {
	// Name labels metrics and spans: pdf, word, excel, powerpoint, html, text.
	Name string
	// ContentTypes match as substrings of the lowercased Content-Type.
	ContentTypes []string
	// Extensions match as suffixes of the lowercased filename.
	Extensions []string
	// Extract returns the text. An empty result with a nil error is replaced by Empty.
	Extract func(content []byte) (string, error)
	// Empty is returned when Extract yields only whitespace.
	Empty string
	// ErrorPrefix is prepended to extraction errors and recovered panics.
	ErrorPrefix string
}

func (f *Format) matches(ct, fn string) bool {
	for _, s := range f.ContentTypes {
		if strings.Contains(ct, s) {
			return true
		}
	}
	for _, ext := range f.Extensions {
		if fn != "" && strings.HasSuffix(fn, ext) {
			return true
		}
	}
	return false
}

// Extractor dispatches content to the first matching Format.
type Extractor struct {
	formats []Format
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMetrics records extraction_total per format and status.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New returns an Extractor with the built-in dispatch table, in priority
// order: pdf, word, excel, powerpoint, html, text.
func New(opts ...Option) *Extractor {
	e := &Extractor{formats: DefaultFormats()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.WithComponent(e.logger, "extract")
	return e
}

// DefaultFormats returns the built-in dispatch table. The first match wins.
func DefaultFormats() []Format {
	return []Format{
		{
			Name:         "pdf",
			ContentTypes: []string{"pdf"},
			Extensions:   []string{".pdf"},
			Extract:      extractPDF,
			Empty:        "PDF content could not be extracted",
			ErrorPrefix:  "PDF processing error",
		},
		{
			Name:         "word",
			ContentTypes: []string{"msword", "officedocument.wordprocessingml"},
			Extensions:   []string{".doc", ".docx"},
			Extract:      extractWord,
			Empty:        "No readable text found in Word document",
			ErrorPrefix:  "Word document processing error",
		},
		{
			Name:         "excel",
			ContentTypes: []string{"excel", "spreadsheetml"},
			Extensions:   []string{".xls", ".xlsx"},
			Extract:      extractExcel,
			Empty:        "No readable data found in Excel file",
			ErrorPrefix:  "Excel processing error",
		},
		{
			Name:         "powerpoint",
			ContentTypes: []string{"powerpoint", "presentationml"},
			Extensions:   []string{".ppt", ".pptx"},
			Extract:      extractPowerPoint,
			Empty:        "No readable text found in PowerPoint",
			ErrorPrefix:  "PowerPoint processing error",
		},
		{
			Name:         "html",
			ContentTypes: []string{"html"},
			Extensions:   []string{".html", ".htm"},
			Extract:      extractHTML,
			Empty:        "No readable text found in HTML",
			ErrorPrefix:  "HTML processing error",
		},
		{
			Name:         "text",
			ContentTypes: []string{"text", "json", "xml"},
			Extract:      decodeText,
			ErrorPrefix:  "Text decoding error",
		},
	}
}

// Extract is ExtractContext without a parent span.
func (e *Extractor) Extract(content []byte, contentType, filename string) string {
	return e.ExtractContext(context.Background(), content, contentType, filename)
}

// ExtractContext returns the document text, a format-specific "no text"
// message, a processing-error message, or an unsupported-format message.
func (e *Extractor) ExtractContext(ctx context.Context, content []byte, contentType, filename string) string {
	ct := strings.ToLower(contentType)
	fn := strings.ToLower(filename)

	for i := range e.formats {
		f := &e.formats[i]
		if f.matches(ct, fn) {
			return e.run(ctx, f, content)
		}
	}

	e.metrics.RecordExtraction(ctx, "unsupported", instrumentation.StatusUnknown)
	e.logger.Warn("unsupported document type", slog.String("content_type", contentType), slog.Int("size", len(content)))
	return fmt.Sprintf("Unsupported document format: %s. File size: %d bytes. Unable to extract text content.", ct, len(content))
}

func (e *Extractor) run(ctx context.Context, f *Format, content []byte) string {
	ctx, span := instrumentation.StartExtractSpan(ctx, f.Name, len(content))
	defer span.End()

	text, err := safeExtract(f, content)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		e.metrics.RecordExtraction(ctx, f.Name, instrumentation.StatusError)
		e.logger.Warn("text extraction failed", slog.String("format", f.Name), logging.Err(err))
		return fmt.Sprintf("%s: %v", f.ErrorPrefix, err)
	}

	if strings.TrimSpace(text) == "" && f.Empty != "" {
		e.metrics.RecordExtraction(ctx, f.Name, "empty")
		return f.Empty
	}

	instrumentation.SetSpanSuccess(span)
	e.metrics.RecordExtraction(ctx, f.Name, instrumentation.StatusSuccess)
	e.logger.Debug("text extracted", slog.String("format", f.Name), slog.Int("chars", utf8.RuneCountInString(text)))
	return text
}

// safeExtract converts a panic in a third-party parser into an error.
func safeExtract(f *Format, content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%v", r)
		}
	}()
	return f.Extract(content)
}

// decodeText decodes UTF-8, dropping invalid sequences.
func decodeText(content []byte) (string, error) {
	return strings.ToValidUTF8(string(content), ""), nil
}
