// Package fetch retrieves one iManage document and turns it into a
// citation-ready bundle of extracted text and profile metadata.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/imanage-mcp/internal/extract"
	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

// extractedThreshold is the length above which extraction counts as successful.
const extractedThreshold = 100

// Bundle is a document as returned by the fetch tool.
type Bundle struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata"`
}

// metadataLines lists the profile fields appended to the text, in order.
var metadataLines = []struct {
	key    string
	format string
}{
	{"comments", "Comments: %s"},
	{"author", "Author: %s"},
	{"type", "Document Type: %s"},
	{"size", "Size: %s bytes"},
	{"edit_date", "Last Modified: %s"},
	{"create_date", "Created: %s"},
	{"document_number", "Document Number: %s"},
	{"version", "Version: %s"},
}

// Fetcher downloads documents and runs them through an extractor.
type Fetcher struct {
	client    *imanage.Client
	tokens    imanage.TokenSource
	extractor *extract.Extractor
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New returns a Fetcher.
func New(client *imanage.Client, tokens imanage.TokenSource, extractor *extract.Extractor, opts ...Option) *Fetcher {
	f := &Fetcher{client: client, tokens: tokens, extractor: extractor}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.WithComponent(f.logger, "fetch")
	return f
}

// Fetch returns the bundle for document id. The error is non-nil only when
// no bearer token can be obtained; every upstream failure is described in
// the returned bundle instead.
func (f *Fetcher) Fetch(ctx context.Context, id string) (*Bundle, error) {
	ctx, span := instrumentation.StartSpan(ctx, "fetch.document",
		instrumentation.NewSpanAttributeBuilder().WithDocument(id).Build()...)
	defer span.End()

	token, err := f.tokens.Token(ctx)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("get fetch token: %w", err)
	}

	citation := f.client.WorkDocumentURL(id)
	logger := f.logger.With(logging.DocumentID(id))

	meta, err := f.client.DocumentMetadata(ctx, token, id)
	if err != nil {
		logger.Warn("document metadata unavailable", logging.Err(err))
		if imanage.InvalidateOnUnauthorized(f.tokens, imanage.StatusOf(err)) {
			logger.Info("iManage rejected the cached token, dropped it")
		}
		instrumentation.SetSpanError(span, err)
		return &Bundle{
			ID:       id,
			Title:    "Error accessing document " + id,
			Text:     fmt.Sprintf("Failed to fetch document %s: %v", id, err),
			URL:      citation,
			Metadata: map[string]string{"error": err.Error()},
		}, nil
	}

	title := "Untitled Document"
	if v, ok := meta["name"]; ok && v != nil {
		title = imanage.FieldString(v)
	}

	downloadURL := citation + "/download"
	var text string
	downloaded := false
	dl, err := f.client.DownloadDocument(ctx, token, id)
	if err != nil {
		logger.Warn("document download failed", logging.Err(err))
		text = fmt.Sprintf("Document download failed: %v. Document metadata available below.", err)
	} else {
		filename := dl.Filename
		if filename == "" {
			filename = title
		}
		logger.Debug("document downloaded",
			slog.String("content_type", dl.ContentType),
			slog.String("filename", filename),
			slog.Int("size", len(dl.Content)))
		text = f.extractor.ExtractContext(ctx, dl.Content, dl.ContentType, filename)
		downloaded = true
	}
	span.SetAttributes(attribute.Bool("fetch.download_success", downloaded))

	bundle := &Bundle{
		ID:    id,
		Title: title,
		Text:  composeText(text, meta, downloaded),
		URL:   citation,
		Metadata: map[string]string{
			"document_number":      imanage.FieldString(meta["document_number"]),
			"version":              imanage.FieldString(meta["version"]),
			"author":               imanage.FieldString(meta["author"]),
			"type":                 imanage.FieldString(meta["type"]),
			"size":                 imanage.FieldString(meta["size"]),
			"download_url":         downloadURL,
			"download_success":     strconv.FormatBool(downloaded),
			"text_extracted":       strconv.FormatBool(len(text) > extractedThreshold),
			"processing_available": strconv.FormatBool(true),
		},
	}

	instrumentation.SetSpanSuccess(span)
	logger.Info("document fetched", slog.Int("text_length", len(bundle.Text)), slog.Bool("downloaded", downloaded))
	return bundle, nil
}

func composeText(text string, meta map[string]any, downloaded bool) string {
	var parts []string
	if strings.TrimSpace(text) != "" {
		parts = append(parts, "=== DOCUMENT CONTENT ===", text)
	} else {
		parts = append(parts,
			"=== DOCUMENT CONTENT UNAVAILABLE ===",
			"Document content could not be extracted or is empty.")
	}

	parts = append(parts, "\n=== DOCUMENT METADATA ===")
	for _, line := range metadataLines {
		if v := meta[line.key]; imanage.FieldPresent(v) {
			parts = append(parts, fmt.Sprintf(line.format, imanage.FieldString(v)))
		}
	}

	extraction := "Limited or Failed"
	if len(text) > extractedThreshold {
		extraction = "Successful"
	}
	parts = append(parts,
		"\n=== PROCESSING STATUS ===",
		"Download Successful: "+strconv.FormatBool(downloaded),
		"Text Extraction: "+extraction,
		"Document Processing Libraries: Available",
	)
	return strings.Join(parts, "\n")
}
