// Package imanage talks to the iManage Work REST API: it owns the service
// token cache, builds library URLs and records metrics and spans for every
// upstream call.
package imanage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

const (
	// maxErrorBody bounds how much of a failed response is kept for errors.
	maxErrorBody = 4 << 10
	// MaxBodySize caps any response read into memory, document downloads
	// included. Larger documents fail the download.
	MaxBodySize = 128 << 20
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Client issues authenticated requests against one iManage library.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
	maxBody    int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMetrics records every call in imanage_api_operations_total.
func WithMetrics(m *instrumentation.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a client for the library described by cfg. Requests time
// out after cfg.SearchTimeout.
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	c := &Client{cfg: cfg, maxBody: MaxBodySize}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = instrumentation.NewHTTPClient(cfg.SearchTimeout)
	}
	c.logger = logging.WithComponent(c.logger, "imanage")
	return c
}

// Config returns the library configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// DocumentsURL is the list/search base: {URL_PREFIX}/api/v2/customers/{C}/libraries/{L}/documents.
func (c *Client) DocumentsURL() string {
	return c.cfg.URLPrefix + c.cfg.LibraryPath() + "/documents"
}

// WorkDocumentURL is the /work/web form of a document URL, also used as the citation URL.
func (c *Client) WorkDocumentURL(id string) string {
	return c.cfg.DocumentURL(id)
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Do sends req with the bearer token and reads the whole body. Non-2xx
// statuses are returned as a Response, not an error; transport failures are
// errors. The operation names the call for metrics and spans.
func (c *Client) Do(ctx context.Context, operation, token string, req *http.Request) (*Response, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, operation,
		attribute.String("http.request.method", req.Method))
	defer span.End()

	req = req.WithContext(ctx)
	req.Header.Set("X-Auth-Token", token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamOperation(ctx, operation, instrumentation.StatusError, time.Since(start))
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err == nil && int64(len(body)) > c.maxBody {
		err = fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.maxBody)
	}
	if err != nil {
		c.metrics.RecordUpstreamOperation(ctx, operation, instrumentation.StatusError, time.Since(start))
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("%s response read failed: %w", operation, err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	span.SetAttributes(attribute.Int(instrumentation.SpanAttrHTTPStatus, resp.StatusCode))

	status := instrumentation.StatusSuccess
	if !out.OK() {
		status = instrumentation.StatusError
		span.SetAttributes(attribute.Bool("error", true))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	c.metrics.RecordUpstreamOperation(ctx, operation, status, time.Since(start))

	c.logger.Debug("upstream call",
		logging.Operation(operation),
		logging.Status(status),
		slog.String("method", req.Method),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration(logging.KeyDuration, time.Since(start)),
	)
	return out, nil
}

// Get issues a GET to rawURL.
func (c *Client) Get(ctx context.Context, operation, token, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	return c.Do(ctx, operation, token, req)
}

// PostJSON issues a POST with body encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, operation, token, rawURL string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(ctx, operation, token, req)
}

// SearchDocuments POSTs a structured search body to {documents}/search.
func (c *Client) SearchDocuments(ctx context.Context, token string, body any) (*Response, error) {
	return c.PostJSON(ctx, instrumentation.OperationSearch, token, c.DocumentsURL()+"/search", body)
}

// ListDocuments GETs the documents collection with the given query parameters.
func (c *Client) ListDocuments(ctx context.Context, token string, params url.Values) (*Response, error) {
	u := c.DocumentsURL()
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.Get(ctx, instrumentation.OperationSearch, token, u)
}

// DocumentMetadata returns the "data" object of a document's profile.
func (c *Client) DocumentMetadata(ctx context.Context, token, id string) (map[string]any, error) {
	resp, err := c.Get(ctx, instrumentation.OperationMetadata, token, c.WorkDocumentURL(id))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, upstreamError(instrumentation.OperationMetadata, resp)
	}

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := DecodeJSON(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode document metadata: %w", err)
	}
	if envelope.Data == nil {
		envelope.Data = map[string]any{}
	}
	return envelope.Data, nil
}

// Download is a document's binary content.
type Download struct {
	Content     []byte
	ContentType string // lowercased
	Filename    string // from Content-Disposition, may be empty
}

// DownloadDocument fetches {document}/download.
func (c *Client) DownloadDocument(ctx context.Context, token, id string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.WorkDocumentURL(id)+"/download", nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.Do(ctx, instrumentation.OperationDownload, token, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, upstreamError(instrumentation.OperationDownload, resp)
	}
	return &Download{
		Content:     resp.Body,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
		Filename:    FilenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

// UserProfile is the caller's identity as reported by GET {URL_PREFIX}/api.
type UserProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CurrentUser returns the profile of the token's owner.
func (c *Client) CurrentUser(ctx context.Context, token string) (*UserProfile, error) {
	resp, err := c.Get(ctx, instrumentation.OperationProfile, token, c.cfg.URLPrefix+"/api")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, upstreamError(instrumentation.OperationProfile, resp)
	}

	var envelope struct {
		Data struct {
			User UserProfile `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode user profile: %w", err)
	}
	if envelope.Data.User.ID == "" {
		return nil, fmt.Errorf("user profile has no id")
	}
	return &envelope.Data.User, nil
}

// Features calls the customer features endpoint, the cheapest authenticated
// call, used for connectivity checks.
func (c *Client) Features(ctx context.Context, token string) (*Response, error) {
	u := fmt.Sprintf("%s/api/v2/customers/%s/features", c.cfg.URLPrefix, c.cfg.CustomerID)
	return c.Get(ctx, instrumentation.OperationMetadata, token, u)
}

// FilenameFromDisposition extracts the filename parameter of a
// Content-Disposition header. Malformed headers fall back to the text after
// "filename=" with quotes trimmed.
func FilenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := strings.Trim(params["filename"], `"'`); name != "" {
			return name
		}
	}
	idx := strings.Index(header, "filename=")
	if idx < 0 {
		return ""
	}
	name := header[idx+len("filename="):]
	if semi := strings.IndexByte(name, ';'); semi >= 0 {
		name = name[:semi]
	}
	return strings.Trim(strings.TrimSpace(name), `"'`)
}

func upstreamError(operation string, resp *Response) error {
	body := resp.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
}
