package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/extract"
	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

const (
	searchSampleLen   = 500
	documentSampleLen = 300
)

// ConnectionReport is the /test result.
type ConnectionReport struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	CustomerID string  `json:"customer_id,omitempty"`
	LibraryID  string  `json:"library_id,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

// URLProbe is the outcome of one GET against a candidate URL form.
type URLProbe struct {
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseSample string `json:"response_sample,omitempty"`
	Success        bool   `json:"success"`
	Accessible     *bool  `json:"accessible,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProbeReport is the /test/search and /test/document/{id} result.
type ProbeReport struct {
	Status         string              `json:"status"`
	DocumentID     string              `json:"document_id,omitempty"`
	TestResults    map[string]URLProbe `json:"test_results,omitempty"`
	Recommendation string              `json:"recommendation,omitempty"`
	Message        string              `json:"message,omitempty"`
	Timestamp      float64             `json:"timestamp,omitempty"`
}

// ProcessingReport is the /test/processing result.
type ProcessingReport struct {
	Status             string               `json:"status"`
	DocumentProcessing extract.Capabilities `json:"document_processing"`
	Recommendation     string               `json:"recommendation"`
}

// Diagnostics runs upstream connectivity checks with the service account.
type Diagnostics struct {
	cfg       *config.Config
	client    *imanage.Client
	tokens    imanage.TokenSource
	extractor *extract.Extractor
	now       func() time.Time
	logger    *slog.Logger
}

// NewDiagnostics returns diagnostics bound to the service account of sc.
func NewDiagnostics(sc *ServerContext) *Diagnostics {
	return &Diagnostics{
		cfg:       sc.Config(),
		client:    sc.Client(),
		tokens:    sc.ServiceTokens(),
		extractor: sc.Extractor(),
		now:       time.Now,
		logger:    logging.WithComponent(sc.Logger(), "diagnostics"),
	}
}

// Register mounts the /test endpoints on mux.
func (d *Diagnostics) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /test", func(w http.ResponseWriter, r *http.Request) {
		report, err := d.Connection(r.Context())
		writeJSON(w, statusFor(err), report)
	})
	mux.HandleFunc("GET /test/search", func(w http.ResponseWriter, r *http.Request) {
		report, err := d.SearchProbe(r.Context())
		writeJSON(w, statusFor(err), report)
	})
	mux.HandleFunc("GET /test/document/{id}", func(w http.ResponseWriter, r *http.Request) {
		report, err := d.DocumentProbe(r.Context(), r.PathValue("id"))
		writeJSON(w, statusFor(err), report)
	})
	mux.HandleFunc("GET /test/processing", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Processing())
	})
}

// statusFor maps a token failure to 401. Upstream failures are reported in
// the body with 200.
func statusFor(err error) int {
	if imanage.IsAuthError(err) {
		return http.StatusUnauthorized
	}
	return http.StatusOK
}

// Connection calls the customer features endpoint. The returned error is the
// token or request failure also described in the report.
func (d *Diagnostics) Connection(ctx context.Context) (*ConnectionReport, error) {
	fail := func(err error) (*ConnectionReport, error) {
		d.logger.Warn("iManage connection test failed", logging.Err(err))
		return &ConnectionReport{
			Status:    "error",
			Message:   fmt.Sprintf("iManage connection failed: %v", err),
			Timestamp: unixSeconds(d.now()),
		}, err
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return fail(err)
	}
	resp, err := d.client.Features(ctx, token)
	if err != nil {
		return fail(err)
	}
	if !resp.OK() {
		return fail(&imanage.UpstreamError{
			Operation:  instrumentation.OperationMetadata,
			StatusCode: resp.StatusCode,
			Body:       sample(resp.Body, documentSampleLen),
		})
	}

	d.logger.Info("iManage connection test successful")
	return &ConnectionReport{
		Status:     "success",
		Message:    "iManage connection working",
		CustomerID: d.cfg.CustomerID,
		LibraryID:  d.cfg.LibraryID,
		Timestamp:  unixSeconds(d.now()),
	}, nil
}

// SearchProbe lists five documents through both REST URL forms.
func (d *Diagnostics) SearchProbe(ctx context.Context) (*ProbeReport, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return &ProbeReport{
			Status:    "error",
			Message:   fmt.Sprintf("Search test failed: %v", err),
			Timestamp: unixSeconds(d.now()),
		}, err
	}

	results := make(map[string]URLProbe, 2)
	for _, u := range d.urlForms("/documents") {
		results[u] = d.probe(ctx, token, u+"?limit=5", searchSampleLen, false)
	}
	return &ProbeReport{
		Status:         "completed",
		TestResults:    results,
		Recommendation: "Use the URL format that returned 200 status",
	}, nil
}

// DocumentProbe reads one document profile through both REST URL forms.
func (d *Diagnostics) DocumentProbe(ctx context.Context, id string) (*ProbeReport, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return &ProbeReport{
			Status:  "error",
			Message: fmt.Sprintf("Document test failed: %v", err),
		}, err
	}

	results := make(map[string]URLProbe, 2)
	for _, u := range d.urlForms("/documents/" + id) {
		results[u] = d.probe(ctx, token, u, documentSampleLen, true)
	}
	return &ProbeReport{
		Status:         "completed",
		DocumentID:     id,
		TestResults:    results,
		Recommendation: "Use the URL format that returned 200 status and contains 'data'",
	}, nil
}

// Processing reports the extraction backends.
func (d *Diagnostics) Processing() *ProcessingReport {
	caps := d.extractor.Capabilities()
	rec := "All document processing libraries are available"
	if !caps.OverallStatus {
		rec = "Some document formats cannot be processed by this build"
	}
	return &ProcessingReport{
		Status:             "completed",
		DocumentProcessing: caps,
		Recommendation:     rec,
	}
}

// urlForms returns the plain and /work/web forms of a library path.
func (d *Diagnostics) urlForms(suffix string) []string {
	path := d.cfg.LibraryPath() + suffix
	return []string{
		d.cfg.URLPrefix + path,
		d.cfg.URLPrefix + "/work/web" + path,
	}
}

func (d *Diagnostics) probe(ctx context.Context, token, rawURL string, sampleLen int, checkData bool) URLProbe {
	resp, err := d.client.Get(ctx, instrumentation.OperationMetadata, token, rawURL)
	if err != nil {
		p := URLProbe{Error: err.Error()}
		if checkData {
			p.Accessible = new(bool)
		}
		return p
	}
	p := URLProbe{
		StatusCode:     resp.StatusCode,
		ResponseSample: sample(resp.Body, sampleLen),
		Success:        resp.StatusCode == http.StatusOK,
	}
	if checkData {
		accessible := strings.Contains(strings.ToLower(string(resp.Body)), "data")
		p.Accessible = &accessible
	}
	return p
}

// sample returns at most n runes of body.
func sample(body []byte, n int) string {
	return logging.TruncateRunes(string(body), n)
}
