package instrumentation

import (
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewTransport wraps base so every outbound iManage request gets a client
// span and propagated trace headers. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// NewHTTPClient returns a client with an instrumented transport. The timeout
// bounds the whole exchange, including reading the body.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(nil),
	}
}

// Middleware records http_requests_total and http_request_duration_seconds
// for every request and starts a server span named after operation.
func Middleware(metrics *Metrics, operation string, next http.Handler) http.Handler {
	recorded := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r.URL.Path), m.Code, m.Duration)
	})
	return otelhttp.NewHandler(recorded, operation)
}

// routeLabel collapses per-document diagnostic paths so the path label
// stays bounded.
func routeLabel(path string) string {
	const docPrefix = "/test/document/"
	if len(path) > len(docPrefix) && path[:len(docPrefix)] == docPrefix {
		return docPrefix + "{id}"
	}
	return path
}
