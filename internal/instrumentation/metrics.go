package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrOperation  = "operation"
	attrResult     = "result"
	attrTool       = "tool"
	attrUserDomain = "user_domain"
	attrSearchType = "search_type"
	attrOutcome    = "outcome"
	attrFormat     = "format"
)

// Metrics records the proxy's counters and histograms. A nil or zero
// Metrics drops every recording.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeSessions      metric.Int64UpDownCounter

	upstreamOperationsTotal   metric.Int64Counter
	upstreamOperationDuration metric.Float64Histogram

	oauthAuthTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	searchStrategyTotal metric.Int64Counter
	extractionTotal     metric.Int64Counter

	// detailedLabels adds the caller's email domain to tool metrics.
	detailedLabels bool
}

var (
	httpBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}
	// Upstream calls and tools include document downloads, bounded by the
	// 60s request timeout.
	slowBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// instruments creates instruments on one meter and keeps the first error,
// so NewMetrics can declare everything before checking.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) fail(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
}

func (in *instruments) counter(name, description, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	in.fail(name, err)
	return c
}

func (in *instruments) upDownCounter(name, description, unit string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(description), metric.WithUnit(unit))
	in.fail(name, err)
	return c
}

func (in *instruments) seconds(name, description string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...))
	in.fail(name, err)
	return h
}

// NewMetrics declares every instrument on meter.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	in := &instruments{meter: meter}
	m := &Metrics{
		httpRequestsTotal:   in.counter("http_requests_total", "Total number of HTTP requests", "{request}"),
		httpRequestDuration: in.seconds("http_request_duration_seconds", "HTTP request duration in seconds", httpBuckets),
		activeSessions:      in.upDownCounter("active_sessions", "Number of active iManage user sessions", "{session}"),

		upstreamOperationsTotal: in.counter("imanage_api_operations_total",
			"Total number of iManage REST API operations", "{operation}"),
		upstreamOperationDuration: in.seconds("imanage_api_operation_duration_seconds",
			"iManage REST API operation duration in seconds", slowBuckets),

		oauthAuthTotal: in.counter("oauth_auth_total",
			"iManage sign-ins through the OAuth relay", "{attempt}"),
		oauthTokenRefreshTotal: in.counter("oauth_token_refresh_total",
			"iManage user token refreshes", "{attempt}"),

		toolInvocationsTotal: in.counter("mcp_tool_invocations_total",
			"Total number of MCP tool invocations", "{invocation}"),
		toolDuration: in.seconds("mcp_tool_duration_seconds",
			"MCP tool execution duration in seconds", slowBuckets),

		searchStrategyTotal: in.counter("search_strategy_total",
			"Search strategy attempts by search type and outcome", "{attempt}"),
		extractionTotal: in.counter("extraction_total",
			"Document text extractions by format and status", "{document}"),

		detailedLabels: detailedLabels,
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

func withAttrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordHTTPRequest counts a request on the proxy's own HTTP surface.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return
	}
	opt := withAttrs(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, opt)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordUpstreamOperation records one iManage REST call. operation is one of
// the Operation* constants, status is StatusSuccess or StatusError.
func (m *Metrics) RecordUpstreamOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil || m.upstreamOperationsTotal == nil {
		return
	}
	opt := withAttrs(attribute.String(attrOperation, operation), attribute.String(attrStatus, status))
	m.upstreamOperationsTotal.Add(ctx, 1, opt)
	m.upstreamOperationDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordOAuthAuth counts a relay sign-in by OAuthResult* value.
func (m *Metrics) RecordOAuthAuth(ctx context.Context, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return
	}
	m.oauthAuthTotal.Add(ctx, 1, withAttrs(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh counts a user token refresh by OAuthResult* value.
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, withAttrs(attribute.String(attrResult, result)))
}

// RecordToolInvocationWithUser records a search or fetch call. The caller's
// email domain is attached only with detailed labels.
func (m *Metrics) RecordToolInvocationWithUser(ctx context.Context, toolName, status, userEmail string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil {
		return
	}
	kv := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels && userEmail != "" {
		kv = append(kv, attribute.String(attrUserDomain, ExtractUserDomain(userEmail)))
	}
	opt := withAttrs(kv...)
	m.toolInvocationsTotal.Add(ctx, 1, opt)
	m.toolDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordSearchStrategy counts one structured or GET search attempt by
// Outcome* value.
func (m *Metrics) RecordSearchStrategy(ctx context.Context, searchType, outcome string) {
	if m == nil || m.searchStrategyTotal == nil {
		return
	}
	m.searchStrategyTotal.Add(ctx, 1, withAttrs(
		attribute.String(attrSearchType, searchType),
		attribute.String(attrOutcome, outcome),
	))
}

// RecordExtraction counts a text extraction by format and status.
func (m *Metrics) RecordExtraction(ctx context.Context, format, status string) {
	if m == nil || m.extractionTotal == nil {
		return
	}
	m.extractionTotal.Add(ctx, 1, withAttrs(
		attribute.String(attrFormat, format),
		attribute.String(attrStatus, status),
	))
}

// IncrementActiveSessions adds a signed-in session.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) { m.AddActiveSessions(ctx, 1) }

// DecrementActiveSessions removes a session.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) { m.AddActiveSessions(ctx, -1) }

// AddActiveSessions adjusts the active session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil || m.activeSessions == nil || delta == 0 {
		return
	}
	m.activeSessions.Add(ctx, delta)
}
