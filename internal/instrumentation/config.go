package instrumentation

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Label values and exporter names.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"
	OAuthResultExpired = "expired"

	// Identity a tool ran as.
	AuthMethodService = "service"
	AuthMethodUser    = "user"

	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// DefaultMetricInterval is the push interval of the OTLP and stdout readers.
	DefaultMetricInterval = 10 * time.Second
)

// Config controls metrics, tracing and audit logging.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// ServiceInstanceID defaults to the hostname, which is the pod name in Kubernetes.
	ServiceInstanceID string
	K8sNamespace      string
	K8sPodName        string

	// ResourceAttributes are extra resource attributes, e.g. the iManage
	// customer and library this instance serves. Empty values are skipped.
	ResourceAttributes map[string]string

	// Enabled is false when INSTRUMENTATION_ENABLED=false; metrics then
	// become no-ops and no spans are exported.
	Enabled bool

	// MetricsExporter is prometheus (default), otlp or stdout.
	MetricsExporter string
	// TracingExporter is none (default), otlp or stdout.
	TracingExporter string

	// OTLPEndpoint is host:port without a scheme, e.g. "localhost:4318".
	OTLPEndpoint string
	// OTLPInsecure disables TLS to the collector. Spans carry document ids,
	// so keep it off outside development.
	OTLPInsecure bool

	TraceSamplingRate float64

	// DetailedLabels adds the caller's email domain to tool metrics.
	// It raises cardinality with every customer domain.
	DetailedLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the tool audit log.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludePII logs raw iManage user ids and emails instead of hashes.
	IncludePII bool

	// LogLevel is debug, info, warn or error. Audit events are emitted
	// regardless.
	LogLevel string
}

// DefaultConfig reads the instrumentation settings from the process
// environment.
func DefaultConfig() Config {
	return ConfigFrom(os.Getenv)
}

// ConfigFrom reads the instrumentation settings through getenv.
func ConfigFrom(getenv func(string) string) Config {
	env := envReader(getenv)
	return Config{
		ServiceName:        env.str("OTEL_SERVICE_NAME", "imanage-mcp"),
		ServiceVersion:     "unknown",
		ServiceInstanceID:  env.str("OTEL_SERVICE_INSTANCE_ID", ""),
		K8sNamespace:       env.str("K8S_NAMESPACE", env.str("POD_NAMESPACE", "")),
		K8sPodName:         env.str("K8S_POD_NAME", env.str("HOSTNAME", "")),
		Enabled:            env.boolean("INSTRUMENTATION_ENABLED", true),
		MetricsExporter:    strings.ToLower(env.str("METRICS_EXPORTER", ExporterPrometheus)),
		TracingExporter:    strings.ToLower(env.str("TRACING_EXPORTER", ExporterNone)),
		OTLPEndpoint:       env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       env.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSamplingRate:  env.float("OTEL_TRACES_SAMPLER_ARG", 0.1),
		DetailedLabels:     env.boolean("METRICS_DETAILED_LABELS", false),
		AuditLogging: AuditLoggingConfig{
			Enabled:    env.boolean("AUDIT_LOGGING_ENABLED", true),
			IncludePII: env.boolean("AUDIT_LOGGING_INCLUDE_PII", false),
			LogLevel:   env.str("AUDIT_LOGGING_LEVEL", "info"),
		},
	}
}

// Validate rejects unknown exporters, an out-of-range sampling rate and
// OTLP exporters without an endpoint.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}
	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" {
		if c.TracingExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
		}
		if c.MetricsExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
		}
	}
	return nil
}

// envReader parses typed values and falls back to the default on empty or
// malformed input.
type envReader func(string) string

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(e(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) boolean(key string, def bool) bool {
	b, err := strconv.ParseBool(e.str(key, ""))
	if err != nil {
		return def
	}
	return b
}

func (e envReader) float(key string, def float64) float64 {
	f, err := strconv.ParseFloat(e.str(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}
