package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/imanage-mcp/internal/logging"
)

// ToolInvocation captures one search or fetch call for the audit trail.
//
// UserID and UserEmail identify the iManage user in user mode and are PII.
// The anonymized form is used unless the audit logger is configured to
// include PII.
type ToolInvocation struct {
	Tool string

	UserID     string
	UserEmail  string
	AuthMethod string // AuthMethodService or AuthMethodUser

	// What the agent asked for. Only one of these is set per tool.
	Query      string
	DocumentID string

	ResultCount int

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
	SpanID  string
}

// UserDomain returns the domain portion of the user's email.
func (ti *ToolInvocation) UserDomain() string {
	return ExtractUserDomain(ti.UserEmail)
}

// Status returns "success" or "error" based on the Success field.
func (ti *ToolInvocation) Status() string {
	if ti.Success {
		return StatusSuccess
	}
	return StatusError
}

func (ti *ToolInvocation) commonAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("tool", ti.Tool),
		slog.Duration("duration", ti.Duration),
		slog.Bool("success", ti.Success),
	}
	if ti.AuthMethod != "" {
		attrs = append(attrs, slog.String("auth_method", ti.AuthMethod))
	}
	if ti.DocumentID != "" {
		attrs = append(attrs, logging.DocumentID(ti.DocumentID))
	}
	if ti.Tool == "search" {
		attrs = append(attrs, slog.Int("result_count", ti.ResultCount))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String("error", ti.Error))
	}
	return attrs
}

// LogAttrs returns attributes safe for operational logs: the user is hashed
// and queries are truncated.
func (ti *ToolInvocation) LogAttrs() []slog.Attr {
	attrs := ti.commonAttrs()
	if ti.UserID != "" {
		attrs = append(attrs, logging.UserHash(ti.UserID))
	}
	if ti.UserEmail != "" {
		attrs = append(attrs, slog.String("user_domain", ti.UserDomain()))
	}
	if ti.Query != "" {
		attrs = append(attrs, logging.Query(ti.Query))
	}
	return attrs
}

// LogAuditAttrs returns attributes including the raw user identity and the
// full query. Audit streams carrying these must be access controlled.
func (ti *ToolInvocation) LogAuditAttrs() []slog.Attr {
	attrs := ti.commonAttrs()
	if ti.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ti.UserID))
	}
	if ti.UserEmail != "" {
		attrs = append(attrs, slog.String("user_email", ti.UserEmail))
	}
	if ti.Query != "" {
		attrs = append(attrs, slog.String(logging.KeyQuery, ti.Query))
	}
	if ti.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", ti.SpanID))
	}
	return attrs
}

// NewToolInvocation creates a new ToolInvocation with timing started.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{
		Tool:       tool,
		AuthMethod: AuthMethodService,
		StartTime:  time.Now(),
	}
}

// WithUser records the iManage user the call runs as.
func (ti *ToolInvocation) WithUser(id, email string) *ToolInvocation {
	ti.UserID = id
	ti.UserEmail = email
	if id != "" {
		ti.AuthMethod = AuthMethodUser
	}
	return ti
}

// WithQuery records the search query.
func (ti *ToolInvocation) WithQuery(q string) *ToolInvocation {
	ti.Query = q
	return ti
}

// WithDocument records the fetched document id.
func (ti *ToolInvocation) WithDocument(id string) *ToolInvocation {
	ti.DocumentID = id
	return ti
}

// WithSpanContext copies trace and span ids from the current span.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	ti.TraceID = GetTraceID(ctx)
	ti.SpanID = GetSpanID(ctx)
	return ti
}

// Complete marks the invocation as completed and calculates duration.
func (ti *ToolInvocation) Complete(success bool, err error) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = success
	if err != nil {
		ti.Error = err.Error()
	}
	return ti
}

// AuditLogger writes tool invocations as structured log records.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an enabled AuditLogger that anonymizes users.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true})
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String(logging.KeyComponent, "audit")),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogToolInvocation logs ti at info level on success and warn level on
// failure. A nil AuditLogger is a no-op.
func (al *AuditLogger) LogToolInvocation(ti *ToolInvocation) {
	if al == nil || !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = ti.LogAuditAttrs()
	} else {
		attrs = ti.LogAttrs()
	}

	level := slog.LevelInfo
	msg := "tool_executed"
	if !ti.Success {
		level = slog.LevelWarn
		msg = "tool_failed"
	}
	al.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
