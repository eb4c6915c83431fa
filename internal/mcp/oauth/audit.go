package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/imanage-mcp/internal/logging"
)

// AuditEventType names a security-relevant relay event.
type AuditEventType string

const (
	AuditEventAuthSuccess       AuditEventType = "auth_success"
	AuditEventAuthFailure       AuditEventType = "auth_failure"
	AuditEventTokenIssued       AuditEventType = "token_issued"
	AuditEventTokenRefreshed    AuditEventType = "token_refreshed"
	AuditEventTokenRevoked      AuditEventType = "token_revoked"
	AuditEventInvalidToken      AuditEventType = "invalid_token"
	AuditEventClientRegistered  AuditEventType = "client_registered"
	AuditEventRateLimitExceeded AuditEventType = "rate_limit_exceeded"
	AuditEventInvalidPKCE       AuditEventType = "invalid_pkce"
	AuditEventInvalidRedirect   AuditEventType = "invalid_redirect"
)

// AuditEvent is one audit record. User ids are hashed before logging.
type AuditEvent struct {
	Timestamp    time.Time
	EventType    AuditEventType
	UserID       string
	ClientID     string
	IPAddress    string
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
}

// AuditLogger writes relay audit events.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger. A nil logger uses slog.Default.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logging.WithComponent(logger, "oauth_audit")}
}

// LogEvent writes event. Failures and security events log at warn level.
func (a *AuditLogger) LogEvent(event AuditEvent) {
	if a == nil {
		return
	}
	level := slog.LevelInfo
	switch {
	case !event.Success:
		level = slog.LevelWarn
	case event.EventType == AuditEventRateLimitExceeded,
		event.EventType == AuditEventInvalidPKCE,
		event.EventType == AuditEventInvalidRedirect,
		event.EventType == AuditEventInvalidToken:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(event.EventType)),
		slog.Time("timestamp", event.Timestamp),
		slog.Bool("success", event.Success),
	}
	if event.UserID != "" {
		attrs = append(attrs, logging.UserHash(event.UserID))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	a.logger.LogAttrs(context.Background(), level, "audit_event", attrs...)
}

// LogAuthSuccess records a completed iManage login.
func (a *AuditLogger) LogAuthSuccess(userID, clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventAuthSuccess,
		UserID: userID, ClientID: clientID, IPAddress: ip, Success: true})
}

// LogAuthFailure records a failed login or token request.
func (a *AuditLogger) LogAuthFailure(clientID, ip, reason string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventAuthFailure,
		ClientID: clientID, IPAddress: ip, ErrorMessage: reason})
}

// LogTokenIssued records an access grant issued for a code.
func (a *AuditLogger) LogTokenIssued(userID, clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventTokenIssued,
		UserID: userID, ClientID: clientID, IPAddress: ip, Success: true,
		Metadata: map[string]string{"scope": ScopeRead}})
}

// LogTokenRefreshed records a rotated grant.
func (a *AuditLogger) LogTokenRefreshed(userID, clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventTokenRefreshed,
		UserID: userID, ClientID: clientID, IPAddress: ip, Success: true})
}

// LogTokenRevoked records a revocation that ended an iManage session.
func (a *AuditLogger) LogTokenRevoked(userID, clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventTokenRevoked,
		UserID: userID, ClientID: clientID, IPAddress: ip, Success: true})
}

// LogInvalidPKCE records a failed verifier check.
func (a *AuditLogger) LogInvalidPKCE(clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventInvalidPKCE,
		ClientID: clientID, IPAddress: ip, ErrorMessage: "code_verifier does not match code_challenge"})
}

// LogInvalidRedirect records a rejected redirect URI.
func (a *AuditLogger) LogInvalidRedirect(clientID, ip, reason string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventInvalidRedirect,
		ClientID: clientID, IPAddress: ip, ErrorMessage: reason})
}

// LogClientRegistered records a dynamic registration.
func (a *AuditLogger) LogClientRegistered(clientID, ip string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventClientRegistered,
		ClientID: clientID, IPAddress: ip, Success: true})
}

// LogRateLimitExceeded records a throttled request.
func (a *AuditLogger) LogRateLimitExceeded(ip, path string) {
	a.LogEvent(AuditEvent{Timestamp: time.Now(), EventType: AuditEventRateLimitExceeded,
		IPAddress: ip, ErrorMessage: "rate limit exceeded", Metadata: map[string]string{"path": path}})
}
