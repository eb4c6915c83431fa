package oauth

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/session"
)

// SessionStore is the part of the user session store the relay drives.
type SessionStore interface {
	GenerateAuthURL(sessionID string) (string, error)
	StateSession(state string) (string, bool)
	ExchangeCode(ctx context.Context, code, state string) (*session.UserSession, error)
	Session(sessionID string) (*session.UserSession, bool)
	Logout(ctx context.Context, sessionID string) bool
}

// Handler is the OAuth relay. Toward the agent it is an authorization server
// issuing its own codes and bearer grants; toward iManage it is an OAuth
// client whose tokens stay in the session store.
type Handler struct {
	enabled  bool
	baseURL  string
	version  string
	sessions SessionStore
	clients  *ClientStore
	flows    *FlowStore
	limiter  *RateLimiter
	audit    *AuditLogger
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*handlerOptions)

type handlerOptions struct {
	logger     *slog.Logger
	now        func() time.Time
	rate       float64
	burst      int
	trustProxy bool
	version    string
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *handlerOptions) { o.logger = l }
}

// WithClock injects the time source used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(o *handlerOptions) { o.now = now }
}

// WithRateLimit overrides the per-IP limit on authorize, token and register.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *handlerOptions) {
		o.rate = perSecond
		o.burst = burst
	}
}

// WithTrustProxy makes the rate limiter key on X-Forwarded-For.
func WithTrustProxy(trust bool) Option {
	return func(o *handlerOptions) { o.trustProxy = trust }
}

// WithVersion sets the version reported by MCP discovery.
func WithVersion(v string) Option {
	return func(o *handlerOptions) { o.version = v }
}

// NewHandler builds the relay for cfg. The relay endpoints are served only
// when user authentication is enabled and sessions is non-nil.
func NewHandler(cfg *config.Config, sessions SessionStore, opts ...Option) *Handler {
	o := handlerOptions{
		now:     time.Now,
		rate:    DefaultRateLimitRate,
		burst:   DefaultRateLimitBurst,
		version: "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.WithComponent(o.logger, "oauth_relay")

	h := &Handler{
		enabled:  cfg.AuthMode.UserAuthEnabled() && sessions != nil,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		version:  o.version,
		sessions: sessions,
		clients:  NewClientStore(o.logger, cfg.ClientID, cfg.ClientSecret, cfg.OAuthRedirectURIs),
		flows:    NewFlowStore(o.logger, o.now),
		audit:    NewAuditLogger(o.logger),
		now:      o.now,
		logger:   logger,
	}
	h.clients.now = o.now
	if o.rate > 0 {
		h.limiter = NewRateLimiter(o.rate, o.burst, o.trustProxy, o.logger)
		h.limiter.now = o.now
	}
	return h
}

// Enabled reports whether the relay endpoints are live.
func (h *Handler) Enabled() bool { return h.enabled }

// Start runs the flow and rate limiter janitors until ctx is done.
func (h *Handler) Start(ctx context.Context) {
	if !h.enabled {
		return
	}
	h.flows.Start(ctx)
	if h.limiter != nil {
		h.limiter.Start(ctx)
	}
}

// Register mounts the relay and discovery endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /oauth/authorize", h.guard(h.rateLimited(http.HandlerFunc(h.ServeAuthorize))))
	mux.Handle("GET /oauth/callback", h.guard(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("POST /oauth/token", h.guard(h.rateLimited(http.HandlerFunc(h.ServeToken))))
	mux.Handle("GET /oauth/userinfo", h.guard(http.HandlerFunc(h.ServeUserInfo)))
	mux.Handle("POST /oauth/revoke", h.guard(h.rateLimited(http.HandlerFunc(h.ServeRevoke))))
	mux.Handle("POST /oauth/register", h.guard(h.rateLimited(http.HandlerFunc(h.ServeRegister))))
	mux.Handle("GET /.well-known/oauth-authorization-server", h.guard(http.HandlerFunc(h.ServeAuthorizationServerMetadata)))
	mux.HandleFunc("GET /.well-known/mcp", h.ServeMCPDiscovery)
}

// URL returns the public URL of a relay path.
func (h *Handler) URL(path string) string {
	return h.baseURL + path
}

// SessionForAccessToken resolves an agent bearer token to the user session it
// was issued for. Grants whose session has ended do not resolve.
func (h *Handler) SessionForAccessToken(token string) (string, bool) {
	if !h.enabled || token == "" {
		return "", false
	}
	g, err := h.flows.Grant(token)
	if err != nil {
		return "", false
	}
	if _, ok := h.sessions.Session(g.SessionID); !ok {
		h.flows.RevokeSession(g.SessionID)
		return "", false
	}
	return g.SessionID, true
}

// setSecurityHeaders sets the headers every relay response carries.
func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if u, err := url.Parse(h.baseURL); err == nil && u.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", logging.Err(err))
	}
}

// writeError writes an OAuth error body. Token responses must not be cached.
func (h *Handler) writeError(w http.ResponseWriter, e *OAuthError) {
	h.logger.Debug("OAuth error", slog.String("code", e.Code),
		slog.String("description", e.Description), slog.Int("status", e.Status))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, e.Status, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
<p>Close this window and start the connection from ChatGPT again.</p>
</body>
</html>
`))

// writeErrorPage renders the browser-facing failure page for the login hops.
func (h *Handler) writeErrorPage(w http.ResponseWriter, status int, title, message string) {
	h.logger.Info("authorization flow aborted", slog.Int("status", status), slog.String("reason", message))
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = errorPage.Execute(w, struct{ Title, Message string }{title, message})
}
