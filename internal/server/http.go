package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/mcp/oauth"
	"github.com/teemow/imanage-mcp/internal/mcp/rpc"
	"github.com/teemow/imanage-mcp/internal/session"
)

const (
	// ServerName is announced by initialize, the info document and discovery.
	ServerName = "iManage Deep Research MCP Server"

	serverDescription = "MCP server with hybrid authentication for ChatGPT integration with iManage Work API"

	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout covers a fetch: metadata, download and extraction.
	DefaultWriteTimeout = 180 * time.Second
	// DefaultIdleTimeout is the keep-alive timeout.
	DefaultIdleTimeout = 120 * time.Second
)

// Instructions returned by initialize, per auth mode.
const (
	instructionsService = "This server provides access to iManage document search and retrieval. " +
		"No authentication is required as the server handles iManage authentication internally."
	instructionsUser = "This server provides access to iManage document search and retrieval. " +
		"Sign in with your iManage account; searches and fetches run with your own document permissions."
	instructionsHybrid = "This server provides access to iManage document search and retrieval. " +
		"Signing in identifies you to the server; documents are retrieved with the server's service account."
)

// HTTPServer serves the MCP endpoint, the OAuth relay, health probes and
// diagnostics on one mux.
type HTTPServer struct {
	sc          *ServerContext
	router      *rpc.Router
	relay       *oauth.Handler
	health      *HealthChecker
	diagnostics *Diagnostics
	handler     http.Handler
	httpServer  *http.Server
	logger      *slog.Logger
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	trustProxy bool
}

// WithTrustProxy makes rate limiting key on X-Forwarded-For.
func WithTrustProxy(trust bool) HTTPOption {
	return func(o *httpOptions) { o.trustProxy = trust }
}

// NewHTTPServer builds the HTTP surface for tools. When user authentication
// is enabled BASE_URL must be https, or http on a loopback host.
func NewHTTPServer(sc *ServerContext, tools []mcpserver.ServerTool, opts ...HTTPOption) (*HTTPServer, error) {
	var o httpOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := sc.Config()
	if cfg.AuthMode.UserAuthEnabled() {
		if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
			return nil, err
		}
	}

	// A nil *session.Store must not become a non-nil interface.
	var sessions oauth.SessionStore
	if s := sc.Sessions(); s != nil {
		sessions = s
	}
	relayOpts := []oauth.Option{
		oauth.WithLogger(sc.Logger()),
		oauth.WithVersion(sc.Version()),
		oauth.WithTrustProxy(o.trustProxy),
	}

	s := &HTTPServer{
		sc:          sc,
		relay:       oauth.NewHandler(cfg, sessions, relayOpts...),
		health:      NewHealthChecker(sc),
		diagnostics: NewDiagnostics(sc),
		logger:      logging.WithComponent(sc.Logger(), "http"),
	}
	s.router = rpc.NewRouter(
		rpc.ServerInfo{Name: ServerName, Version: sc.Version(), Instructions: Instructions(cfg.AuthMode)},
		tools,
		rpc.WithAuthMethods(s.authMethods()...),
		rpc.WithAuthStatus(s.authStatus),
		rpc.WithLogger(sc.Logger()),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /{$}", s.authenticate(s.router))
	mux.HandleFunc("GET /{$}", s.serveInfo)
	s.health.Register(mux)
	s.diagnostics.Register(mux)
	s.relay.Register(mux)

	s.handler = instrumentation.Middleware(sc.Metrics(), "mcp-http", cors(mux))
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.handler }

// Relay returns the OAuth relay.
func (s *HTTPServer) Relay() *oauth.Handler { return s.relay }

// Health returns the health checker.
func (s *HTTPServer) Health() *HealthChecker { return s.health }

// Start listens on addr until Shutdown. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *HTTPServer) Start(addr string) error {
	s.relay.Start(s.sc.Context())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	cfg := s.sc.Config()
	s.logger.Info("starting HTTP server",
		slog.String("addr", addr),
		slog.String("auth_mode", string(cfg.AuthMode)),
		slog.Bool("user_auth_enabled", s.relay.Enabled()),
		slog.String("customer_id", cfg.CustomerID),
		slog.String("library_id", cfg.LibraryID))
	return s.httpServer.ListenAndServe()
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// authenticate resolves the agent bearer to a user session. In user mode a
// missing or unknown bearer is rejected with 401; in hybrid mode the bearer
// only identifies the caller and may be absent.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	mode := s.sc.Config().AuthMode
	if !s.relay.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := oauth.BearerToken(r)
		if present {
			if id, ok := s.relay.SessionForAccessToken(token); ok {
				next.ServeHTTP(w, r.WithContext(session.WithSessionID(r.Context(), id)))
				return
			}
		}
		if mode == config.AuthModeHybrid {
			next.ServeHTTP(w, r)
			return
		}

		errCode, desc := "", "Authentication required"
		if present {
			errCode, desc = "invalid_token", "Invalid or expired access token"
		}
		s.logger.Debug("rejected unauthenticated MCP request", slog.Bool("bearer_present", present))
		w.Header().Set("WWW-Authenticate", s.relay.WWWAuthenticate(errCode))
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "unauthorized",
			"error_description": desc,
		})
	})
}

func (s *HTTPServer) authMethods() []rpc.AuthMethod {
	if !s.relay.Enabled() {
		return []rpc.AuthMethod{}
	}
	return []rpc.AuthMethod{{
		Type:             "oauth2",
		AuthorizationURL: s.relay.URL("/oauth/authorize"),
		TokenURL:         s.relay.URL("/oauth/token"),
		Scopes:           []string{oauth.ScopeRead},
	}}
}

func (s *HTTPServer) authStatus(ctx context.Context) rpc.AuthStatus {
	if _, ok := session.IDFromContext(ctx); ok {
		return rpc.AuthStatus{Authenticated: true, Method: "oauth2"}
	}
	return rpc.AuthStatus{Authenticated: true, Method: "none"}
}

func (s *HTTPServer) serveInfo(w http.ResponseWriter, _ *http.Request) {
	cfg := s.sc.Config()
	authentication := "service"
	var authorize any
	if s.relay.Enabled() {
		authentication = "hybrid"
		authorize = "GET /oauth/authorize"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           ServerName,
		"version":        s.sc.Version(),
		"description":    serverDescription,
		"protocol":       "MCP/1.0",
		"capabilities":   []string{"tools"},
		"status":         "healthy",
		"authentication": authentication,
		"auth_mode":      string(cfg.AuthMode),
		"endpoints": map[string]any{
			"mcp":             "POST /",
			"oauth_authorize": authorize,
			"health":          "GET /health",
			"test":            "GET /test",
		},
	})
}

// Instructions returns the initialize instructions for mode.
func Instructions(mode config.AuthMode) string {
	switch mode {
	case config.AuthModeUser:
		return instructionsUser
	case config.AuthModeHybrid:
		return instructionsHybrid
	default:
		return instructionsService
	}
}

// cors allows every origin and answers preflight requests with 204.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Allow", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateHTTPSRequirement allows plain http only for loopback hosts.
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("OAuth requires HTTPS for BASE_URL (got: %s). Use HTTPS or localhost for development", baseURL)
		}
		return nil
	default:
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}
}
