package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/mcp-oauth/storage/memory"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/extract"
	"github.com/teemow/imanage-mcp/internal/fetch"
	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/search"
	"github.com/teemow/imanage-mcp/internal/session"
)

// stoppableTokenStore is a session token store with a background janitor.
type stoppableTokenStore interface {
	session.TokenStore
	Stop()
}

// ServerContext holds the long-lived state shared by tools and HTTP handlers.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg           *config.Config
	version       string
	client        *imanage.Client
	serviceTokens *imanage.TokenCache
	sessions      *session.Store
	tokenStore    stoppableTokenStore
	extractor     *extract.Extractor
	search        *search.Engine
	fetcher       *fetch.Fetcher

	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	logger      *slog.Logger

	mu       sync.RWMutex
	shutdown bool
}

// Option configures a ServerContext.
type Option func(*ServerContext)

// WithMetrics wires metrics into every component.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(sc *ServerContext) { sc.metrics = m }
}

// WithAuditLogger enables tool audit logging.
func WithAuditLogger(a *instrumentation.AuditLogger) Option {
	return func(sc *ServerContext) { sc.auditLogger = a }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(sc *ServerContext) { sc.logger = l }
}

// WithVersion sets the version reported by health and info endpoints.
func WithVersion(v string) Option {
	return func(sc *ServerContext) { sc.version = v }
}

// NewServerContext builds the iManage client, token sources, extractor,
// search engine and fetcher for cfg. The session store exists only when
// user authentication is enabled; its sweep runs until Shutdown.
func NewServerContext(ctx context.Context, cfg *config.Config, opts ...Option) (*ServerContext, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)

	sc := &ServerContext{
		ctx:     shutdownCtx,
		cancel:  cancel,
		cfg:     cfg,
		version: "dev",
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.logger == nil {
		sc.logger = slog.Default()
	}

	sc.client = imanage.NewClient(cfg,
		imanage.WithMetrics(sc.metrics),
		imanage.WithLogger(sc.logger))
	sc.serviceTokens = imanage.NewTokenCache(cfg,
		imanage.WithTokenMetrics(sc.metrics),
		imanage.WithTokenLogger(sc.logger))

	var tokens imanage.TokenSource = sc.serviceTokens
	if cfg.AuthMode.UserAuthEnabled() {
		sc.tokenStore = memory.New()
		sc.sessions = session.NewStore(cfg, sc.tokenStore, sc.client,
			session.WithMetrics(sc.metrics),
			session.WithLogger(sc.logger))
		sc.sessions.Start(shutdownCtx)
		if cfg.AuthMode == config.AuthModeUser {
			tokens = sc.sessions.TokenSource()
		}
	}

	sc.extractor = extract.New(
		extract.WithMetrics(sc.metrics),
		extract.WithLogger(sc.logger))
	sc.search = search.NewEngine(sc.client, tokens,
		search.WithMetrics(sc.metrics),
		search.WithLogger(sc.logger))
	sc.fetcher = fetch.New(sc.client, tokens, sc.extractor,
		fetch.WithLogger(sc.logger))

	sc.logger.Info("server context ready",
		slog.String("auth_mode", string(cfg.AuthMode)),
		slog.Bool("user_auth_enabled", cfg.AuthMode.UserAuthEnabled()))
	return sc, nil
}

// Context returns the server context, cancelled on Shutdown.
func (sc *ServerContext) Context() context.Context { return sc.ctx }

// Config returns the server configuration.
func (sc *ServerContext) Config() *config.Config { return sc.cfg }

// Version returns the server version.
func (sc *ServerContext) Version() string { return sc.version }

// Client returns the iManage REST client.
func (sc *ServerContext) Client() *imanage.Client { return sc.client }

// ServiceTokens returns the service account token cache.
func (sc *ServerContext) ServiceTokens() *imanage.TokenCache { return sc.serviceTokens }

// Sessions returns the user session store, or nil in service mode.
func (sc *ServerContext) Sessions() *session.Store { return sc.sessions }

// Extractor returns the document text extractor.
func (sc *ServerContext) Extractor() *extract.Extractor { return sc.extractor }

// Search returns the search engine.
func (sc *ServerContext) Search() *search.Engine { return sc.search }

// Fetcher returns the document fetcher.
func (sc *ServerContext) Fetcher() *fetch.Fetcher { return sc.fetcher }

// Metrics returns the metrics recorder, possibly nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics { return sc.metrics }

// AuditLogger returns the audit logger, possibly nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger { return sc.auditLogger }

// Logger returns the root logger.
func (sc *ServerContext) Logger() *slog.Logger { return sc.logger }

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels background work and releases the token store.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	if sc.tokenStore != nil {
		sc.tokenStore.Stop()
	}
	return nil
}
