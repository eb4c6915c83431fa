package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/server"
	"github.com/teemow/imanage-mcp/internal/tools/document_tools"
)

const (
	transportHTTP  = "streamable-http"
	transportStdio = "stdio"

	metricsStartupTimeout = 5 * time.Second
)

// serveFlags holds the serve command line. A flag only overrides the
// environment when it was set explicitly.
type serveFlags struct {
	transport      string
	httpAddr       string
	debug          bool
	logFormat      string
	authMode       string
	baseURL        string
	trustProxy     bool
	metricsEnabled bool
	metricsAddr    string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server providing the search and fetch
tools over one iManage Work library.

Supports two transport types:
  - streamable-http: JSON-RPC on POST / plus OAuth relay, health and diagnostics (default)
  - stdio: Standard input/output, always using the service account

Configuration is read from the environment:
  AUTH_URL_PREFIX, URL_PREFIX, USERNAME, PASSWORD, CLIENT_ID, CLIENT_SECRET,
  CUSTOMER_ID and LIBRARY_ID are required. BASE_URL is required unless
  AUTH_MODE is service.

Authentication modes (--auth-mode or AUTH_MODE):
  service: every call uses the service account (default)
  user:    agents sign in through the OAuth relay and act as that iManage user
  hybrid:  sign-in identifies the user, calls use the service account`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			applyServeFlags(cmd, cfg, flags)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.transport, "transport", transportHTTP, "Transport type: streamable-http or stdio")
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address (default :$PORT, PORT defaults to 10000)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging. Can also use DEBUG env var.")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json. Can also use LOG_FORMAT env var.")
	cmd.Flags().StringVar(&flags.authMode, "auth-mode", string(config.AuthModeService), "Authentication mode: service, user or hybrid. Can also use AUTH_MODE env var.")
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "Public base URL for OAuth callbacks. Can also use BASE_URL env var.")
	cmd.Flags().BoolVar(&flags.trustProxy, "trust-proxy", false, "Trust X-Forwarded-For and X-Real-IP for rate limiting. Only enable behind a trusted reverse proxy.")
	cmd.Flags().BoolVar(&flags.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// applyServeFlags copies explicitly set flags over the environment values.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, flags serveFlags) {
	changed := cmd.Flags().Changed
	if changed("debug") {
		cfg.Debug = flags.debug
	}
	if changed("log-format") {
		cfg.LogFormat = strings.ToLower(flags.logFormat)
	}
	if changed("auth-mode") {
		cfg.AuthMode = config.AuthMode(strings.ToLower(flags.authMode))
	}
	if changed("base-url") {
		cfg.BaseURL = strings.TrimRight(flags.baseURL, "/")
	}
	if changed("metrics-enabled") {
		cfg.MetricsEnabled = flags.metricsEnabled
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
}

// listenAddr prefers --http-addr over PORT.
func listenAddr(cfg *config.Config, flags serveFlags) string {
	if flags.httpAddr != "" {
		return flags.httpAddr
	}
	return cfg.HTTPAddr()
}

func runServe(ctx context.Context, cfg *config.Config, flags serveFlags) error {
	logger := logging.New(cfg.Debug, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if flags.transport != transportHTTP && flags.transport != transportStdio {
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", flags.transport)
	}
	if flags.transport == transportStdio && cfg.AuthMode != config.AuthModeService {
		logger.Warn("stdio transport has no OAuth relay, using the service account",
			slog.String("auth_mode", string(cfg.AuthMode)))
		cfg.AuthMode = config.AuthModeService
	}

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	instrConfig.ResourceAttributes = map[string]string{
		"imanage.customer_id": cfg.CustomerID,
		"imanage.library_id":  cfg.LibraryID,
		"imanage.auth_mode":   string(cfg.AuthMode),
	}
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithVersion(version),
	}
	if provider.Enabled() {
		opts = append(opts,
			server.WithMetrics(provider.Metrics()),
			server.WithAuditLogger(instrumentation.NewAuditLoggerWithConfig(logger, instrConfig.AuditLogging)))
	}
	sc, err := server.NewServerContext(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		if err := sc.Shutdown(); err != nil {
			logger.Warn("server context shutdown failed", logging.Err(err))
		}
	}()

	if flags.transport == transportStdio {
		return runStdioServer(sc)
	}

	if cfg.MetricsEnabled && provider.UsesPrometheus() {
		metricsServer, err := startMetricsServer(cfg.MetricsAddr, provider, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", logging.Err(err))
			}
		}()
	}

	if cfg.AuthMode == config.AuthModeService {
		selfTest(ctx, sc, logger)
	}

	return runStreamableHTTPServer(ctx, sc, listenAddr(cfg, flags), flags.trustProxy, logger)
}

func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		logger.Info("metrics server started", slog.String("addr", metricsServer.Addr()))
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(metricsStartupTimeout):
		return nil, fmt.Errorf("metrics server startup timed out")
	}
}

// selfTest obtains a service token once so misconfigured credentials show up
// in the startup log. Failure does not stop the server.
func selfTest(ctx context.Context, sc *server.ServerContext, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, sc.Config().TokenTimeout)
	defer cancel()

	if _, err := sc.ServiceTokens().Token(ctx); err != nil {
		logger.Warn("service account token self-test failed, check USERNAME, PASSWORD, CLIENT_ID and CLIENT_SECRET",
			logging.Err(err))
		return
	}
	logger.Info("service account token self-test passed")
}

func runStdioServer(sc *server.ServerContext) error {
	mcpSrv := mcpserver.NewMCPServer("imanage-mcp", version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithInstructions(server.Instructions(sc.Config().AuthMode)),
	)
	if err := document_tools.RegisterDocumentTools(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register document tools: %w", err)
	}

	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, sc *server.ServerContext, addr string, trustProxy bool, logger *slog.Logger) error {
	httpServer, err := server.NewHTTPServer(sc, document_tools.Tools(sc), server.WithTrustProxy(trustProxy))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
