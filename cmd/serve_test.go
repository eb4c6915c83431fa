package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/imanage-mcp/internal/config"
)

func TestApplyServeFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "unset flags keep environment values",
			args: nil,
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.AuthModeHybrid, cfg.AuthMode)
				assert.Equal(t, "https://env.example.com", cfg.BaseURL)
				assert.False(t, cfg.MetricsEnabled)
				assert.Equal(t, ":9999", cfg.MetricsAddr)
				assert.Equal(t, "json", cfg.LogFormat)
			},
		},
		{
			name: "explicit flags override environment",
			args: []string{"--auth-mode=USER", "--base-url=https://flag.example.com/", "--metrics-enabled=true", "--metrics-addr=:7070", "--log-format=TEXT", "--debug"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.AuthModeUser, cfg.AuthMode)
				assert.Equal(t, "https://flag.example.com", cfg.BaseURL)
				assert.True(t, cfg.MetricsEnabled)
				assert.Equal(t, ":7070", cfg.MetricsAddr)
				assert.Equal(t, "text", cfg.LogFormat)
				assert.True(t, cfg.Debug)
			},
		},
		{
			name: "flag set to its default still overrides",
			args: []string{"--auth-mode=service"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.AuthModeService, cfg.AuthMode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{
				"AUTH_MODE":       "hybrid",
				"BASE_URL":        "https://env.example.com",
				"METRICS_ENABLED": "false",
				"METRICS_ADDR":    ":9999",
				"LOG_FORMAT":      "json",
			}
			cfg := config.LoadFrom(func(k string) string { return env[k] })

			cmd := newServeCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))
			var flags serveFlags
			flags.authMode, _ = cmd.Flags().GetString("auth-mode")
			flags.baseURL, _ = cmd.Flags().GetString("base-url")
			flags.metricsEnabled, _ = cmd.Flags().GetBool("metrics-enabled")
			flags.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			flags.logFormat, _ = cmd.Flags().GetString("log-format")
			flags.debug, _ = cmd.Flags().GetBool("debug")

			applyServeFlags(cmd, cfg, flags)
			tt.check(t, cfg)
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &config.Config{Port: "10000"}
	if got := listenAddr(cfg, serveFlags{}); got != ":10000" {
		t.Errorf("listenAddr() = %q, want %q", got, ":10000")
	}
	if got := listenAddr(cfg, serveFlags{httpAddr: "127.0.0.1:8080"}); got != "127.0.0.1:8080" {
		t.Errorf("listenAddr() = %q, want %q", got, "127.0.0.1:8080")
	}
}

func TestRunServe_RejectsIncompleteConfig(t *testing.T) {
	err := runServe(context.Background(), &config.Config{AuthMode: config.AuthModeService}, serveFlags{transport: transportHTTP})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required environment variables not set: AUTH_URL_PREFIX")
}

func TestRunServe_RejectsUnknownTransport(t *testing.T) {
	cfg := completeConfig("https://imanage.example.com")
	err := runServe(context.Background(), cfg, serveFlags{transport: "sse"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type: sse")
}

func completeConfig(prefix string) *config.Config {
	env := map[string]string{
		"AUTH_URL_PREFIX": prefix + "/auth",
		"URL_PREFIX":      prefix,
		"USERNAME":        "svc",
		"PASSWORD":        "pw",
		"CLIENT_ID":       "client",
		"CLIENT_SECRET":   "secret",
		"CUSTOMER_ID":     "123",
		"LIBRARY_ID":      "ACTIVE",
	}
	return config.LoadFrom(func(k string) string { return env[k] })
}

func TestRunProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/oauth2/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"svc-token","token_type":"bearer","expires_in":1800}`))
		case "/api/v2/customers/123/features":
			assert.Equal(t, "svc-token", r.Header.Get("X-Auth-Token"))
			_, _ = w.Write([]byte(`{"data":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runProbe(context.Background(), completeConfig(srv.URL), &out))
	assert.Contains(t, out.String(), `"status": "success"`)
	assert.Contains(t, out.String(), `"customer_id": "123"`)
}

func TestRunProbe_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runProbe(context.Background(), completeConfig(srv.URL), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), `"status": "error"`)
	assert.Contains(t, out.String(), "iManage connection failed")
}

func TestToolsMarkdown(t *testing.T) {
	md, err := toolsMarkdown()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(md, "# MCP Tools Reference\n\n"))
	assert.Contains(t, md, "- [Document Tools](#document-tools)")
	assert.Contains(t, md, "### fetch\n\n")
	assert.Contains(t, md, "### search\n\n")
	assert.Less(t, strings.Index(md, "### fetch"), strings.Index(md, "### search"))
	assert.Contains(t, md, "- `query` (required): ")
	assert.Contains(t, md, "- `id` (required): Document ID obtained from search results")
}

func TestGetCategoryFromToolName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"search", "Document Tools"},
		{"fetch", "Document Tools"},
		{"gmail_list", "Other"},
		{"", "Other"},
	}
	for _, tt := range tests {
		if got := getCategoryFromToolName(tt.name); got != tt.want {
			t.Errorf("getCategoryFromToolName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestGenerateToolMarkdown_OptionalArgument(t *testing.T) {
	tool := mcp.NewTool("lookup",
		mcp.WithDescription("Looks things up"),
		mcp.WithNumber("limit"),
	)
	md := generateToolMarkdown(tool)
	assert.Contains(t, md, "### lookup\n\nLooks things up\n\n")
	assert.Contains(t, md, "- `limit` (optional): number parameter")
}
