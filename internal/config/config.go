// Package config loads the proxy's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode selects where upstream bearer tokens come from.
type AuthMode string

const (
	// AuthModeService uses the service account for every call. The OAuth relay is disabled.
	AuthModeService AuthMode = "service"
	// AuthModeUser requires an agent bearer on MCP calls and acts as that iManage user.
	AuthModeUser AuthMode = "user"
	// AuthModeHybrid enables the relay for identity but calls iManage as the service account.
	AuthModeHybrid AuthMode = "hybrid"
)

// UserAuthEnabled reports whether the OAuth relay endpoints are served.
func (m AuthMode) UserAuthEnabled() bool {
	return m == AuthModeUser || m == AuthModeHybrid
}

// Valid reports whether m is one of the known modes.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthModeService, AuthModeUser, AuthModeHybrid:
		return true
	}
	return false
}

const (
	DefaultPort          = "10000"
	DefaultMetricsAddr   = ":9090"
	DefaultSearchTimeout = 60 * time.Second
	DefaultTokenTimeout  = 30 * time.Second
)

// Config holds everything needed to talk to one iManage library.
type Config struct {
	// AuthURLPrefix is the identity provider base, e.g. https://cloudimanage.com/auth.
	AuthURLPrefix string
	// URLPrefix is the REST base, e.g. https://cloudimanage.com.
	URLPrefix string

	Username     string
	Password     string
	ClientID     string
	ClientSecret string

	CustomerID string
	LibraryID  string

	// BaseURL is the public URL of this proxy, used for OAuth callbacks.
	BaseURL string
	// OAuthRedirectURIs extends the redirect URIs the configured client may
	// use at /oauth/authorize. ChatGPT's callbacks are always allowed.
	OAuthRedirectURIs []string

	AuthMode AuthMode

	Port           string
	MetricsEnabled bool
	MetricsAddr    string

	Debug     bool
	LogFormat string

	SearchTimeout time.Duration
	TokenTimeout  time.Duration
}

// Load reads the configuration from the process environment.
func Load() *Config {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv, which lets tests supply a map.
func LoadFrom(getenv func(string) string) *Config {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	return &Config{
		AuthURLPrefix:     strings.TrimRight(get("AUTH_URL_PREFIX", ""), "/"),
		URLPrefix:         strings.TrimRight(get("URL_PREFIX", ""), "/"),
		Username:          get("USERNAME", ""),
		Password:          getenv("PASSWORD"),
		ClientID:          get("CLIENT_ID", ""),
		ClientSecret:      getenv("CLIENT_SECRET"),
		CustomerID:        get("CUSTOMER_ID", ""),
		LibraryID:         get("LIBRARY_ID", ""),
		BaseURL:           strings.TrimRight(get("BASE_URL", ""), "/"),
		OAuthRedirectURIs: splitList(getenv("OAUTH_REDIRECT_URIS")),
		AuthMode:          AuthMode(strings.ToLower(get("AUTH_MODE", string(AuthModeService)))),
		Port:              get("PORT", DefaultPort),
		MetricsEnabled:    parseBool(get("METRICS_ENABLED", ""), true),
		MetricsAddr:       get("METRICS_ADDR", DefaultMetricsAddr),
		Debug:             parseBool(get("DEBUG", ""), false),
		LogFormat:         strings.ToLower(get("LOG_FORMAT", "text")),
		SearchTimeout:     parseDuration(get("SEARCH_TIMEOUT", ""), DefaultSearchTimeout),
		TokenTimeout:      parseDuration(get("TOKEN_TIMEOUT", ""), DefaultTokenTimeout),
	}
}

// Validate reports every missing required variable in one error.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"AUTH_URL_PREFIX", c.AuthURLPrefix},
		{"URL_PREFIX", c.URLPrefix},
		{"USERNAME", c.Username},
		{"PASSWORD", c.Password},
		{"CLIENT_ID", c.ClientID},
		{"CLIENT_SECRET", c.ClientSecret},
		{"CUSTOMER_ID", c.CustomerID},
		{"LIBRARY_ID", c.LibraryID},
	}
	if c.AuthMode.UserAuthEnabled() {
		required = append(required, struct {
			name  string
			value string
		}{"BASE_URL", c.BaseURL})
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	if !c.AuthMode.Valid() {
		return fmt.Errorf("invalid AUTH_MODE %q, must be one of: service, user, hybrid", c.AuthMode)
	}
	if c.SearchTimeout <= 0 || c.TokenTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// HTTPAddr returns the listen address derived from Port.
func (c *Config) HTTPAddr() string {
	return ":" + c.Port
}

// LibraryPath returns the REST path segment shared by all document endpoints.
func (c *Config) LibraryPath() string {
	return fmt.Sprintf("/api/v2/customers/%s/libraries/%s", c.CustomerID, c.LibraryID)
}

// DocumentURL returns the citation URL for a document.
func (c *Config) DocumentURL(id string) string {
	return c.URLPrefix + "/work/web" + c.LibraryPath() + "/documents/" + id
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// parseDuration accepts Go durations ("45s") and bare seconds ("45").
func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
