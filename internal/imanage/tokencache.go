package imanage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

const (
	// expiryBuffer is subtracted from the provider's lifetime so a token is
	// never handed out moments before iManage rejects it.
	expiryBuffer = 60 * time.Second
	// defaultTokenLifetime applies when the provider omits expires_in.
	defaultTokenLifetime = 1800 * time.Second
)

// TokenSource yields a bearer token for iManage REST calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Invalidator is a TokenSource whose cached token can be dropped.
type Invalidator interface {
	Invalidate()
}

// InvalidateOnUnauthorized drops the token cached by tokens after iManage
// answered 401 with it. It reports whether anything was dropped.
func InvalidateOnUnauthorized(tokens TokenSource, status int) bool {
	inv, ok := tokens.(Invalidator)
	if !ok || status != http.StatusUnauthorized {
		return false
	}
	inv.Invalidate()
	return true
}

// TokenCache holds the service account's bearer token and refreshes it with
// the password grant once it expires. Concurrent refreshes are coalesced.
type TokenCache struct {
	oauth      *oauth2.Config
	username   string
	password   string
	httpClient *http.Client
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithTokenMetrics records token calls as imanage_api_operations_total{operation="token"}.
func WithTokenMetrics(m *instrumentation.Metrics) TokenCacheOption {
	return func(tc *TokenCache) { tc.metrics = m }
}

// WithTokenLogger sets the logger.
func WithTokenLogger(l *slog.Logger) TokenCacheOption {
	return func(tc *TokenCache) { tc.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TokenCacheOption {
	return func(tc *TokenCache) { tc.now = now }
}

// NewTokenCache returns an empty cache for the service account in cfg.
func NewTokenCache(cfg *config.Config, opts ...TokenCacheOption) *TokenCache {
	tc := &TokenCache{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.AuthURLPrefix + "/oauth2/token?scope=admin",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: cfg.Username,
		password: cfg.Password,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	tc.httpClient = instrumentation.NewHTTPClient(cfg.TokenTimeout)
	tc.logger = logging.WithComponent(tc.logger, "token_cache")
	return tc
}

// Token returns the cached token while it is valid, otherwise performs one
// password grant. Callers that arrive during a refresh share its result.
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := tc.cached(); ok {
		return tok, nil
	}

	// Detached so one caller's cancellation does not fail everyone sharing
	// the flight. The HTTP client timeout still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := tc.group.Do("service", func() (any, error) {
		if tok, ok := tc.cached(); ok {
			return tok, nil
		}
		return tc.refresh(flightCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call re-authenticates.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiresAt = time.Time{}
	tc.mu.Unlock()
}

// ExpiresAt returns the instant after which the cached token is refreshed.
func (tc *TokenCache) ExpiresAt() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.expiresAt
}

func (tc *TokenCache) cached() (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token != "" && tc.now().Before(tc.expiresAt) {
		return tc.token, true
	}
	return "", false
}

func (tc *TokenCache) refresh(ctx context.Context) (string, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, instrumentation.OperationToken)
	defer span.End()

	start := time.Now()
	tok, err := tc.oauth.PasswordCredentialsToken(
		context.WithValue(ctx, oauth2.HTTPClient, tc.httpClient),
		tc.username, tc.password,
	)
	if err != nil {
		tc.metrics.RecordUpstreamOperation(ctx, instrumentation.OperationToken, instrumentation.StatusError, time.Since(start))
		instrumentation.SetSpanError(span, err)
		tc.logger.Error("service authentication failed", logging.Err(err))
		return "", &AuthError{Grant: "password", Err: DescribeTokenError(err)}
	}
	tc.metrics.RecordUpstreamOperation(ctx, instrumentation.OperationToken, instrumentation.StatusSuccess, time.Since(start))
	instrumentation.SetSpanSuccess(span)

	now := tc.now()
	expiresAt := now.Add(TokenLifetime(tok, now, defaultTokenLifetime) - expiryBuffer)

	tc.mu.Lock()
	tc.token = tok.AccessToken
	tc.expiresAt = expiresAt
	tc.mu.Unlock()

	tc.logger.Debug("service token refreshed",
		slog.String("token", logging.SanitizeToken(tok.AccessToken)),
		slog.Time("expires_at", expiresAt))
	return tok.AccessToken, nil
}

// TokenLifetime prefers the raw expires_in so an injected clock stays
// authoritative, then the library's computed expiry, then fallback.
func TokenLifetime(tok *oauth2.Token, now time.Time, fallback time.Duration) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		if d := tok.Expiry.Sub(now); d > 0 {
			return d
		}
	}
	return fallback
}

// DescribeTokenError keeps the provider's status and body but drops the
// library's "oauth2: " prefix noise.
func DescribeTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &UpstreamError{
			Operation:  instrumentation.OperationToken,
			StatusCode: re.Response.StatusCode,
			Body:       string(re.Body),
		}
	}
	return err
}
