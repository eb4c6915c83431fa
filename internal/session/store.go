// Package session keeps per-user iManage sessions for user-delegated
// authentication.
//
// A session is created when an authorization code from the iManage
// authorization server is exchanged. The upstream tokens are kept in an
// mcp-oauth TokenStore keyed by session id; the Store itself only tracks
// identity and expiry. Access tokens are refreshed on demand and a session
// whose refresh fails is removed.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

const (
	// StateTTL bounds how long an authorization redirect may take.
	StateTTL = 10 * time.Minute
	// SweepInterval is how often Start removes expired sessions and states.
	SweepInterval = 5 * time.Minute
	// defaultUserTokenLifetime applies when the provider omits expires_in.
	defaultUserTokenLifetime = time.Hour
)

var (
	// ErrNotAuthenticated means there is no session for the given id.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionExpired means the session's token expired and could not be refreshed.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidState means the OAuth state is unknown, expired or already used.
	ErrInvalidState = errors.New("invalid or expired OAuth state")
)

// placeholderUser is used when the profile endpoint cannot be read.
var placeholderUser = imanage.UserProfile{ID: "imanage_user", Name: "iManage User"}

// TokenStore persists upstream tokens. It is satisfied by the mcp-oauth
// storage backends.
type TokenStore interface {
	SaveToken(ctx context.Context, userID string, token *oauth2.Token) error
	GetToken(ctx context.Context, userID string) (*oauth2.Token, error)
	DeleteToken(ctx context.Context, userID string) error
}

// ProfileFetcher reads the identity behind an upstream access token.
type ProfileFetcher interface {
	CurrentUser(ctx context.Context, token string) (*imanage.UserProfile, error)
}

// UserSession is a snapshot of one authenticated user.
type UserSession struct {
	SessionID    string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserInfo     imanage.UserProfile
	CreatedAt    time.Time
}

// record is what the Store keeps in memory; tokens live in the TokenStore.
type record struct {
	userID    string
	userInfo  imanage.UserProfile
	createdAt time.Time
	expiresAt time.Time
}

type oauthState struct {
	sessionID string
	createdAt time.Time
	expiresAt time.Time
}

// Store manages user sessions and pending authorization states.
type Store struct {
	oauth      *oauth2.Config
	tokens     TokenStore
	profiles   ProfileFetcher
	httpClient *http.Client
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	states   map[string]*oauthState
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithMetrics records authentications, refreshes and the active session gauge.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store for the OAuth client in cfg. Tokens are kept in
// tokens and user profiles are read through profiles.
func NewStore(cfg *config.Config, tokens TokenStore, profiles ProfileFetcher, opts ...Option) *Store {
	s := &Store{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURLPrefix + "/oauth2/authorize",
				TokenURL:  cfg.AuthURLPrefix + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.BaseURL + "/oauth/callback",
		},
		tokens:   tokens,
		profiles: profiles,
		now:      time.Now,
		sessions: make(map[string]*record),
		states:   make(map[string]*oauthState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = instrumentation.NewHTTPClient(cfg.TokenTimeout)
	}
	s.logger = logging.WithComponent(s.logger, "session")
	return s
}

// GenerateAuthURL records a fresh single-use state for sessionID and returns
// the iManage authorization URL carrying it.
func (s *Store) GenerateAuthURL(sessionID string) (string, error) {
	state, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	s.states[state] = &oauthState{sessionID: sessionID, createdAt: now, expiresAt: now.Add(StateTTL)}
	s.mu.Unlock()

	return s.oauth.AuthCodeURL(state), nil
}

// StateSession returns the session id a pending state was issued for without
// consuming it.
func (s *Store) StateSession(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	if !ok || !s.now().Before(st.expiresAt) {
		return "", false
	}
	return st.sessionID, true
}

// consumeState deletes state and reports whether it was valid.
func (s *Store) consumeState(state string) (*oauthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	if !ok {
		return nil, false
	}
	delete(s.states, state)
	if !s.now().Before(st.expiresAt) {
		return nil, false
	}
	return st, true
}

// ExchangeCode validates and consumes state, exchanges code for upstream
// tokens and creates a session. A state is consumed even when the rest of
// the exchange fails.
func (s *Store) ExchangeCode(ctx context.Context, code, state string) (*UserSession, error) {
	if _, ok := s.consumeState(state); !ok {
		s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		return nil, ErrInvalidState
	}

	tok, err := s.oauth.Exchange(s.clientContext(ctx), code)
	if err != nil {
		s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		s.logger.Warn("authorization code exchange failed", logging.Err(err))
		return nil, &imanage.AuthError{Grant: "authorization_code", Err: imanage.DescribeTokenError(err)}
	}

	profile := placeholderUser
	if p, err := s.profiles.CurrentUser(ctx, tok.AccessToken); err != nil {
		s.logger.Warn("user profile unavailable, using placeholder identity", logging.Err(err))
	} else {
		profile = *p
	}

	now := s.now()
	sessionID := newSessionID(profile.ID, now)
	rec := &record{
		userID:    profile.ID,
		userInfo:  profile,
		createdAt: now,
		expiresAt: now.Add(imanage.TokenLifetime(tok, now, defaultUserTokenLifetime)),
	}
	if err := s.saveToken(ctx, sessionID, tok); err != nil {
		s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sessionID] = rec
	s.mu.Unlock()

	s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)
	s.metrics.IncrementActiveSessions(ctx)
	s.logger.Info("user session created", logging.UserHash(profile.ID), logging.SessionHash(sessionID))

	return snapshot(sessionID, *rec, tok), nil
}

// GetValidToken returns an access token for sessionID, refreshing it when it
// has expired. A session that cannot be refreshed is deleted.
func (s *Store) GetValidToken(ctx context.Context, sessionID string) (string, error) {
	rec, ok := s.record(sessionID)
	if !ok {
		return "", ErrNotAuthenticated
	}

	tok, err := s.tokens.GetToken(ctx, sessionID)
	if err != nil || tok == nil {
		s.logger.Warn("session has no stored token", logging.SessionHash(sessionID), logging.Err(err))
		s.remove(ctx, sessionID)
		return "", ErrNotAuthenticated
	}

	if s.now().Before(rec.expiresAt) {
		return tok.AccessToken, nil
	}

	if tok.RefreshToken == "" {
		s.logger.Info("session expired without refresh token", logging.SessionHash(sessionID))
		s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultExpired)
		s.remove(ctx, sessionID)
		return "", ErrSessionExpired
	}

	refreshed, err := s.refresh(ctx, tok.RefreshToken)
	if err != nil {
		s.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		s.logger.Warn("token refresh failed, removing session", logging.SessionHash(sessionID), logging.Err(err))
		s.remove(ctx, sessionID)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	now := s.now()
	if err := s.saveToken(ctx, sessionID, refreshed); err != nil {
		s.remove(ctx, sessionID)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	s.mu.Lock()
	if current, ok := s.sessions[sessionID]; ok {
		current.expiresAt = now.Add(imanage.TokenLifetime(refreshed, now, defaultUserTokenLifetime))
	}
	s.mu.Unlock()

	s.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)
	s.logger.Debug("session token refreshed", logging.SessionHash(sessionID))
	return refreshed.AccessToken, nil
}

func (s *Store) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An already-expired token forces the library to use the refresh grant.
	expired := &oauth2.Token{AccessToken: "expired", RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := s.oauth.TokenSource(s.clientContext(ctx), expired).Token()
	if err != nil {
		return nil, &imanage.AuthError{Grant: "refresh_token", Err: imanage.DescribeTokenError(err)}
	}
	return tok, nil
}

// Logout removes sessionID and its tokens. It reports whether a session existed.
func (s *Store) Logout(ctx context.Context, sessionID string) bool {
	if _, ok := s.record(sessionID); !ok {
		return false
	}
	s.remove(ctx, sessionID)
	s.logger.Info("user logged out", logging.SessionHash(sessionID))
	return true
}

// Session returns a snapshot of sessionID.
func (s *Store) Session(sessionID string) (*UserSession, bool) {
	rec, ok := s.record(sessionID)
	if !ok {
		return nil, false
	}
	tok, err := s.tokens.GetToken(context.Background(), sessionID)
	if err != nil {
		tok = nil
	}
	return snapshot(sessionID, rec, tok), true
}

// SweepExpired removes expired sessions and states and returns how many of
// each were removed.
func (s *Store) SweepExpired(ctx context.Context) (sessions, states int) {
	now := s.now()
	var expired []string

	s.mu.Lock()
	for id, rec := range s.sessions {
		if !now.Before(rec.expiresAt) {
			expired = append(expired, id)
		}
	}
	for key, st := range s.states {
		if !now.Before(st.expiresAt) {
			delete(s.states, key)
			states++
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.remove(ctx, id)
	}
	sessions = len(expired)

	if sessions > 0 || states > 0 {
		s.logger.Info("cleaned up expired sessions", slog.Int("sessions", sessions), slog.Int("states", states))
	}
	return sessions, states
}

// Start runs SweepExpired every SweepInterval until ctx is done.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepSafely(ctx)
			}
		}
	}()
}

func (s *Store) sweepSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session sweep panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	s.SweepExpired(ctx)
}

// Stats is the number of live sessions and pending states.
type Stats struct {
	Sessions int `json:"active_sessions"`
	States   int `json:"pending_states"`
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sessions: len(s.sessions), States: len(s.states)}
}

// TokenSource returns a source that resolves the session id carried by ctx.
func (s *Store) TokenSource() imanage.TokenSource {
	return imanage.TokenSourceFunc(func(ctx context.Context) (string, error) {
		id, ok := IDFromContext(ctx)
		if !ok {
			return "", ErrNotAuthenticated
		}
		return s.GetValidToken(ctx, id)
	})
}

func (s *Store) record(sessionID string) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return record{}, false
	}
	return *rec, true
}

func (s *Store) remove(ctx context.Context, sessionID string) {
	s.mu.Lock()
	_, existed := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if err := s.tokens.DeleteToken(ctx, sessionID); err != nil {
		s.logger.Debug("token delete failed", logging.SessionHash(sessionID), logging.Err(err))
	}
	if existed {
		s.metrics.DecrementActiveSessions(ctx)
	}
}

// saveToken stores tok without an expiry: the session record decides when
// to refresh, and the store must keep the refresh token until then.
func (s *Store) saveToken(ctx context.Context, sessionID string, tok *oauth2.Token) error {
	stored := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if err := s.tokens.SaveToken(ctx, sessionID, stored); err != nil {
		return fmt.Errorf("store session token: %w", err)
	}
	return nil
}

func (s *Store) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func snapshot(sessionID string, rec record, tok *oauth2.Token) *UserSession {
	us := &UserSession{
		SessionID: sessionID,
		UserID:    rec.userID,
		ExpiresAt: rec.expiresAt,
		UserInfo:  rec.userInfo,
		CreatedAt: rec.createdAt,
	}
	if tok != nil {
		us.AccessToken = tok.AccessToken
		us.RefreshToken = tok.RefreshToken
	}
	return us
}

func newSessionID(userID string, now time.Time) string {
	sum := sha256.Sum256([]byte(userID + strconv.FormatInt(now.UnixNano(), 10) + uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
