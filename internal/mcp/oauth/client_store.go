package oauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/teemow/imanage-mcp/internal/logging"
)

// MaxClientsPerIP caps dynamic registrations from one address.
const MaxClientsPerIP = 10

var (
	errClientNotFound     = errors.New("client not found")
	errInvalidSecret      = errors.New("invalid client secret")
	errRedirectNotAllowed = errors.New("redirect_uri not registered for this client")
	errSecretNotExpected  = errors.New("public client must not send a secret")
)

// RegisteredClient is a dynamically registered agent. Only a bcrypt hash of
// its secret is kept. Public clients have no secret and must use PKCE.
type RegisteredClient struct {
	ClientID     string
	ClientName   string
	SecretHash   []byte
	Public       bool
	RedirectURIs []string
	IssuedAt     time.Time
}

// ClientStore knows the configured client and every registered one.
type ClientStore struct {
	mu           sync.RWMutex
	clients      map[string]*RegisteredClient
	clientsPerIP map[string]int

	staticID        string
	staticSecret    string
	staticRedirects []string

	now    func() time.Time
	logger *slog.Logger
}

// NewClientStore returns a store that also accepts the configured
// staticID/staticSecret pair. The configured client is confidential and may
// redirect to DefaultRedirectURIs plus extraRedirects.
func NewClientStore(logger *slog.Logger, staticID, staticSecret string, extraRedirects []string) *ClientStore {
	return &ClientStore{
		clients:         make(map[string]*RegisteredClient),
		clientsPerIP:    make(map[string]int),
		staticID:        staticID,
		staticSecret:    staticSecret,
		staticRedirects: append(slices.Clone(DefaultRedirectURIs), extraRedirects...),
		now:             time.Now,
		logger:          logging.WithComponent(logger, "oauth_clients"),
	}
}

// CheckIPLimit fails once ip has registered MaxClientsPerIP clients.
func (s *ClientStore) CheckIPLimit(ip string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.clientsPerIP[ip]; n >= MaxClientsPerIP {
		return fmt.Errorf("client registration limit reached for %s (%d/%d)", ip, n, MaxClientsPerIP)
	}
	return nil
}

// Register issues credentials for req. A request without a client name gets
// DefaultClientID, replacing any earlier registration under that id.
func (s *ClientStore) Register(req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	clientID := DefaultClientID
	if req.ClientName != "" {
		clientID = "mcp_" + uuid.NewString()
	}

	public := req.TokenEndpointAuthMethod == AuthMethodNone
	authMethod := AuthMethodClientSecretPost
	var secret string
	var hash []byte
	if public {
		authMethod = AuthMethodNone
	} else {
		var err error
		if secret, err = generateToken(32); err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		if hash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost); err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
	}

	redirects := req.RedirectURIs
	if len(redirects) == 0 {
		redirects = slices.Clone(DefaultRedirectURIs)
	}

	now := s.now()
	s.mu.Lock()
	s.clients[clientID] = &RegisteredClient{
		ClientID:     clientID,
		ClientName:   req.ClientName,
		SecretHash:   hash,
		Public:       public,
		RedirectURIs: redirects,
		IssuedAt:     now,
	}
	if clientIP != "" {
		s.clientsPerIP[clientIP]++
	}
	s.mu.Unlock()

	s.logger.Info("registered OAuth client",
		slog.String("client_id", clientID),
		slog.String("client_name", req.ClientName),
		slog.Bool("public", public),
		slog.Int("redirect_uris", len(redirects)))

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientName:              req.ClientName,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            redirects,
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken},
		ResponseTypes:           []string{"code"},
		Scope:                   ScopeRead,
		TokenEndpointAuthMethod: authMethod,
	}, nil
}

// Known reports whether clientID is the configured client or a registered one.
func (s *ClientStore) Known(clientID string) bool {
	if clientID == "" {
		return false
	}
	if clientID == s.staticID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// IsPublic reports whether clientID registered without a secret. The
// configured client is never public.
func (s *ClientStore) IsPublic(clientID string) bool {
	if clientID == s.staticID {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return ok && c.Public
}

// Authenticate checks secret for clientID. A public client authenticates
// only with an empty secret.
func (s *ClientStore) Authenticate(clientID, secret string) error {
	if clientID != "" && clientID == s.staticID {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.staticSecret)) != 1 {
			return errInvalidSecret
		}
		return nil
	}

	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return errClientNotFound
	}
	if c.Public {
		if secret != "" {
			return errSecretNotExpected
		}
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(c.SecretHash, []byte(secret)); err != nil {
		return errInvalidSecret
	}
	return nil
}

// ValidateRedirectURI accepts only the redirect URIs a client is allowed:
// its registered ones, or for the configured client the defaults plus the
// configured extras.
func (s *ClientStore) ValidateRedirectURI(clientID, redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid redirect_uri %q", redirectURI)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	if clientID == s.staticID {
		if !slices.Contains(s.staticRedirects, redirectURI) {
			return errRedirectNotAllowed
		}
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return errClientNotFound
	}
	if !slices.Contains(c.RedirectURIs, redirectURI) {
		return errRedirectNotAllowed
	}
	return nil
}
