package oauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/imanage-mcp/internal/logging"
)

var (
	errFlowNotFound  = errors.New("authorization flow not found or expired")
	errCodeNotFound  = errors.New("authorization code not found or expired")
	errGrantNotFound = errors.New("grant not found or expired")
)

// FlowStore holds pending flows, unredeemed codes and issued grants.
// Flows and codes are single use.
type FlowStore struct {
	mu      sync.Mutex
	flows   map[string]*RelayFlow
	codes   map[string]*RelayCode
	access  map[string]*AccessGrant
	refresh map[string]*AccessGrant
	now     func() time.Time
	logger  *slog.Logger
}

// NewFlowStore creates an empty store. now may be nil.
func NewFlowStore(logger *slog.Logger, now func() time.Time) *FlowStore {
	if now == nil {
		now = time.Now
	}
	return &FlowStore{
		flows:   make(map[string]*RelayFlow),
		codes:   make(map[string]*RelayCode),
		access:  make(map[string]*AccessGrant),
		refresh: make(map[string]*AccessGrant),
		now:     now,
		logger:  logging.WithComponent(logger, "oauth_flows"),
	}
}

// SaveFlow stores flow under its FlowID.
func (s *FlowStore) SaveFlow(flow *RelayFlow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.FlowID] = flow
}

// ConsumeFlow returns and deletes the flow for flowID.
func (s *FlowStore) ConsumeFlow(flowID string) (*RelayFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[flowID]
	if !ok {
		return nil, errFlowNotFound
	}
	delete(s.flows, flowID)
	if !s.now().Before(flow.ExpiresAt) {
		return nil, errFlowNotFound
	}
	return flow, nil
}

// SaveCode stores an agent authorization code.
func (s *FlowStore) SaveCode(code *RelayCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}

// ConsumeCode returns and deletes code. Deleting before any further checks
// makes a replayed code fail even if the first redemption was rejected.
func (s *FlowStore) ConsumeCode(code string) (*RelayCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.codes[code]
	if !ok {
		return nil, errCodeNotFound
	}
	delete(s.codes, code)
	if !s.now().Before(rc.ExpiresAt) {
		return nil, errCodeNotFound
	}
	return rc, nil
}

// SaveGrant indexes grant by its access and refresh tokens.
func (s *FlowStore) SaveGrant(grant *AccessGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[grant.AccessToken] = grant
	if grant.RefreshToken != "" {
		s.refresh[grant.RefreshToken] = grant
	}
}

// Grant returns the unexpired grant for an access token.
func (s *FlowStore) Grant(accessToken string) (*AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.access[accessToken]
	if !ok || !s.now().Before(g.ExpiresAt) {
		return nil, errGrantNotFound
	}
	return g, nil
}

// ConsumeRefresh removes the grant owning refreshToken, including its access
// token, and returns it. Refresh tokens outlive their access token.
func (s *FlowStore) ConsumeRefresh(refreshToken string) (*AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.refresh[refreshToken]
	if !ok {
		return nil, errGrantNotFound
	}
	delete(s.refresh, refreshToken)
	delete(s.access, g.AccessToken)
	return g, nil
}

// Lookup finds the grant owning an access or refresh token. Expired access
// tokens still resolve so they can be revoked.
func (s *FlowStore) Lookup(token string) (*AccessGrant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.access[token]; ok {
		return g, true
	}
	g, ok := s.refresh[token]
	return g, ok
}

// RevokeSession drops every grant bound to sessionID.
func (s *FlowStore) RevokeSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, g := range s.access {
		if g.SessionID == sessionID {
			delete(s.access, tok)
			n++
		}
	}
	for tok, g := range s.refresh {
		if g.SessionID == sessionID {
			delete(s.refresh, tok)
		}
	}
	return n
}

// CleanupExpired removes expired flows, codes and access tokens. Refresh
// tokens stay until redeemed or revoked.
func (s *FlowStore) CleanupExpired() (flows, codes, grants int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, f := range s.flows {
		if !now.Before(f.ExpiresAt) {
			delete(s.flows, id)
			flows++
		}
	}
	for c, rc := range s.codes {
		if !now.Before(rc.ExpiresAt) {
			delete(s.codes, c)
			codes++
		}
	}
	for tok, g := range s.access {
		if !now.Before(g.ExpiresAt) {
			delete(s.access, tok)
			grants++
		}
	}
	if flows > 0 || codes > 0 || grants > 0 {
		s.logger.Debug("cleaned up OAuth flow data",
			slog.Int("flows", flows), slog.Int("codes", codes), slog.Int("grants", grants))
	}
	return flows, codes, grants
}

// Start runs CleanupExpired every CleanupInterval until ctx is done.
func (s *FlowStore) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired()
			}
		}
	}()
}

// Counts reports the number of pending flows, unredeemed codes and live access tokens.
func (s *FlowStore) Counts() (flows, codes, grants int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows), len(s.codes), len(s.access)
}
