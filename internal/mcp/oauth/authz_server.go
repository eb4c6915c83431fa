package oauth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/session"
)

// ServeAuthorize starts a relay flow: it records the agent's request and
// sends the browser to the iManage login.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	ip := getClientIP(r, false)

	if q.Get("response_type") != "code" {
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "response_type must be \"code\".")
		return
	}
	if clientID == "" || redirectURI == "" {
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "client_id and redirect_uri are required.")
		return
	}
	if !h.clients.Known(clientID) {
		h.audit.LogAuthFailure(clientID, ip, "unknown client")
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "Unknown client.")
		return
	}
	if err := h.clients.ValidateRedirectURI(clientID, redirectURI); err != nil {
		h.audit.LogInvalidRedirect(clientID, ip, err.Error())
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "The redirect URI is not allowed for this client.")
		return
	}
	if challenge == "" && h.clients.IsPublic(clientID) {
		h.audit.LogInvalidPKCE(clientID, ip)
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "Public clients must send a code_challenge.")
		return
	}
	if challenge != "" && method == "" {
		method = PKCEMethodPlain
	}
	if method != "" && method != PKCEMethodS256 && method != PKCEMethodPlain {
		h.writeErrorPage(w, http.StatusBadRequest, "Authorization failed", "Unsupported code_challenge_method.")
		return
	}

	flowID, err := generateToken(32)
	if err != nil {
		h.writeErrorPage(w, http.StatusInternalServerError, "Authorization failed", "Could not start the login.")
		return
	}
	authURL, err := h.sessions.GenerateAuthURL(flowID)
	if err != nil {
		h.logger.Error("failed to build iManage authorization URL", logging.Err(err))
		h.writeErrorPage(w, http.StatusInternalServerError, "Authorization failed", "Could not start the login.")
		return
	}

	now := h.now()
	h.flows.SaveFlow(&RelayFlow{
		FlowID:              flowID,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(FlowTTL),
	})

	h.logger.Info("authorization flow started", slog.String("client_id", clientID), slog.Bool("pkce", challenge != ""))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback completes the iManage login, mints a relay code and returns
// the browser to the agent.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := getClientIP(r, false)

	if upstream := q.Get("error"); upstream != "" {
		msg := upstream
		if d := q.Get("error_description"); d != "" {
			msg += ": " + d
		}
		h.audit.LogAuthFailure("", ip, "iManage returned "+msg)
		h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "iManage returned an error: "+msg)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "Missing code or state.")
		return
	}

	flowID, ok := h.sessions.StateSession(state)
	if !ok {
		h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "Invalid or expired state. Please try again.")
		return
	}

	us, err := h.sessions.ExchangeCode(r.Context(), code, state)
	if err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "Invalid or expired state. Please try again.")
			return
		}
		h.audit.LogAuthFailure("", ip, err.Error())
		h.writeErrorPage(w, http.StatusUnauthorized, "Authentication failed", "iManage rejected the login.")
		return
	}

	flow, err := h.flows.ConsumeFlow(flowID)
	if err != nil {
		h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "The authorization request expired. Please try again.")
		return
	}

	relayCode, err := generateToken(32)
	if err != nil {
		h.writeErrorPage(w, http.StatusInternalServerError, "Authentication failed", "Could not complete the login.")
		return
	}
	h.flows.SaveCode(&RelayCode{
		Code:                relayCode,
		SessionID:           us.SessionID,
		ClientID:            flow.ClientID,
		RedirectURI:         flow.RedirectURI,
		CodeChallenge:       flow.CodeChallenge,
		CodeChallengeMethod: flow.CodeChallengeMethod,
		ExpiresAt:           h.now().Add(CodeTTL),
	})
	h.audit.LogAuthSuccess(us.UserID, flow.ClientID, ip)

	target, err := url.Parse(flow.RedirectURI)
	if err != nil {
		h.writeErrorPage(w, http.StatusBadRequest, "Authentication failed", "Invalid redirect URI.")
		return
	}
	params := target.Query()
	params.Set("code", relayCode)
	if flow.State != "" {
		params.Set("state", flow.State)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ServeToken implements the authorization_code and refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Malformed form body"))
		return
	}

	clientID := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")
	if id, s, ok := r.BasicAuth(); ok && clientID == "" {
		clientID, secret = id, s
	}
	if clientID == "" {
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}
	if !h.clients.Known(clientID) {
		h.audit.LogAuthFailure(clientID, getClientIP(r, false), "unknown client")
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case GrantAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientID, secret)
	case GrantRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientID, secret)
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
	default:
		h.writeError(w, ErrUnsupportedGrantType("Unsupported grant type: "+grant))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientID, secret string) {
	ip := getClientIP(r, false)
	code := r.PostForm.Get("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("code is required"))
		return
	}

	rc, err := h.flows.ConsumeCode(code)
	if err != nil {
		h.audit.LogAuthFailure(clientID, ip, err.Error())
		h.writeError(w, ErrInvalidGrant("Invalid or expired authorization code"))
		return
	}
	if rc.ClientID != clientID {
		h.audit.LogAuthFailure(clientID, ip, "code issued to another client")
		h.writeError(w, ErrInvalidGrant("Authorization code was issued to another client"))
		return
	}

	if err := h.clients.Authenticate(clientID, secret); err != nil {
		h.audit.LogAuthFailure(clientID, ip, err.Error())
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return
	}

	if r.PostForm.Get("redirect_uri") != rc.RedirectURI {
		h.audit.LogInvalidRedirect(clientID, ip, "redirect_uri mismatch")
		h.writeError(w, ErrInvalidGrant("redirect_uri does not match the authorization request"))
		return
	}
	if rc.CodeChallenge != "" &&
		!ValidateCodeChallenge(r.PostForm.Get("code_verifier"), rc.CodeChallenge, rc.CodeChallengeMethod) {
		h.audit.LogInvalidPKCE(clientID, ip)
		h.writeError(w, ErrInvalidGrant("Invalid code_verifier"))
		return
	}

	us, ok := h.sessions.Session(rc.SessionID)
	if !ok {
		h.writeError(w, ErrInvalidGrant("The iManage session has ended"))
		return
	}

	resp, err := h.issueGrant(rc.SessionID, clientID)
	if err != nil {
		h.writeError(w, ErrServerError("Could not issue token"))
		return
	}
	h.audit.LogTokenIssued(us.UserID, clientID, ip)
	h.writeToken(w, resp)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientID, secret string) {
	ip := getClientIP(r, false)
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}
	if err := h.clients.Authenticate(clientID, secret); err != nil {
		h.audit.LogAuthFailure(clientID, ip, err.Error())
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return
	}

	g, err := h.flows.ConsumeRefresh(refresh)
	if err != nil {
		h.writeError(w, ErrInvalidGrant("Invalid refresh token"))
		return
	}
	if g.ClientID != clientID {
		h.audit.LogAuthFailure(clientID, ip, "refresh token issued to another client")
		h.writeError(w, ErrInvalidGrant("Refresh token was issued to another client"))
		return
	}
	us, ok := h.sessions.Session(g.SessionID)
	if !ok {
		h.writeError(w, ErrInvalidGrant("The iManage session has ended"))
		return
	}

	resp, err := h.issueGrant(g.SessionID, clientID)
	if err != nil {
		h.writeError(w, ErrServerError("Could not issue token"))
		return
	}
	h.audit.LogTokenRefreshed(us.UserID, clientID, ip)
	h.writeToken(w, resp)
}

func (h *Handler) issueGrant(sessionID, clientID string) (*TokenResponse, error) {
	access, err := generateToken(32)
	if err != nil {
		return nil, err
	}
	refresh, err := generateToken(32)
	if err != nil {
		return nil, err
	}
	h.flows.SaveGrant(&AccessGrant{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		ClientID:     clientID,
		Scope:        ScopeRead,
		ExpiresAt:    h.now().Add(AccessTokenTTL),
	})
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(AccessTokenTTL.Seconds()),
		Scope:        ScopeRead,
		RefreshToken: refresh,
	}, nil
}

func (h *Handler) writeToken(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo returns the identity behind a bearer grant.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := BearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", h.WWWAuthenticate(""))
		h.writeError(w, ErrInvalidToken("Missing bearer token"))
		return
	}
	sessionID, ok := h.SessionForAccessToken(token)
	if !ok {
		w.Header().Set("WWW-Authenticate", h.WWWAuthenticate("invalid_token"))
		h.writeError(w, ErrInvalidToken("Invalid or expired access token"))
		return
	}
	us, ok := h.sessions.Session(sessionID)
	if !ok {
		w.Header().Set("WWW-Authenticate", h.WWWAuthenticate("invalid_token"))
		h.writeError(w, ErrInvalidToken("Invalid or expired access token"))
		return
	}

	info := us.UserInfo
	preferred := info.Email
	if preferred == "" {
		preferred = info.ID
	}
	h.writeJSON(w, http.StatusOK, UserInfoResponse{
		Sub:               info.ID,
		Name:              info.Name,
		Email:             info.Email,
		PreferredUsername: preferred,
	})
}

// ServeRegister implements RFC 7591 dynamic client registration.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r, false)
	if h.limiter != nil {
		ip = h.limiter.ClientIP(r)
	}

	var req ClientRegistrationRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Unreadable request body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, ErrInvalidClientMetadata("Invalid JSON body"))
			return
		}
	}
	for _, uri := range req.RedirectURIs {
		if u, err := url.Parse(uri); err != nil || !u.IsAbs() || u.Host == "" {
			h.writeError(w, ErrInvalidRedirectURI("Invalid redirect URI: "+uri))
			return
		}
	}
	if err := h.clients.CheckIPLimit(ip); err != nil {
		h.writeError(w, NewOAuthError("too_many_registrations", err.Error(), http.StatusTooManyRequests))
		return
	}

	resp, err := h.clients.Register(&req, ip)
	if err != nil {
		h.logger.Error("client registration failed", logging.Err(err))
		h.writeError(w, ErrServerError("Could not register client"))
		return
	}
	h.audit.LogClientRegistered(resp.ClientID, ip)
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeRevoke implements RFC 7009. Revoking either token of a grant logs
// the user out of iManage and drops every grant of that session. Unknown
// tokens are answered with 200.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Malformed form body"))
		return
	}
	clientID := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")
	if id, s, ok := r.BasicAuth(); ok && clientID == "" {
		clientID, secret = id, s
	}
	ip := getClientIP(r, false)
	if clientID == "" || !h.clients.Known(clientID) {
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return
	}
	if err := h.clients.Authenticate(clientID, secret); err != nil {
		h.audit.LogAuthFailure(clientID, ip, err.Error())
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	if g, ok := h.flows.Lookup(token); ok {
		if g.ClientID != clientID {
			h.audit.LogAuthFailure(clientID, ip, "revocation of a token issued to another client")
			h.writeError(w, ErrInvalidGrant("Token was issued to another client"))
			return
		}
		var userID string
		if us, ok := h.sessions.Session(g.SessionID); ok {
			userID = us.UserID
		}
		h.flows.RevokeSession(g.SessionID)
		h.sessions.Logout(r.Context(), g.SessionID)
		h.audit.LogTokenRevoked(userID, clientID, ip)
	}
	h.setSecurityHeaders(w)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            h.baseURL,
		AuthorizationEndpoint:             h.URL("/oauth/authorize"),
		TokenEndpoint:                     h.URL("/oauth/token"),
		UserinfoEndpoint:                  h.URL("/oauth/userinfo"),
		RevocationEndpoint:                h.URL("/oauth/revoke"),
		RegistrationEndpoint:              h.URL("/oauth/register"),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken},
		ScopesSupported:                   []string{ScopeRead},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodClientSecretPost, AuthMethodNone},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256, PKCEMethodPlain},
	})
}

// ServeMCPDiscovery serves /.well-known/mcp in every auth mode.
func (h *Handler) ServeMCPDiscovery(w http.ResponseWriter, r *http.Request) {
	var auth any = map[string]string{"type": "none"}
	if h.enabled {
		auth = map[string]any{
			"type":              "oauth2",
			"authorization_url": h.URL("/oauth/authorize"),
			"token_url":         h.URL("/oauth/token"),
			"userinfo_url":      h.URL("/oauth/userinfo"),
			"scopes":            []string{ScopeRead},
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"version":     h.version,
		"name":        "iManage Deep Research MCP Server",
		"description": "Deep research connector for iManage Work API with hybrid authentication",
		"capabilities": map[string]bool{
			"tools":     true,
			"resources": false,
			"prompts":   false,
		},
		"authentication": auth,
		"endpoint": map[string]string{
			"url":    "/",
			"method": "POST",
		},
	})
}
