package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/session"
)

const (
	testBaseURL     = "https://mcp.example.com"
	testRedirectURI = "https://chatgpt.com/oauth/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	staticSecret    = "static-secret"
)

// fakeSessions stands in for the iManage side of the login.
type fakeSessions struct {
	mu          sync.Mutex
	n           int
	states      map[string]string
	sessions    map[string]*session.UserSession
	exchangeErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		states:   make(map[string]string),
		sessions: make(map[string]*session.UserSession),
	}
}

func (f *fakeSessions) GenerateAuthURL(sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	state := fmt.Sprintf("state-%d", f.n)
	f.states[state] = sessionID
	return "https://imanage.example.com/auth/authorize?state=" + state, nil
}

func (f *fakeSessions) StateSession(state string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.states[state]
	return id, ok
}

func (f *fakeSessions) ExchangeCode(_ context.Context, code, state string) (*session.UserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[state]; !ok {
		return nil, session.ErrInvalidState
	}
	delete(f.states, state)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	us := &session.UserSession{
		SessionID: "sess-" + code,
		UserID:    "jdoe",
		UserInfo:  imanage.UserProfile{ID: "jdoe", Name: "Jane Doe", Email: "jdoe@example.com"},
	}
	f.sessions[us.SessionID] = us
	return us, nil
}

func (f *fakeSessions) Session(sessionID string) (*session.UserSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	us, ok := f.sessions[sessionID]
	return us, ok
}

func (f *fakeSessions) Logout(_ context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	return ok
}

func (f *fakeSessions) end(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

type relay struct {
	h        *Handler
	mux      *http.ServeMux
	sessions *fakeSessions
	clock    *testClock
}

func newRelay(t *testing.T, mode config.AuthMode, opts ...Option) *relay {
	t.Helper()
	cfg := &config.Config{
		AuthMode:     mode,
		BaseURL:      testBaseURL,
		ClientID:     "static",
		ClientSecret: staticSecret,
	}
	r := &relay{sessions: newFakeSessions(), clock: newTestClock(), mux: http.NewServeMux()}
	opts = append([]Option{WithClock(r.clock.Now), WithRateLimit(0, 0), WithVersion("2.1.0")}, opts...)
	r.h = NewHandler(cfg, r.sessions, opts...)
	r.h.Register(r.mux)
	return r
}

func (r *relay) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, req)
	return rec
}

func (r *relay) get(target string) *httptest.ResponseRecorder {
	return r.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (r *relay) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.do(req)
}

func authorizeQuery(clientID, challenge, method string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"state":         {"agent-state"},
	}
	if challenge != "" {
		q.Set("code_challenge", challenge)
	}
	if method != "" {
		q.Set("code_challenge_method", method)
	}
	return "/oauth/authorize?" + q.Encode()
}

// login runs authorize and callback and returns the relay code.
func (r *relay) login(t *testing.T, clientID, challenge, method string) string {
	t.Helper()
	rec := r.get(authorizeQuery(clientID, challenge, method))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	upstream, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "imanage.example.com", upstream.Host)
	state := upstream.Query().Get("state")
	require.NotEmpty(t, state)

	rec = r.get("/oauth/callback?code=up1&state=" + url.QueryEscape(state))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "chatgpt.com", back.Host)
	assert.Equal(t, "/oauth/callback", back.Path)
	assert.Equal(t, "agent-state", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchangeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {"static"},
		"client_secret": {staticSecret},
		"code_verifier": {testVerifier},
	}
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	return tr
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er), rec.Body.String())
	return er.Error
}

func TestRelay_AuthorizationCodeFlowWithPKCE(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)

	rec := r.postForm("/oauth/token", exchangeForm(code))
	tr := decodeToken(t, rec)
	assert.Equal(t, "bearer", tr.TokenType)
	assert.EqualValues(t, 3600, tr.ExpiresIn)
	assert.Equal(t, "read", tr.Scope)
	assert.NotEmpty(t, tr.AccessToken)
	assert.NotEmpty(t, tr.RefreshToken)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	sessionID, ok := r.h.SessionForAccessToken(tr.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "sess-up1", sessionID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec = r.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var info UserInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "jdoe", info.Sub)
	assert.Equal(t, "Jane Doe", info.Name)
	assert.Equal(t, "jdoe@example.com", info.PreferredUsername)
}

func TestRelay_CodeReplayIsRejected(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)

	decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

	rec := r.postForm("/oauth/token", exchangeForm(code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_ExpiredCode(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)

	r.clock.Advance(CodeTTL)
	rec := r.postForm("/oauth/token", exchangeForm(code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_RedirectMismatch(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)

	form := exchangeForm(code)
	form.Set("redirect_uri", "https://chat.openai.com/aip/callback")
	rec := r.postForm("/oauth/token", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_BadVerifier(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)

	form := exchangeForm(code)
	form.Set("code_verifier", "not-the-verifier")
	rec := r.postForm("/oauth/token", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_PlainChallengeWithoutMethod(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", "plain-verifier", "")

	form := exchangeForm(code)
	form.Set("code_verifier", "plain-verifier")
	decodeToken(t, r.postForm("/oauth/token", form))
}

func TestRelay_ConfidentialClientNeedsSecret(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	code := r.login(t, "static", "", "")
	form := exchangeForm(code)
	form.Del("code_verifier")
	form.Del("client_secret")
	rec := r.postForm("/oauth/token", form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec))

	code = r.login(t, "static", "", "")
	form = exchangeForm(code)
	form.Del("code_verifier")
	form.Del("client_id")
	form.Del("client_secret")
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("static", staticSecret)
	decodeToken(t, r.do(req))
}

func TestRelay_ConfidentialClientPKCEDoesNotReplaceSecret(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	challenge := GenerateCodeChallenge(testVerifier)

	evil := url.Values{
		"response_type":         {"code"},
		"client_id":             {"static"},
		"redirect_uri":          {"https://evil.example.net/steal"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	rec := r.get("/oauth/authorize?" + evil.Encode())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	code := r.login(t, "static", challenge, PKCEMethodS256)
	form := exchangeForm(code)
	form.Del("client_secret")
	rec = r.postForm("/oauth/token", form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec))
}

func TestRelay_PublicClient(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	rec := r.do(httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"token_endpoint_auth_method":"none"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, AuthMethodNone, reg.TokenEndpointAuthMethod)

	rec = r.get(authorizeQuery(reg.ClientID, "", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "public clients must use PKCE")

	code := r.login(t, reg.ClientID, GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	form := exchangeForm(code)
	form.Set("client_id", reg.ClientID)
	form.Set("client_secret", "guessed")
	rec = r.postForm("/oauth/token", form)
	assert.Equal(t, "invalid_client", decodeError(t, rec))

	code = r.login(t, reg.ClientID, GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	form = exchangeForm(code)
	form.Set("client_id", reg.ClientID)
	form.Del("client_secret")
	tr := decodeToken(t, r.postForm("/oauth/token", form))

	decodeToken(t, r.postForm("/oauth/token", url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {tr.RefreshToken},
		"client_id":     {reg.ClientID},
	}))
}

func TestRelay_RefreshRotation(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	first := decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

	refresh := url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {first.RefreshToken},
		"client_id":     {"static"},
	}
	rec := r.postForm("/oauth/token", refresh)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec), "refresh needs the client secret")

	refresh.Set("client_secret", staticSecret)
	second := decodeToken(t, r.postForm("/oauth/token", refresh))
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, ok := r.h.SessionForAccessToken(first.AccessToken)
	assert.False(t, ok, "rotated access token should be gone")
	id, ok := r.h.SessionForAccessToken(second.AccessToken)
	assert.True(t, ok)
	assert.Equal(t, "sess-up1", id)

	rec = r.postForm("/oauth/token", refresh)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_EndedSessionInvalidatesGrant(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	tr := decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

	r.sessions.end("sess-up1")
	_, ok := r.h.SessionForAccessToken(tr.AccessToken)
	assert.False(t, ok)

	rec := r.postForm("/oauth/token", url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {tr.RefreshToken},
		"client_id":     {"static"},
		"client_secret": {staticSecret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelay_RevokeEndsSession(t *testing.T) {
	for _, which := range []string{"access", "refresh"} {
		t.Run(which, func(t *testing.T) {
			r := newRelay(t, config.AuthModeUser)
			code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
			tr := decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

			token := tr.AccessToken
			if which == "refresh" {
				token = tr.RefreshToken
			}
			rec := r.postForm("/oauth/revoke", url.Values{"token": {token}, "client_id": {"static"}, "client_secret": {staticSecret}})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

			_, ok := r.sessions.Session("sess-up1")
			assert.False(t, ok, "iManage session should be logged out")
			_, ok = r.h.SessionForAccessToken(tr.AccessToken)
			assert.False(t, ok)

			// Repeating the revocation is accepted.
			rec = r.postForm("/oauth/revoke", url.Values{"token": {token}, "client_id": {"static"}, "client_secret": {staticSecret}})
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestRelay_RevokeErrors(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	tr := decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

	rec := r.postForm("/oauth/revoke", url.Values{"client_id": {"static"}, "client_secret": {staticSecret}})
	assert.Equal(t, "invalid_request", decodeError(t, rec))

	rec = r.postForm("/oauth/revoke", url.Values{"token": {tr.AccessToken}, "client_id": {"static"}})
	assert.Equal(t, "invalid_client", decodeError(t, rec), "revocation needs the client secret")

	rec = r.postForm("/oauth/revoke", url.Values{"token": {tr.AccessToken}, "client_id": {"nobody"}})
	assert.Equal(t, "invalid_client", decodeError(t, rec))

	rec = r.postForm("/oauth/revoke", url.Values{
		"token": {tr.AccessToken}, "client_id": {"static"}, "client_secret": {"wrong"},
	})
	assert.Equal(t, "invalid_client", decodeError(t, rec))

	_, ok := r.h.SessionForAccessToken(tr.AccessToken)
	assert.True(t, ok, "failed revocations leave the grant alone")
}

func TestRelay_AccessTokenExpires(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	tr := decodeToken(t, r.postForm("/oauth/token", exchangeForm(code)))

	r.clock.Advance(AccessTokenTTL)
	_, ok := r.h.SessionForAccessToken(tr.AccessToken)
	assert.False(t, ok)
}

func TestRelay_AuthorizeValidation(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	tests := []struct {
		name   string
		target string
	}{
		{"wrong response type", strings.Replace(authorizeQuery("static", "", ""), "response_type=code", "response_type=token", 1)},
		{"missing client", "/oauth/authorize?response_type=code&redirect_uri=" + url.QueryEscape(testRedirectURI)},
		{"unknown client", authorizeQuery("nobody", "", "")},
		{"bad method", authorizeQuery("static", "abc", "S512")},
		{"bad redirect", "/oauth/authorize?response_type=code&client_id=static&redirect_uri=" + url.QueryEscape("/relative")},
		{"unlisted redirect", "/oauth/authorize?response_type=code&client_id=static&redirect_uri=" + url.QueryEscape("https://agent.example/cb")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := r.get(tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		})
	}
}

func TestRelay_CallbackErrors(t *testing.T) {
	t.Run("upstream error", func(t *testing.T) {
		r := newRelay(t, config.AuthModeUser)
		rec := r.get("/oauth/callback?error=access_denied&error_description=User+cancelled")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "access_denied: User cancelled")
	})

	t.Run("missing code", func(t *testing.T) {
		r := newRelay(t, config.AuthModeUser)
		rec := r.get("/oauth/callback?state=x")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown state", func(t *testing.T) {
		r := newRelay(t, config.AuthModeUser)
		rec := r.get("/oauth/callback?code=c&state=forged")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("exchange failure", func(t *testing.T) {
		r := newRelay(t, config.AuthModeUser)
		r.sessions.exchangeErr = errors.New("invalid_grant")
		rec := r.get(authorizeQuery("static", "", ""))
		require.Equal(t, http.StatusFound, rec.Code)
		loc, _ := url.Parse(rec.Header().Get("Location"))

		rec = r.get("/oauth/callback?code=c&state=" + loc.Query().Get("state"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired flow", func(t *testing.T) {
		r := newRelay(t, config.AuthModeUser)
		rec := r.get(authorizeQuery("static", "", ""))
		require.Equal(t, http.StatusFound, rec.Code)
		loc, _ := url.Parse(rec.Header().Get("Location"))

		r.clock.Advance(FlowTTL)
		rec = r.get("/oauth/callback?code=c&state=" + loc.Query().Get("state"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRelay_TokenErrors(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{"missing client", url.Values{"grant_type": {GrantAuthorizationCode}}, http.StatusBadRequest, "invalid_request"},
		{"unknown client", url.Values{"grant_type": {GrantAuthorizationCode}, "client_id": {"nobody"}}, http.StatusUnauthorized, "invalid_client"},
		{"missing grant", url.Values{"client_id": {"static"}}, http.StatusBadRequest, "invalid_request"},
		{"unsupported grant", url.Values{"grant_type": {"password"}, "client_id": {"static"}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"missing code", url.Values{"grant_type": {GrantAuthorizationCode}, "client_id": {"static"}}, http.StatusBadRequest, "invalid_request"},
		{"unknown code", url.Values{"grant_type": {GrantAuthorizationCode}, "client_id": {"static"}, "code": {"nope"}}, http.StatusBadRequest, "invalid_grant"},
		{"missing refresh token", url.Values{"grant_type": {GrantRefreshToken}, "client_id": {"static"}}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := r.postForm("/oauth/token", tt.form)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec))
		})
	}
}

func TestRelay_CodeBoundToClient(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)
	reg := r.postForm("/oauth/register", nil)
	require.Equal(t, http.StatusCreated, reg.Code)

	code := r.login(t, "static", GenerateCodeChallenge(testVerifier), PKCEMethodS256)
	form := exchangeForm(code)
	form.Set("client_id", DefaultClientID)
	rec := r.postForm("/oauth/token", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestRelay_UserInfoRequiresBearer(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	rec := r.get("/oauth/userinfo")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="`+testBaseURL+`"`, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer unknown")
	rec = r.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	assert.Equal(t, "invalid_token", decodeError(t, rec))
}

func TestRelay_DisabledInServiceMode(t *testing.T) {
	r := newRelay(t, config.AuthModeService)
	assert.False(t, r.h.Enabled())

	for _, target := range []string{"/oauth/authorize", "/oauth/callback", "/oauth/userinfo", "/.well-known/oauth-authorization-server"} {
		rec := r.get(target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.JSONEq(t, `{"error":"User authentication not enabled"}`, rec.Body.String(), target)
	}
	for _, target := range []string{"/oauth/token", "/oauth/register", "/oauth/revoke"} {
		rec := r.postForm(target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}

	rec := r.get("/.well-known/mcp")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, map[string]any{"type": "none"}, doc["authentication"])
	assert.Equal(t, "2.1.0", doc["version"])

	_, ok := r.h.SessionForAccessToken("anything")
	assert.False(t, ok)
}

func TestRelay_HybridModeIsEnabled(t *testing.T) {
	r := newRelay(t, config.AuthModeHybrid)
	assert.True(t, r.h.Enabled())
	r.login(t, "static", "", "")
}

func TestRelay_Register(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	rec := r.do(httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, DefaultClientID, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Contains(t, resp.RedirectURIs, testRedirectURI)

	code := r.login(t, DefaultClientID, "", "")
	form := exchangeForm(code)
	form.Del("code_verifier")
	form.Set("client_id", DefaultClientID)
	form.Set("client_secret", resp.ClientSecret)
	decodeToken(t, r.postForm("/oauth/token", form))
}

func TestRelay_RegisterRejectsBadInput(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	rec := r.do(httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_client_metadata", decodeError(t, rec))

	rec = r.do(httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["not a url"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_redirect_uri", decodeError(t, rec))
}

func TestRelay_Metadata(t *testing.T) {
	r := newRelay(t, config.AuthModeUser)

	rec := r.get("/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, rec.Code)
	var md AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, testBaseURL, md.Issuer)
	assert.Equal(t, testBaseURL+"/oauth/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, testBaseURL+"/oauth/token", md.TokenEndpoint)
	assert.Equal(t, testBaseURL+"/oauth/register", md.RegistrationEndpoint)
	assert.Equal(t, testBaseURL+"/oauth/revoke", md.RevocationEndpoint)
	assert.Contains(t, md.CodeChallengeMethodsSupported, PKCEMethodS256)
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))

	rec = r.get("/.well-known/mcp")
	var doc struct {
		Authentication map[string]any `json:"authentication"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "oauth2", doc.Authentication["type"])
	assert.Equal(t, testBaseURL+"/oauth/authorize", doc.Authentication["authorization_url"])
}

func TestRelay_RateLimit(t *testing.T) {
	r := newRelay(t, config.AuthModeUser, WithRateLimit(1, 2))

	for i := 0; i < 2; i++ {
		rec := r.get(authorizeQuery("static", "", ""))
		assert.Equal(t, http.StatusFound, rec.Code)
	}
	rec := r.get(authorizeQuery("static", "", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, rec))

	// Callbacks are never throttled.
	rec = r.get("/oauth/callback?code=c&state=forged")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v, want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
