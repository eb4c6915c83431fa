package oauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStore_RegisterDefaults(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)

	resp, err := s.Register(&ClientRegistrationRequest{}, "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, DefaultClientID, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, DefaultRedirectURIs, resp.RedirectURIs)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "read", resp.Scope)
	assert.Equal(t, "client_secret_post", resp.TokenEndpointAuthMethod)
	assert.Zero(t, resp.ClientSecretExpiresAt)
	assert.NotZero(t, resp.ClientIDIssuedAt)

	assert.True(t, s.Known(DefaultClientID))
	assert.NoError(t, s.Authenticate(DefaultClientID, resp.ClientSecret))
	assert.Error(t, s.Authenticate(DefaultClientID, "wrong"))
}

func TestClientStore_NamedClientGetsUniqueID(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)

	a, err := s.Register(&ClientRegistrationRequest{ClientName: "Agent", RedirectURIs: []string{"https://a.example/cb"}}, "")
	require.NoError(t, err)
	b, err := s.Register(&ClientRegistrationRequest{ClientName: "Agent"}, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ClientID, b.ClientID)
	assert.True(t, strings.HasPrefix(a.ClientID, "mcp_"))
	assert.Equal(t, []string{"https://a.example/cb"}, a.RedirectURIs)
}

func TestClientStore_ReRegistrationReplacesSecret(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)
	first, err := s.Register(&ClientRegistrationRequest{}, "")
	require.NoError(t, err)
	second, err := s.Register(&ClientRegistrationRequest{}, "")
	require.NoError(t, err)

	assert.Error(t, s.Authenticate(DefaultClientID, first.ClientSecret))
	assert.NoError(t, s.Authenticate(DefaultClientID, second.ClientSecret))
}

func TestClientStore_StaticClient(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)

	assert.True(t, s.Known("static"))
	assert.False(t, s.Known(""))
	assert.False(t, s.Known("nobody"))
	assert.NoError(t, s.Authenticate("static", "static-secret"))
	assert.Error(t, s.Authenticate("static", ""))
	assert.Error(t, s.Authenticate("nobody", "x"))
}

func TestClientStore_ValidateRedirectURI(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", []string{"https://agent.example/cb"})
	_, err := s.Register(&ClientRegistrationRequest{}, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		uri      string
		wantErr  bool
	}{
		{"registered uri", DefaultClientID, "https://chatgpt.com/oauth/callback", false},
		{"unregistered uri", DefaultClientID, "https://evil.example/cb", true},
		{"static client default", "static", "https://chat.openai.com/oauth/callback", false},
		{"static client configured extra", "static", "https://agent.example/cb", false},
		{"static client unlisted", "static", "https://evil.example.net/steal", true},
		{"relative uri", "static", "/cb", true},
		{"custom scheme", "static", "javascript:alert(1)", true},
		{"fragment", "static", "https://agent.example/cb#x", true},
		{"unknown client", "nobody", "https://chatgpt.com/oauth/callback", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateRedirectURI(tt.clientID, tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientStore_PublicClient(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)

	resp, err := s.Register(&ClientRegistrationRequest{ClientName: "cli", TokenEndpointAuthMethod: AuthMethodNone}, "")
	require.NoError(t, err)
	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, AuthMethodNone, resp.TokenEndpointAuthMethod)

	assert.True(t, s.IsPublic(resp.ClientID))
	assert.False(t, s.IsPublic("static"))
	assert.False(t, s.IsPublic("nobody"))
	assert.NoError(t, s.Authenticate(resp.ClientID, ""))
	assert.Error(t, s.Authenticate(resp.ClientID, "anything"))
}

func TestClientStore_IPLimit(t *testing.T) {
	s := NewClientStore(nil, "static", "static-secret", nil)
	for i := 0; i < MaxClientsPerIP; i++ {
		require.NoError(t, s.CheckIPLimit("10.0.0.9"))
		_, err := s.Register(&ClientRegistrationRequest{ClientName: "n"}, "10.0.0.9")
		require.NoError(t, err)
	}
	assert.Error(t, s.CheckIPLimit("10.0.0.9"))
	assert.NoError(t, s.CheckIPLimit("10.0.0.10"))
}
