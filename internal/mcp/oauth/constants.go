package oauth

import "time"

// Relay lifetimes.
const (
	// FlowTTL bounds the time between /oauth/authorize and the iManage callback.
	FlowTTL = 10 * time.Minute

	// CodeTTL is how long a relay authorization code can be redeemed.
	CodeTTL = 10 * time.Minute

	// AccessTokenTTL is the lifetime of an access grant issued to the agent.
	AccessTokenTTL = time.Hour

	// CleanupInterval is how often expired flows, codes and grants are removed.
	CleanupInterval = time.Minute
)

// Rate limiting defaults for the browser and token endpoints.
const (
	DefaultRateLimitRate   = 10
	DefaultRateLimitBurst  = 20
	RateLimitCleanup       = 5 * time.Minute
	InactiveLimiterTimeout = 10 * time.Minute
)

// Values advertised to agents.
const (
	ScopeRead = "read"

	// DefaultClientID is issued by dynamic registration when the client gives no name.
	DefaultClientID = "chatgpt_mcp_client"

	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	AuthMethodClientSecretPost = "client_secret_post"
	AuthMethodNone             = "none"
)

// DefaultRedirectURIs are registered when a client registers without any.
var DefaultRedirectURIs = []string{
	"https://chatgpt.com/oauth/callback",
	"https://chat.openai.com/oauth/callback",
}
