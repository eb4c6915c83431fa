// Package oauth implements the OAuth relay that lets a deep research agent
// act as an individual iManage user.
//
// The relay sits between two OAuth conversations. Toward the agent it is an
// authorization server with dynamic client registration, PKCE and its own
// codes and bearer grants. Toward iManage it is an OAuth client: the browser
// is sent to the iManage login, and the resulting tokens are kept in the
// session store and never handed to the agent. A grant resolves to a user
// session through SessionForAccessToken.
//
// Flow:
//
//	agent -> GET /oauth/authorize -> 302 iManage login
//	iManage -> GET /oauth/callback -> 302 agent redirect_uri?code=...
//	agent -> POST /oauth/token -> {access_token, refresh_token}
//
// All relay endpoints answer 404 while AUTH_MODE is service.
package oauth
