package oauth

import (
	"fmt"
	"net/http"
)

// Error codes from RFC 6749 section 5.2, RFC 6750 and RFC 7591.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidGrant          = "invalid_grant"
	CodeInvalidClient         = "invalid_client"
	CodeUnsupportedGrantType  = "unsupported_grant_type"
	CodeInvalidToken          = "invalid_token"
	CodeServerError           = "server_error"
	CodeInvalidClientMetadata = "invalid_client_metadata"
	CodeInvalidRedirectURI    = "invalid_redirect_uri"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError is an error response of the relay's JSON endpoints.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError returns an error with an explicit status.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant covers unknown, expired, replayed and mismatched codes and
// refresh tokens.
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidGrant, desc, http.StatusBadRequest)
}

func ErrInvalidClient(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidClient, desc, http.StatusUnauthorized)
}

func ErrUnsupportedGrantType(desc string) *OAuthError {
	return NewOAuthError(CodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func ErrInvalidToken(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidToken, desc, http.StatusUnauthorized)
}

func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(CodeServerError, desc, http.StatusInternalServerError)
}

func ErrInvalidClientMetadata(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidClientMetadata, desc, http.StatusBadRequest)
}

func ErrInvalidRedirectURI(desc string) *OAuthError {
	return NewOAuthError(CodeInvalidRedirectURI, desc, http.StatusBadRequest)
}

// ErrRateLimited is answered with Retry-After by the caller.
func ErrRateLimited() *OAuthError {
	return NewOAuthError(CodeRateLimitExceeded, "Rate limit exceeded. Please try again later", http.StatusTooManyRequests)
}
