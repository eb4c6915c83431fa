package imanage

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError means no bearer token could be obtained from the identity
// provider. It maps to HTTP 401 on HTTP surfaces.
type AuthError struct {
	// Grant is the OAuth grant that failed: password, authorization_code or refresh_token.
	Grant string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("Authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status used when the error reaches a client.
func (e *AuthError) StatusCode() int { return http.StatusUnauthorized }

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// UpstreamError is a non-2xx response from the iManage REST API.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}
