package oauth

import (
	"net/http"
	"strings"
)

// guard answers 404 for every relay endpoint while user authentication is
// disabled.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enabled {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "User authentication not enabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited rejects callers that exceed the per-IP limit with 429.
func (h *Handler) rateLimited(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.limiter.ClientIP(r)
		if !h.limiter.Allow(ip) {
			h.audit.LogRateLimitExceeded(ip, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			h.writeError(w, ErrRateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WWWAuthenticate is the challenge sent with 401 responses to agents.
func (h *Handler) WWWAuthenticate(errCode string) string {
	v := `Bearer realm="` + h.baseURL + `"`
	if errCode != "" {
		v += `, error="` + errCode + `"`
	}
	return v
}
