package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GenerateCodeChallenge computes the S256 challenge for verifier:
// BASE64URL(SHA256(ASCII(verifier))).
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateCodeChallenge reports whether verifier satisfies challenge under
// method. An empty method means plain.
func ValidateCodeChallenge(verifier, challenge, method string) bool {
	if verifier == "" {
		return false
	}
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = GenerateCodeChallenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// generateToken returns n random bytes, base64url encoded without padding.
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
