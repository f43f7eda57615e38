package auth

import (
	"net/http"
	"strings"
)

// Credential is what ExtractCredential finds on an inbound request.
type Credential struct {
	BearerToken string
	APIKey      string
}

// Present reports whether any credential was found.
func (c Credential) Present() bool {
	return c.BearerToken != "" || c.APIKey != ""
}

// ExtractCredential reads Authorization: Bearer and X-API-Key from r.
// When both are present, the bearer token wins; both are still
// reported so callers can log which were offered.
func ExtractCredential(r *http.Request) Credential {
	var c Credential

	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			c.BearerToken = strings.TrimSpace(auth[len(prefix):])
		}
	}
	c.APIKey = strings.TrimSpace(r.Header.Get("X-API-Key"))

	return c
}

// Preferred returns the credential that wins under the bearer-first
// precedence rule, and which kind it was.
func (c Credential) Preferred() (value string, isBearer bool, ok bool) {
	if c.BearerToken != "" {
		return c.BearerToken, true, true
	}
	if c.APIKey != "" {
		return c.APIKey, false, true
	}
	return "", false, false
}
