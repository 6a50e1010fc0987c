package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires the request to present apiKey, either as a Bearer token or
// in X-API-Key. An empty apiKey disables the check.
func Auth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, found := credential(r)
			switch {
			case !found:
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// credential prefers "Authorization: Bearer" over X-API-Key. Other
// Authorization schemes count as no credential.
func credential(r *http.Request) (string, bool) {
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		tok = strings.TrimSpace(tok)
		return tok, tok != ""
	}
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	return key, key != ""
}
