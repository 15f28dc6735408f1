/**
 * @description
 * This file contains custom middleware for the HTTP router. The service only
 * talks to other internal services, so authentication is a shared API key
 * rather than end-user tokens.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAPIKeyMiddleware rejects requests that do not carry the shared
// internal key. An empty configured key disables the check, which is only
// acceptable in local development.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"success":false,"error_message":"Invalid or missing internal API key."}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
