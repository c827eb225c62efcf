package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// internalAuth guards service-to-service endpoints with a shared key in the
// X-Internal-Auth header. An empty configured key disables the endpoint
// entirely rather than leaving it open.
func internalAuth(next http.Handler, key string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			slog.Warn("internal endpoint called but INTERNAL_AUTH_KEY is not set", slog.String("path", r.URL.Path))
			http.Error(w, "internal API disabled", http.StatusServiceUnavailable)
			return
		}
		got := r.Header.Get("X-Internal-Auth")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
