package middleware

import (
	"net/http"
	"strings"

	"gemini-stealth-gateway/internal/core/auth"
	"gemini-stealth-gateway/internal/shared/logs"
)

// BearerAuthConstructor guards a route with the stats token. A disabled
// authenticator passes everything through.
func BearerAuthConstructor(a *auth.Authenticator) MiddlewareConstructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if _, err := a.ValidateToken(token); err != nil {
				logs.Warn("rejected stats token", "path", r.URL.Path, "err", err)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
