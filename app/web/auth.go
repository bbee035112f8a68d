package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces basic auth against the configured bcrypt hash.
// The api is JSON-only, so there is no cookie/session flow, just 401 with a
// challenge for anything unauthenticated.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" { // health checks stay open
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && username == "genwatch" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="genwatch"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
