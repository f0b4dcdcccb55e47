package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware guards the API with basic auth. User is fixed to "jobq",
// password checked against the configured bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == "jobq" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="jobq API"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
