package server

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"livewatch/internal/config"
)

const authRealm = `Basic realm="livewatch"`

// requireAuth gates a handler behind HTTP basic auth. Only the password is
// checked; the username is ignored.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w, "Not authenticated")
			return
		}
		if !checkPassword(s.opts.Auth, password) {
			s.logger.Warn("rejected credentials",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			s.unauthorized(w, "Invalid password")
			return
		}
		next(w, r)
	}
}

func (s *Server) unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", authRealm)
	writeError(w, http.StatusUnauthorized, detail)
}

func checkPassword(auth config.AuthConfig, password string) bool {
	if auth.Check() != nil {
		return false
	}
	if auth.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(auth.Password), []byte(password)) == 1
}
