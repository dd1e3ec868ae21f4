package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the management surface with a static bearer token
// compared against a bcrypt hash. With no hash configured the surface
// is closed, not open.
func (a *API) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminTokenHash == "" {
			a.audit.log(AuditAdminAuthFailure, r,
				slog.String("reason", "no admin token configured"))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		token := bearerToken(r)
		if token == "" {
			a.audit.log(AuditAdminAuthFailure, r,
				slog.String("reason", "missing bearer token"))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(a.adminTokenHash), []byte(token)); err != nil {
			a.audit.log(AuditAdminAuthFailure, r,
				slog.String("reason", "token mismatch"))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
