package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pher-lab/knot/internal/autolock"
	"github.com/pher-lab/knot/internal/session"
)

// AuthMiddleware validates a Bearer token. An empty token lets every
// request through.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			got := strings.TrimPrefix(auth, "Bearer ")
			if !strings.HasPrefix(auth, "Bearer ") || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActivityMiddleware counts each request it wraps as user activity.
func ActivityMiddleware(touch func(autolock.Activity)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			touch(autolock.KeyPress)
			next.ServeHTTP(w, r)
		})
	}
}

// requireUnlocked rejects requests while the session is not unlocked.
func (h *Handler) requireUnlocked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.app.Session.Snapshot().Screen != session.ScreenUnlocked {
			writeJSON(w, http.StatusLocked, errorBody("vault is locked"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
