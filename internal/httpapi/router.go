// Package httpapi serves the knot application context over a loopback
// JSON API using chi.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pher-lab/knot/internal/app"
)

const maxBodyBytes = 10 << 20

// NewRouter creates a chi router with all API routes mounted under /api.
// A non-empty token enables Bearer authentication. Only note routes and
// POST /api/activity count as user activity; polling the session does not
// keep the vault open.
func NewRouter(a *app.App, token string, logger *slog.Logger) chi.Router {
	h := NewHandler(a, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(token))

		r.Get("/session", h.GetSession)
		r.Post("/unlock", h.Unlock)
		r.Post("/lock", h.Lock)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUnlocked)
			r.Use(ActivityMiddleware(a.Touch))

			r.Post("/activity", h.Activity)
			r.Get("/notes", h.ListNotes)
			r.Post("/notes", h.CreateNote)
			r.Get("/notes/{id}", h.GetNote)
			r.Put("/notes/{id}", h.UpdateNote)
			r.Delete("/notes/{id}", h.DeleteNote)
			r.Post("/notes/{id}/pin", h.TogglePin)
			r.Put("/notes/{id}/tags", h.SetTags)
			r.Get("/search", h.Search)
			r.Get("/tags", h.ListTags)
		})
	})

	return r
}
