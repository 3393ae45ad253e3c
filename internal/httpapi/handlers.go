package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pher-lab/knot/internal/app"
	"github.com/pher-lab/knot/internal/cli"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/pkg/vault"
)

// Handler holds API route handlers.
type Handler struct {
	app    *app.App
	logger *slog.Logger
}

// NewHandler creates a new Handler. A nil logger uses slog.Default.
func NewHandler(a *app.App, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{app: a, logger: logger}
}

// GetSession handles GET /api/session.
func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Session.Snapshot())
}

// Activity handles POST /api/activity. The activity middleware already
// recorded the request.
func (h *Handler) Activity(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Unlock handles POST /api/unlock.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.app.Session.Unlock(r.Context(), req.Password)
	var authErr *session.AuthError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.app.Session.Snapshot())
	case errors.As(err, &authErr):
		status := http.StatusUnauthorized
		if authErr.Result.LockoutSeconds != nil {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, authErr.Result)
	case errors.Is(err, session.ErrLockoutActive):
		writeJSON(w, http.StatusTooManyRequests, h.app.Session.Snapshot())
	default:
		h.logger.Error("unlock failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

// Lock handles POST /api/lock.
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.Lock(r.Context()); err != nil {
		// the session is locked regardless; report what went wrong
		h.logger.Error("lock reported an error", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, h.app.Session.Snapshot())
}

// ListNotes handles GET /api/notes. Repeated ?tag= parameters filter by
// tag pattern.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	ws := h.app.Workspace
	if ws.Snapshot().SearchQuery != "" {
		if err := ws.ClearSearch(r.Context()); err != nil {
			h.fail(w, "list notes", err)
			return
		}
	}
	state := ws.Snapshot()

	notes, err := cli.FilterByTags(state.Notes, r.URL.Query()["tag"], state.Tags)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if notes == nil {
		notes = []vault.NoteSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notes": notes,
		"total": len(notes),
	})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.app.OpenNote(r.Context(), id); err != nil {
		h.fail(w, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Workspace.Snapshot().Current)
}

// CreateNote handles POST /api/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.app.CreateNote(r.Context(), req.Title)
	if err != nil {
		h.fail(w, "create note", err)
		return
	}
	if req.Content != "" {
		note, err = h.app.SaveNote(r.Context(), note.ID, note.Title, req.Content)
		if err != nil {
			h.fail(w, "create note", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.app.SaveNote(r.Context(), chi.URLParam(r, "id"), req.Title, req.Content)
	if err != nil {
		h.fail(w, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.app.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TogglePin handles POST /api/notes/{id}/pin.
func (h *Handler) TogglePin(w http.ResponseWriter, r *http.Request) {
	pinned, err := h.app.Workspace.TogglePin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "toggle pin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

// SetTags handles PUT /api/notes/{id}/tags.
func (h *Handler) SetTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	tags, err := h.app.Workspace.SetTags(r.Context(), chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		h.fail(w, "set tags", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tags": tags})
}

// Search handles GET /api/search?q=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if err := h.app.Workspace.Search(r.Context(), q); err != nil {
		h.fail(w, "search", err)
		return
	}
	notes := h.app.Workspace.Snapshot().Notes
	if notes == nil {
		notes = []vault.NoteSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query": q,
		"notes": notes,
	})
}

// ListTags handles GET /api/tags.
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	h.app.Workspace.RefreshTags(r.Context())
	tags := h.app.Workspace.Snapshot().Tags
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tags": tags})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, vault.ErrNoteNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, vault.ErrVaultLocked):
		writeJSON(w, http.StatusLocked, errorBody("vault is locked"))
	case errors.Is(err, vault.ErrNoteTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(err.Error()))
	case errors.Is(err, vault.ErrTitleTooLong),
		errors.Is(err, vault.ErrTooManyTags),
		errors.Is(err, vault.ErrTagTooLong):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
