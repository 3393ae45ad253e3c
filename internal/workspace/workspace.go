// Package workspace keeps the in-memory note list and the open note of an
// unlocked session in step with the vault.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/text/cases"

	"github.com/pher-lab/knot/pkg/vault"
)

// ErrNoNoteSelected is returned when an operation needs an open note.
var ErrNoNoteSelected = errors.New("workspace: no note selected")

// NoteStore is the note half of the vault.
type NoteStore interface {
	CreateNote(ctx context.Context, title, content string) (vault.Note, error)
	GetNote(ctx context.Context, id string) (vault.Note, error)
	UpdateNote(ctx context.Context, id, title, content string) (vault.Note, error)
	DeleteNote(ctx context.Context, id string) error
	ListNotes(ctx context.Context) ([]vault.NoteSummary, error)
	SearchNotes(ctx context.Context, query string) ([]vault.NoteSummary, error)
	TogglePin(ctx context.Context, id string) (bool, error)
	SetTags(ctx context.Context, id string, tags []string) ([]string, error)
	ListTags(ctx context.Context) ([]string, error)
}

// State is a copy of the workspace contents.
type State struct {
	Notes       []vault.NoteSummary
	Current     *vault.Note
	SelectedID  string
	SearchQuery string
	Tags        []string
	IsLoading   bool
	Error       string
}

// Workspace is the note list plus the open note. Store calls run without
// holding the state lock, so navigation can proceed while a save is slow.
type Workspace struct {
	store  NoteStore
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New returns an empty Workspace over store.
func New(store NoteStore, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{store: store, logger: logger}
}

// Snapshot returns a copy of the current state.
func (w *Workspace) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.state
	s.Notes = append([]vault.NoteSummary(nil), w.state.Notes...)
	s.Tags = append([]string(nil), w.state.Tags...)
	if w.state.Current != nil {
		n := *w.state.Current
		s.Current = &n
	}
	return s
}

// Load replaces the list with every note in the vault.
func (w *Workspace) Load(ctx context.Context) error {
	w.begin()
	notes, err := w.store.ListNotes(ctx)
	if err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	w.state.Notes = notes
	sortNotes(w.state.Notes)
	w.state.IsLoading = false
	w.mu.Unlock()

	w.RefreshTags(ctx)
	return nil
}

// Select opens the note with id. An empty id clears the selection.
func (w *Workspace) Select(ctx context.Context, id string) error {
	if id == "" {
		w.mu.Lock()
		w.state.SelectedID = ""
		w.state.Current = nil
		w.mu.Unlock()
		return nil
	}

	w.begin()
	note, err := w.store.GetNote(ctx, id)
	if err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	w.state.SelectedID = id
	w.state.Current = &note
	w.state.IsLoading = false
	w.mu.Unlock()
	return nil
}

// Create adds an empty note and selects it.
func (w *Workspace) Create(ctx context.Context) (vault.Note, error) {
	return w.CreateWithTitle(ctx, "")
}

// CreateWithTitle adds an empty note with the given title and selects it.
func (w *Workspace) CreateWithTitle(ctx context.Context, title string) (vault.Note, error) {
	w.begin()
	note, err := w.store.CreateNote(ctx, title, "")
	if err != nil {
		return vault.Note{}, w.fail(err)
	}

	w.mu.Lock()
	w.state.Notes = append([]vault.NoteSummary{note.Summary()}, w.state.Notes...)
	sortNotes(w.state.Notes)
	w.state.SelectedID = note.ID
	w.state.Current = &note
	w.state.IsLoading = false
	w.mu.Unlock()
	return note, nil
}

// Update persists title and content of id and patches its list entry. The
// open note is replaced only if id is still the selected note.
func (w *Workspace) Update(ctx context.Context, id, title, content string) (vault.Note, error) {
	w.clearError()
	note, err := w.store.UpdateNote(ctx, id, title, content)
	if err != nil {
		return vault.Note{}, w.fail(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.state.Notes {
		if w.state.Notes[i].ID == id {
			w.state.Notes[i].Title = note.Title
			w.state.Notes[i].UpdatedAt = note.UpdatedAt
			w.state.Notes[i].Tags = note.Tags
			break
		}
	}
	sortNotes(w.state.Notes)
	if w.state.SelectedID == id {
		w.state.Current = &note
	}
	return note, nil
}

// Delete removes id. If it was selected the selection is cleared.
func (w *Workspace) Delete(ctx context.Context, id string) error {
	w.clearError()
	if err := w.store.DeleteNote(ctx, id); err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	kept := w.state.Notes[:0]
	for _, n := range w.state.Notes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	w.state.Notes = kept
	if w.state.SelectedID == id {
		w.state.SelectedID = ""
		w.state.Current = nil
	}
	w.mu.Unlock()

	w.RefreshTags(ctx)
	return nil
}

// TogglePin flips the pinned flag of id and returns the new value.
func (w *Workspace) TogglePin(ctx context.Context, id string) (bool, error) {
	w.clearError()
	pinned, err := w.store.TogglePin(ctx, id)
	if err != nil {
		return false, w.fail(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.state.Notes {
		if w.state.Notes[i].ID == id {
			w.state.Notes[i].Pinned = pinned
			break
		}
	}
	sortNotes(w.state.Notes)
	if w.state.Current != nil && w.state.Current.ID == id {
		w.state.Current.Pinned = pinned
	}
	return pinned, nil
}

// SetTags replaces the tags of id and returns the normalized set.
func (w *Workspace) SetTags(ctx context.Context, id string, tags []string) ([]string, error) {
	w.clearError()
	saved, err := w.store.SetTags(ctx, id, tags)
	if err != nil {
		return nil, w.fail(err)
	}

	w.mu.Lock()
	for i := range w.state.Notes {
		if w.state.Notes[i].ID == id {
			w.state.Notes[i].Tags = saved
			break
		}
	}
	if w.state.Current != nil && w.state.Current.ID == id {
		w.state.Current.Tags = saved
	}
	w.mu.Unlock()

	w.RefreshTags(ctx)
	return saved, nil
}

// FindByTitle returns the first listed note whose title equals title,
// ignoring case.
func (w *Workspace) FindByTitle(title string) (vault.NoteSummary, bool) {
	want := cases.Fold().String(title)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range w.state.Notes {
		if cases.Fold().String(n.Title) == want {
			return n, true
		}
	}
	return vault.NoteSummary{}, false
}

// NavigateToTitle opens the note titled title, creating it when none exists.
// It reports whether a note was created.
func (w *Workspace) NavigateToTitle(ctx context.Context, title string) (bool, error) {
	if n, ok := w.FindByTitle(title); ok {
		return false, w.Select(ctx, n.ID)
	}
	if _, err := w.CreateWithTitle(ctx, title); err != nil {
		return false, err
	}
	return true, nil
}

// Search replaces the list with notes matching query. An empty query lists
// every note.
func (w *Workspace) Search(ctx context.Context, query string) error {
	w.mu.Lock()
	w.state.SearchQuery = query
	w.state.IsLoading = true
	w.state.Error = ""
	w.mu.Unlock()

	notes, err := w.store.SearchNotes(ctx, query)
	if err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// a newer search owns the list
	if w.state.SearchQuery != query {
		return nil
	}
	w.state.Notes = notes
	sortNotes(w.state.Notes)
	w.state.IsLoading = false
	return nil
}

// ClearSearch drops the query and reloads the full list.
func (w *Workspace) ClearSearch(ctx context.Context) error {
	w.mu.Lock()
	w.state.SearchQuery = ""
	w.mu.Unlock()
	return w.Load(ctx)
}

// RefreshTags reloads the tag list. Failures are logged only.
func (w *Workspace) RefreshTags(ctx context.Context) {
	tags, err := w.store.ListTags(ctx)
	if err != nil {
		w.logger.Debug("workspace: tag refresh failed", slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.state.Tags = tags
	w.mu.Unlock()
}

// ClearError clears the recorded error.
func (w *Workspace) ClearError() {
	w.clearError()
}

// Reset drops every note held in memory.
func (w *Workspace) Reset() {
	w.mu.Lock()
	w.state = State{}
	w.mu.Unlock()
}

func (w *Workspace) begin() {
	w.mu.Lock()
	w.state.IsLoading = true
	w.state.Error = ""
	w.mu.Unlock()
}

func (w *Workspace) clearError() {
	w.mu.Lock()
	w.state.Error = ""
	w.mu.Unlock()
}

func (w *Workspace) fail(err error) error {
	w.mu.Lock()
	w.state.Error = err.Error()
	w.state.IsLoading = false
	w.mu.Unlock()
	return err
}

// sortNotes orders pinned notes first, then by most recent update.
func sortNotes(notes []vault.NoteSummary) {
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].Pinned != notes[j].Pinned {
			return notes[i].Pinned
		}
		return notes[i].UpdatedAt.After(notes[j].UpdatedAt)
	})
}
