// Package app wires the vault, the session controller and the note
// workspace into one application context shared by every front end.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pher-lab/knot/internal/autolock"
	"github.com/pher-lab/knot/internal/clipboard"
	"github.com/pher-lab/knot/internal/pending"
	"github.com/pher-lab/knot/internal/sched"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/internal/settings"
	"github.com/pher-lab/knot/internal/workspace"
	"github.com/pher-lab/knot/pkg/vault"
)

var _ session.CooldownReporter = (*vault.Vault)(nil)

// ErrNoRecoveryKey is returned by CopyRecoveryKey when none is shown.
var ErrNoRecoveryKey = errors.New("app: no recovery key to copy")

// Options configure New. Only VaultDir is required.
type Options struct {
	VaultDir       string
	Scheduler      sched.Scheduler
	Clipboard      clipboard.Clipboard
	Logger         *slog.Logger
	Debounce       time.Duration
	ActivityWindow time.Duration
	ClipboardClear time.Duration
	VaultOptions   []vault.Option
}

// App is the application context.
type App struct {
	Vault     *vault.Vault
	Settings  *settings.Store
	Workspace *workspace.Workspace
	Tracker   *pending.Tracker
	Session   *session.Controller
	Monitor   *autolock.Monitor
	Clipboard *clipboard.Clearer

	logger      *slog.Logger
	unsubscribe func()
	unlocked    bool
}

// New builds the application context. Call Initialize before use.
func New(opts Options) (*App, error) {
	if opts.VaultDir == "" {
		return nil, errors.New("app: vault directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := opts.Scheduler
	if s == nil {
		s = sched.Real{}
	}
	cb := opts.Clipboard
	if cb == nil {
		cb = clipboard.System{}
	}
	clearAfter := opts.ClipboardClear
	if clearAfter == 0 {
		clearAfter = clipboard.DefaultClearAfter
	}

	a := &App{logger: logger}

	vaultOpts := append([]vault.Option{vault.WithLogger(logger)}, opts.VaultOptions...)
	a.Vault = vault.New(opts.VaultDir, vaultOpts...)
	a.Settings = settings.NewStore(opts.VaultDir)
	a.Workspace = workspace.New(a.Vault, logger)
	a.Tracker = pending.New(pending.SaverFunc(a.saveEdit),
		pending.WithScheduler(s),
		pending.WithDelay(opts.Debounce),
		pending.WithLogger(logger),
	)
	a.Session = session.New(session.Deps{
		Vault:     a.Vault,
		Flusher:   a.Tracker,
		Workspace: a.Workspace,
		Settings:  a.Settings,
		Scheduler: s,
		Logger:    logger,
	})
	a.Clipboard = clipboard.NewClearer(cb, s, clearAfter, logger)

	a.unsubscribe = a.Session.Subscribe(a.follow)
	a.Monitor = autolock.New(a.Session,
		autolock.WithScheduler(s),
		autolock.WithWindow(opts.ActivityWindow),
		autolock.WithLogger(logger),
	)
	return a, nil
}

// Initialize selects the first screen.
func (a *App) Initialize(ctx context.Context) error {
	return a.Session.Initialize(ctx)
}

// follow loads the notes when the session becomes unlocked and drops
// everything note-related when it leaves that state.
func (a *App) follow(s session.Session) {
	unlocked := s.Screen == session.ScreenUnlocked
	if unlocked == a.unlocked {
		return
	}
	a.unlocked = unlocked

	if unlocked {
		if err := a.Workspace.Load(context.Background()); err != nil {
			a.logger.Warn("app: failed to load notes", slog.String("error", err.Error()))
		}
		return
	}

	if e, ok := a.Tracker.Pending(); ok {
		a.logger.Warn("app: dropping unsaved edit on lock", slog.String("note_id", e.NoteID))
		a.Tracker.Discard(e.NoteID)
	}
	a.Workspace.Reset()
	a.Clipboard.Clear()
}

func (a *App) saveEdit(ctx context.Context, e pending.Edit) error {
	_, err := a.Workspace.Update(ctx, e.NoteID, e.Title, e.Content)
	return err
}

// Touch records user activity for auto-lock.
func (a *App) Touch(activity autolock.Activity) {
	a.Monitor.Touch(activity)
}

// OpenNote saves any buffered edit, then opens id.
func (a *App) OpenNote(ctx context.Context, id string) error {
	if err := a.Tracker.Flush(ctx); err != nil {
		return fmt.Errorf("app: failed to save before switching notes: %w", err)
	}
	return a.Workspace.Select(ctx, id)
}

// EditNote buffers a new title and content for id. The write happens after
// the debounce delay, on the next OpenNote, or on lock.
func (a *App) EditNote(ctx context.Context, id, title, content string) error {
	return a.Tracker.Edit(ctx, pending.Edit{NoteID: id, Title: title, Content: content})
}

// SaveNote persists id immediately.
func (a *App) SaveNote(ctx context.Context, id, title, content string) (vault.Note, error) {
	a.Tracker.Discard(id)
	return a.Workspace.Update(ctx, id, title, content)
}

// CreateNote creates a note titled title and opens it.
func (a *App) CreateNote(ctx context.Context, title string) (vault.Note, error) {
	if err := a.Tracker.Flush(ctx); err != nil {
		return vault.Note{}, err
	}
	return a.Workspace.CreateWithTitle(ctx, title)
}

// DeleteNote drops any buffered edit of id and deletes it.
func (a *App) DeleteNote(ctx context.Context, id string) error {
	a.Tracker.Discard(id)
	return a.Workspace.Delete(ctx, id)
}

// FollowLink opens the note titled title, creating it when missing. It
// reports whether a note was created.
func (a *App) FollowLink(ctx context.Context, title string) (bool, error) {
	if err := a.Tracker.Flush(ctx); err != nil {
		return false, err
	}
	return a.Workspace.NavigateToTitle(ctx, title)
}

// CopyRecoveryKey puts the recovery key on the clipboard for a limited time.
func (a *App) CopyRecoveryKey() error {
	key := a.Session.Snapshot().RecoveryKey
	if key == "" {
		return ErrNoRecoveryKey
	}
	return a.Clipboard.Copy(key)
}

// CopyNote puts the content of the open note on the clipboard.
func (a *App) CopyNote() error {
	cur := a.Workspace.Snapshot().Current
	if cur == nil {
		return workspace.ErrNoNoteSelected
	}
	return a.Clipboard.Copy(cur.Content)
}

// Close locks the vault if needed and stops every timer.
func (a *App) Close(ctx context.Context) error {
	err := a.Session.Lock(ctx)
	if cerr := a.Tracker.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	a.Monitor.Stop()
	a.unsubscribe()
	a.Session.Close()
	a.Clipboard.Clear()
	return err
}
