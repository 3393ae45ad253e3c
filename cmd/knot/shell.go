package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/app"
	"github.com/pher-lab/knot/internal/autolock"
	"github.com/pher-lab/knot/internal/cli"
	"github.com/pher-lab/knot/internal/clipboard"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/internal/workspace"
)

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session with auto-lock and debounced saving",
	Long: `Open the vault in an interactive session.

Without an existing vault a new one is created first.

Every line typed counts as activity; after the auto-lock delay without
input the vault locks itself. Edits are saved shortly after the last
change, when switching notes and before locking.

Type 'help' for the list of commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if a.Session.Snapshot().Screen == session.ScreenSetup {
			if err := setupVault(ctx, a, true); err != nil {
				return err
			}
			if a.Session.RecoveryKeyPending() {
				showRecoveryKey(a)
				fmt.Println("Type 'key done' once you have written it down.")
			}
		} else if err := unlock(ctx, a); err != nil {
			return err
		}

		sh := &shell{app: a, out: os.Stdout, unlocked: true}
		unsubscribe := a.Session.Subscribe(sh.onSession)
		defer unsubscribe()

		return sh.run(ctx)
	},
}

type shell struct {
	app      *app.App
	out      io.Writer
	unlocked bool
}

type shellCommand struct {
	usage   string
	help    string
	locked  bool // runs while the vault is locked
	handler func(sh *shell, ctx context.Context, arg string) error
}

var shellCommands map[string]shellCommand

func init() {
	shellCommands = map[string]shellCommand{
		"help":     {"help", "show this list", true, (*shell).help},
		"status":   {"status", "show session state", true, (*shell).status},
		"ls":       {"ls [tag-pattern]", "list notes", false, (*shell).list},
		"open":     {"open <id|title>", "open a note", false, (*shell).open},
		"cat":      {"cat", "print the open note", false, (*shell).cat},
		"new":      {"new [title]", "create and open a note", false, (*shell).newNote},
		"title":    {"title <text>", "rename the open note", false, (*shell).rename},
		"append":   {"append <text>", "append a line to the open note", false, (*shell).append},
		"save":     {"save", "write pending edits now", false, (*shell).save},
		"follow":   {"follow <title>", "open the linked note, creating it if missing", false, (*shell).followLink},
		"links":    {"links", "list [[links]] in the open note", false, (*shell).links},
		"search":   {"search <query>", "filter the list", false, (*shell).search},
		"clear":    {"clear", "clear the search", false, (*shell).clearSearch},
		"pin":      {"pin", "pin or unpin the open note", false, (*shell).pin},
		"tag":      {"tag <tags...>", "replace the tags of the open note", false, (*shell).tag},
		"rm":       {"rm", "delete the open note", false, (*shell).remove},
		"copy":     {"copy", "copy the open note to the clipboard", false, (*shell).copyNote},
		"autolock": {"autolock <minutes>", "set the auto-lock delay (0 disables)", true, (*shell).autoLock},
		"key":      {"key [done]", "show the new recovery key, or acknowledge it", false, (*shell).recoveryKey},
		"lock":     {"lock", "lock the vault", false, (*shell).lock},
		"unlock":   {"unlock", "unlock the vault", true, (*shell).unlock},
	}
}

func (sh *shell) run(ctx context.Context) error {
	fmt.Fprintln(sh.out, "knot shell. Type 'help' for commands, 'quit' to exit.")

	for {
		line, err := readLine("knot> ")
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(sh.out)
			return nil
		}
		if err != nil {
			return err
		}
		sh.app.Touch(autolock.KeyPress)

		name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)
		switch name {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		c, ok := shellCommands[name]
		if !ok {
			fmt.Fprintf(sh.out, "unknown command %q (try 'help')\n", name)
			continue
		}
		if !c.locked && sh.app.Session.Snapshot().Screen != session.ScreenUnlocked {
			fmt.Fprintln(sh.out, "vault is locked (type 'unlock')")
			continue
		}
		if err := c.handler(sh, ctx, arg); err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", describeAuthError(err))
		}
	}
}

// onSession reports auto-locks as they happen. Session notifications are
// serialized, so unlocked needs no lock of its own.
func (sh *shell) onSession(s session.Session) {
	unlocked := s.Screen == session.ScreenUnlocked
	if sh.unlocked && !unlocked {
		fmt.Fprintln(sh.out, "\nvault locked")
		if s.Warning != "" {
			fmt.Fprintln(sh.out, "warning:", s.Warning)
		}
	}
	sh.unlocked = unlocked
}

func (sh *shell) current() (id, title, content string, err error) {
	cur := sh.app.Workspace.Snapshot().Current
	if cur == nil {
		return "", "", "", workspace.ErrNoNoteSelected
	}
	id, title, content = cur.ID, cur.Title, cur.Content
	// A buffered edit is newer than what the vault returned.
	if e, ok := sh.app.Tracker.Pending(); ok && e.NoteID == id {
		title, content = e.Title, e.Content
	}
	return id, title, content, nil
}

func sortedCommandNames() []string {
	names := make([]string, 0, len(shellCommands))
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sh *shell) help(_ context.Context, _ string) error {
	for _, name := range sortedCommandNames() {
		c := shellCommands[name]
		fmt.Fprintf(sh.out, "  %-20s %s\n", c.usage, c.help)
	}
	fmt.Fprintf(sh.out, "  %-20s %s\n", "quit", "lock and exit")
	return nil
}

func (sh *shell) status(_ context.Context, _ string) error {
	s := sh.app.Session.Snapshot()
	fmt.Fprintf(sh.out, "screen: %s\n", s.Screen)
	if s.AutoLockMinutes > 0 {
		fmt.Fprintf(sh.out, "auto-lock: %d min\n", s.AutoLockMinutes)
	} else {
		fmt.Fprintln(sh.out, "auto-lock: off")
	}
	if s.LockoutSeconds > 0 {
		fmt.Fprintf(sh.out, "locked out for %ds\n", s.LockoutSeconds)
	}
	if e, ok := sh.app.Tracker.Pending(); ok {
		fmt.Fprintf(sh.out, "unsaved changes to %s\n", e.NoteID)
	}
	if !clipboard.Available() {
		fmt.Fprintln(sh.out, "clipboard: unavailable")
	}
	return nil
}

func (sh *shell) list(_ context.Context, pattern string) error {
	state := sh.app.Workspace.Snapshot()
	notes := state.Notes
	if pattern != "" {
		var err error
		if notes, err = cli.FilterByTags(notes, []string{pattern}, state.Tags); err != nil {
			return err
		}
	}
	printNoteTable(sh.out, notes)
	return nil
}

func (sh *shell) open(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("usage: open <id|title>")
	}
	note, err := openNote(ctx, sh.app, ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "opened %s\n", displayTitle(note.Title))
	return nil
}

func (sh *shell) cat(_ context.Context, _ string) error {
	_, title, content, err := sh.current()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "# %s\n\n%s\n", displayTitle(title), content)
	return nil
}

func (sh *shell) newNote(ctx context.Context, title string) error {
	note, err := sh.app.CreateNote(ctx, title)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "created %s\n", note.ID)
	return nil
}

func (sh *shell) rename(ctx context.Context, title string) error {
	id, _, content, err := sh.current()
	if err != nil {
		return err
	}
	return sh.app.EditNote(ctx, id, title, content)
}

func (sh *shell) append(ctx context.Context, text string) error {
	id, title, content, err := sh.current()
	if err != nil {
		return err
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return sh.app.EditNote(ctx, id, title, content+text)
}

func (sh *shell) save(ctx context.Context, _ string) error {
	return sh.app.Tracker.Flush(ctx)
}

func (sh *shell) followLink(ctx context.Context, title string) error {
	if title == "" {
		return errors.New("usage: follow <title>")
	}
	created, err := sh.app.FollowLink(ctx, title)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(sh.out, "created %s\n", title)
	} else {
		fmt.Fprintf(sh.out, "opened %s\n", title)
	}
	return nil
}

func (sh *shell) links(_ context.Context, _ string) error {
	_, _, content, err := sh.current()
	if err != nil {
		return err
	}
	for _, title := range workspace.Wikilinks(content) {
		if _, ok := sh.app.Workspace.FindByTitle(title); ok {
			fmt.Fprintf(sh.out, "  [[%s]]\n", title)
		} else {
			fmt.Fprintf(sh.out, "  [[%s]] (new)\n", title)
		}
	}
	return nil
}

func (sh *shell) search(ctx context.Context, query string) error {
	if err := sh.app.Workspace.Search(ctx, query); err != nil {
		return err
	}
	printNoteTable(sh.out, sh.app.Workspace.Snapshot().Notes)
	return nil
}

func (sh *shell) clearSearch(ctx context.Context, _ string) error {
	return sh.app.Workspace.ClearSearch(ctx)
}

func (sh *shell) pin(ctx context.Context, _ string) error {
	id, _, _, err := sh.current()
	if err != nil {
		return err
	}
	pinned, err := sh.app.Workspace.TogglePin(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "pinned: %v\n", pinned)
	return nil
}

func (sh *shell) tag(ctx context.Context, arg string) error {
	id, _, _, err := sh.current()
	if err != nil {
		return err
	}
	saved, err := sh.app.Workspace.SetTags(ctx, id, splitTags(strings.Fields(arg)))
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "tags: %s\n", strings.Join(saved, ", "))
	return nil
}

func (sh *shell) remove(ctx context.Context, _ string) error {
	id, title, _, err := sh.current()
	if err != nil {
		return err
	}
	if !confirm(fmt.Sprintf("Delete %q?", displayTitle(title))) {
		return nil
	}
	return sh.app.DeleteNote(ctx, id)
}

func (sh *shell) copyNote(_ context.Context, _ string) error {
	if err := sh.app.CopyNote(); err != nil {
		return err
	}
	if cfg.ClipboardClear > 0 {
		fmt.Fprintf(sh.out, "copied; clipboard clears in %s\n", cfg.ClipboardClear)
	}
	return nil
}

func (sh *shell) autoLock(ctx context.Context, arg string) error {
	minutes, err := strconv.Atoi(arg)
	if err != nil {
		return errors.New("usage: autolock <minutes>")
	}
	sh.app.Session.SetAutoLockMinutes(ctx, minutes)
	fmt.Fprintf(sh.out, "auto-lock: %d min\n", sh.app.Session.Snapshot().AutoLockMinutes)
	return nil
}

func (sh *shell) recoveryKey(_ context.Context, arg string) error {
	if !sh.app.Session.RecoveryKeyPending() {
		return app.ErrNoRecoveryKey
	}
	if arg == "done" {
		sh.app.Session.ClearRecoveryKey()
		fmt.Fprintln(sh.out, "recovery key acknowledged")
		return nil
	}
	showRecoveryKey(sh.app)
	return nil
}

func (sh *shell) lock(ctx context.Context, _ string) error {
	if !confirmLock(sh.app, confirm) {
		fmt.Fprintln(sh.out, "not locked")
		return nil
	}
	return sh.app.Session.Lock(ctx)
}

// confirmLock asks before a manual lock would discard a recovery key that
// was never acknowledged.
func confirmLock(a *app.App, ask func(prompt string) bool) bool {
	if !a.Session.RecoveryKeyPending() {
		return true
	}
	return ask("The recovery key has not been acknowledged and will be discarded. Lock anyway?")
}

func (sh *shell) unlock(ctx context.Context, _ string) error {
	if sh.app.Session.Snapshot().Screen == session.ScreenUnlocked {
		return nil
	}
	pw, err := readPassword("Enter master password: ")
	if err != nil {
		return err
	}
	return sh.app.Session.Unlock(ctx, string(pw))
}
