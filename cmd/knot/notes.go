package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/app"
	"github.com/pher-lab/knot/internal/cli"
	"github.com/pher-lab/knot/internal/workspace"
	"github.com/pher-lab/knot/pkg/vault"
)

// Flags for note commands
var (
	noteListTags   []string
	noteListJSON   bool
	noteContent    string
	noteEditTitle  string
	noteDeleteYes  bool
	noteShowJSON   bool
	searchJSON     bool
	noteTagReplace bool
)

func init() {
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(tagsCmd)

	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteNewCmd)
	noteCmd.AddCommand(noteShowCmd)
	noteCmd.AddCommand(noteEditCmd)
	noteCmd.AddCommand(noteDeleteCmd)
	noteCmd.AddCommand(notePinCmd)
	noteCmd.AddCommand(noteTagCmd)
	noteCmd.AddCommand(noteLinksCmd)

	noteListCmd.Flags().StringSliceVarP(&noteListTags, "tag", "t", nil, "Filter by tag (wildcards allowed, e.g. 'work*'; repeatable)")
	noteListCmd.Flags().BoolVar(&noteListJSON, "json", false, "Output as JSON")

	noteNewCmd.Flags().StringVar(&noteContent, "content", "", "Note content (default: read from stdin when piped)")

	noteShowCmd.Flags().BoolVar(&noteShowJSON, "json", false, "Output as JSON")

	noteEditCmd.Flags().StringVar(&noteEditTitle, "title", "", "New title")
	noteEditCmd.Flags().StringVar(&noteContent, "content", "", "New content (default: read from stdin when piped)")

	noteDeleteCmd.Flags().BoolVarP(&noteDeleteYes, "force", "f", false, "Skip confirmation prompt")

	noteTagCmd.Flags().BoolVar(&noteTagReplace, "replace", false, "Replace existing tags instead of adding")

	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output as JSON")
}

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Create, read and manage notes",
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, pinned first, most recently updated next",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			state := a.Workspace.Snapshot()
			notes, err := cli.FilterByTags(state.Notes, noteListTags, state.Tags)
			if err != nil {
				return err
			}
			if noteListJSON {
				return writeJSON(os.Stdout, notes)
			}
			printNoteTable(os.Stdout, notes)
			return nil
		})
	},
}

var noteNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a note",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := ""
		if len(args) == 1 {
			title = args[0]
		}
		content, hasContent, err := contentInput(cmd)
		if err != nil {
			return err
		}

		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := a.CreateNote(ctx, title)
			if err != nil {
				return err
			}
			if hasContent {
				if note, err = a.SaveNote(ctx, note.ID, note.Title, content); err != nil {
					return err
				}
			}
			fmt.Println(note.ID)
			return nil
		})
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id|title>",
	Short: "Print a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			if noteShowJSON {
				return writeJSON(os.Stdout, note)
			}
			fmt.Printf("# %s\n", displayTitle(note.Title))
			if len(note.Tags) > 0 {
				fmt.Printf("tags: %s\n", strings.Join(note.Tags, ", "))
			}
			fmt.Println()
			fmt.Println(note.Content)
			return nil
		})
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id|title>",
	Short: "Replace the title and/or content of a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, hasContent, err := contentInput(cmd)
		if err != nil {
			return err
		}
		if !hasContent && !cmd.Flags().Changed("title") {
			return fmt.Errorf("nothing to change: pass --title, --content or pipe content on stdin")
		}

		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			title := note.Title
			if cmd.Flags().Changed("title") {
				title = noteEditTitle
			}
			if !hasContent {
				content = note.Content
			}
			if _, err := a.SaveNote(ctx, note.ID, title, content); err != nil {
				return err
			}
			fmt.Printf("Updated %s\n", displayTitle(title))
			return nil
		})
	},
}

var noteDeleteCmd = &cobra.Command{
	Use:   "delete <id|title>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			if !noteDeleteYes && !confirm(fmt.Sprintf("Delete %q?", displayTitle(note.Title))) {
				fmt.Println("Cancelled.")
				return nil
			}
			if err := a.DeleteNote(ctx, note.ID); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", displayTitle(note.Title))
			return nil
		})
	},
}

var notePinCmd = &cobra.Command{
	Use:   "pin <id|title>",
	Short: "Pin or unpin a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			pinned, err := a.Workspace.TogglePin(ctx, note.ID)
			if err != nil {
				return err
			}
			if pinned {
				fmt.Printf("Pinned %s\n", displayTitle(note.Title))
			} else {
				fmt.Printf("Unpinned %s\n", displayTitle(note.Title))
			}
			return nil
		})
	},
}

var noteTagCmd = &cobra.Command{
	Use:   "tag <id|title> [tag...]",
	Short: "Add tags to a note (or replace them with --replace)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			tags := splitTags(args[1:])
			if !noteTagReplace {
				tags = append(append([]string{}, note.Tags...), tags...)
			}
			saved, err := a.Workspace.SetTags(ctx, note.ID, tags)
			if err != nil {
				return err
			}
			if len(saved) == 0 {
				fmt.Printf("%s has no tags\n", displayTitle(note.Title))
			} else {
				fmt.Printf("%s: %s\n", displayTitle(note.Title), strings.Join(saved, ", "))
			}
			return nil
		})
	},
}

var noteLinksCmd = &cobra.Command{
	Use:   "links <id|title>",
	Short: "List the [[wikilinks]] in a note and whether their targets exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			note, err := openNote(ctx, a, args[0])
			if err != nil {
				return err
			}
			links := workspace.Wikilinks(note.Content)
			if len(links) == 0 {
				fmt.Println("No links")
				return nil
			}
			for _, title := range links {
				if target, ok := a.Workspace.FindByTitle(title); ok {
					fmt.Printf("  %s -> %s\n", title, target.ID)
				} else {
					fmt.Printf("  %s (missing)\n", title)
				}
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search note titles and content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if err := a.Workspace.Search(ctx, query); err != nil {
				return err
			}
			notes := a.Workspace.Snapshot().Notes
			if searchJSON {
				return writeJSON(os.Stdout, notes)
			}
			if len(notes) == 0 {
				fmt.Printf("No notes match %q\n", query)
				return nil
			}
			printNoteTable(os.Stdout, notes)
			return nil
		})
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List every tag in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(ctx context.Context, a *app.App) error {
			for _, tag := range a.Workspace.Snapshot().Tags {
				fmt.Println(tag)
			}
			return nil
		})
	},
}

// withUnlocked runs fn against an unlocked vault and locks it afterwards.
func withUnlocked(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openUnlocked(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

// openNote selects the note named by ref, an id or a title, and returns it.
func openNote(ctx context.Context, a *app.App, ref string) (vault.Note, error) {
	id := ""
	for _, n := range a.Workspace.Snapshot().Notes {
		if n.ID == ref {
			id = n.ID
			break
		}
	}
	if id == "" {
		n, ok := a.Workspace.FindByTitle(strings.TrimSpace(ref))
		if !ok {
			return vault.Note{}, fmt.Errorf("note '%s' not found", ref)
		}
		id = n.ID
	}
	if err := a.OpenNote(ctx, id); err != nil {
		return vault.Note{}, err
	}
	return *a.Workspace.Snapshot().Current, nil
}

// contentInput returns --content, or stdin when it is piped.
func contentInput(cmd *cobra.Command) (string, bool, error) {
	if cmd.Flags().Changed("content") {
		return noteContent, true, nil
	}
	if isTerminal(int(os.Stdin.Fd())) {
		return "", false, nil
	}
	data, err := io.ReadAll(io.LimitReader(os.Stdin, vault.MaxContentSize+1))
	if err != nil {
		return "", false, fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), true, nil
}

// splitTags accepts both "a b" and "a,b".
func splitTags(args []string) []string {
	var tags []string
	for _, arg := range args {
		for _, tag := range strings.Split(arg, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func displayTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return "Untitled"
	}
	return title
}

func printNoteTable(w io.Writer, notes []vault.NoteSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tTAGS\tUPDATED")
	for _, n := range notes {
		title := displayTitle(n.Title)
		if n.Pinned {
			title = "* " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, title, strings.Join(n.Tags, ","), n.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
