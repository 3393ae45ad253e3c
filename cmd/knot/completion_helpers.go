package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/config"
	"github.com/pher-lab/knot/pkg/vault"
)

const envCompletionEnabled = "KNOT_COMPLETION_ENABLED"

// isDynamicCompletionEnabled reports whether note completion is opted in.
// It is off by default so tab completion never prompts for a password.
func isDynamicCompletionEnabled() bool {
	return os.Getenv(envCompletionEnabled) == "1" && os.Getenv(config.EnvPassword) != ""
}

// completeNoteRefs completes note titles for commands taking <id|title>.
func completeNoteRefs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 || !isDynamicCompletionEnabled() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var titles []string
	err := withCompletionVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
		notes, err := v.ListNotes(ctx)
		if err != nil {
			return err
		}
		for _, n := range notes {
			titles = append(titles, n.Title)
		}
		return nil
	})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return filterPrefix(titles, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completeTags completes existing tags.
func completeTags(cmd *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var tags []string
	err := withCompletionVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
		var err error
		tags, err = v.ListTags(ctx)
		return err
	})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return filterPrefix(tags, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// withCompletionVault opens the vault with KNOT_PASSWORD. Completion skips
// the root pre-run hook, so the config is loaded here.
func withCompletionVault(ctx context.Context, fn func(context.Context, *vault.Vault) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dir := vaultDir
	if dir == "" {
		c, err := config.Load(config.DefaultPath())
		if err != nil {
			return err
		}
		dir = c.VaultDir
	}

	v := vault.New(dir)
	res, err := v.Unlock(ctx, os.Getenv(config.EnvPassword))
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	defer v.Lock(ctx)
	return fn(ctx, v)
}

func filterPrefix(values []string, prefix string) []string {
	var out []string
	lower := strings.ToLower(prefix)
	for _, s := range values {
		if s != "" && strings.HasPrefix(strings.ToLower(s), lower) {
			out = append(out, s)
		}
	}
	return out
}

// registerCompletionFunctions registers ValidArgsFunction for commands that
// support dynamic completion.
func registerCompletionFunctions() {
	for _, c := range []*cobra.Command{noteShowCmd, noteEditCmd, noteDeleteCmd, notePinCmd, noteTagCmd, noteLinksCmd} {
		c.ValidArgsFunction = completeNoteRefs
	}
	_ = noteListCmd.RegisterFlagCompletionFunc("tag", completeTags)
}
