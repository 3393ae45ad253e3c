package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/app"
	"github.com/pher-lab/knot/internal/clipboard"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/internal/settings"
)

var initNoRecovery bool

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordChangeCmd)

	initCmd.Flags().BoolVar(&initNoRecovery, "no-recovery-key", false, "Do not generate a recovery key")
}

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	Long: `Create a new vault protected by a master password.

Unless --no-recovery-key is given, a recovery key is printed once.
Write it down: it is the only way back in if the master password is lost.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if a.Session.Snapshot().Screen != session.ScreenSetup {
			return fmt.Errorf("a vault already exists at %s", cfg.VaultDir)
		}

		if err := setupVault(ctx, a, !initNoRecovery); err != nil {
			return err
		}

		if a.Session.RecoveryKeyPending() {
			showRecoveryKey(a)
			_, _ = readLine("Press Enter once you have written it down...")
			a.Session.ClearRecoveryKey()
		}

		fmt.Println("Vault created.")
		return nil
	},
}

// setupVault asks for a master password and creates the vault. The
// configured default auto-lock delay is written only when no settings file
// existed before.
func setupVault(ctx context.Context, a *app.App, wantRecoveryKey bool) error {
	hadSettings := settingsExist(cfg.VaultDir)

	fmt.Printf("Creating a new vault at %s\n", cfg.VaultDir)
	password, confirmation, err := readNewPassword("master password")
	if err != nil {
		return err
	}
	if err := a.Session.Setup(ctx, password, confirmation, wantRecoveryKey); err != nil {
		return err
	}
	applyDefaultAutoLock(ctx, a, hadSettings, cfg.DefaultAutoLockMinutes)
	return nil
}

func settingsExist(dir string) bool {
	_, err := os.Stat(settings.NewStore(dir).Path())
	return !errors.Is(err, os.ErrNotExist)
}

func applyDefaultAutoLock(ctx context.Context, a *app.App, hadSettings bool, minutes int) {
	if !hadSettings {
		a.Session.SetAutoLockMinutes(ctx, minutes)
	}
}

// showRecoveryKey prints the pending recovery key and offers to copy it.
func showRecoveryKey(a *app.App) {
	key := a.Session.Snapshot().RecoveryKey
	if key == "" {
		return
	}
	fmt.Println()
	fmt.Println("Recovery key (shown only once):")
	fmt.Println()
	printRecoveryKey(key)
	fmt.Println()

	if !clipboard.Available() || !confirm("Copy the recovery key to the clipboard?") {
		return
	}
	if err := a.CopyRecoveryKey(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to copy recovery key: %v\n", err)
		return
	}
	if cfg.ClipboardClear > 0 {
		fmt.Printf("Copied. The clipboard clears in %s or when this command exits.\n", cfg.ClipboardClear)
	} else {
		fmt.Println("Copied. The clipboard clears when this command exits.")
	}
}

// printRecoveryKey prints the phrase as numbered rows of four words.
func printRecoveryKey(phrase string) {
	words := strings.Fields(phrase)
	for i := 0; i < len(words); i += 4 {
		end := min(i+4, len(words))
		var row []string
		for j := i; j < end; j++ {
			row = append(row, fmt.Sprintf("%2d. %-10s", j+1, words[j]))
		}
		fmt.Println("  " + strings.Join(row, " "))
	}
}

// recoverCmd resets the master password with the recovery key
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Set a new master password using the recovery key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if a.Session.Snapshot().Screen == session.ScreenSetup {
			return fmt.Errorf("no vault at %s", cfg.VaultDir)
		}
		a.Session.ShowRecoveryScreen()

		phrase, err := readLine("Enter recovery key: ")
		if err != nil {
			return fmt.Errorf("failed to read recovery key: %w", err)
		}
		password, confirmation, err := readNewPassword("new master password")
		if err != nil {
			return err
		}

		if err := a.Session.Recover(ctx, phrase, password, confirmation); err != nil {
			return describeAuthError(err)
		}
		fmt.Println("Master password reset.")
		return nil
	},
}

// passwordCmd is the parent command for password operations.
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master password operations",
}

// passwordChangeCmd changes the master password.
var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the master password",
	Long: `Change the master password by re-sealing the data encryption key.

Notes are not re-encrypted and the recovery key keeps working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		current, err := readPassword("Enter current password: ")
		if err != nil {
			return err
		}
		if err := describeAuthError(a.Session.Unlock(ctx, string(current))); err != nil {
			return err
		}

		password, confirmation, err := readNewPassword("new password")
		if err != nil {
			return err
		}
		if err := a.Session.ChangePassword(ctx, string(current), password, confirmation); err != nil {
			return describeAuthError(err)
		}

		fmt.Println("Password changed successfully.")
		return nil
	},
}
