package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pher-lab/knot/internal/app"
	"github.com/pher-lab/knot/internal/config"
	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/pkg/crypto"
	"github.com/pher-lab/knot/pkg/security"
)

var (
	configPath string
	vaultDir   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "knot",
	Short:         "knot is a local-first encrypted notebook",
	Long:          `Notes are sealed with a key derived from your master password and never leave this machine.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE loads the configuration for every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if vaultDir != "" {
			loaded.VaultDir = vaultDir
		}
		cfg = loaded

		logger = cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $KNOT_CONFIG or <vault>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultDir, "vault-dir", "", "Vault directory (default $KNOT_VAULT_DIR or ~/.knot)")
}

// newApp builds the application context and picks the first screen.
func newApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(app.Options{
		VaultDir:       cfg.VaultDir,
		Logger:         logger,
		Debounce:       cfg.Debounce,
		ActivityWindow: cfg.ActivityWindow,
		ClipboardClear: cfg.ClipboardClear,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return a, nil
}

// openUnlocked returns an unlocked application context. The password comes
// from KNOT_PASSWORD when set, otherwise from the terminal.
func openUnlocked(ctx context.Context) (*app.App, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, err
	}
	if err := unlock(ctx, a); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func unlock(ctx context.Context, a *app.App) error {
	switch a.Session.Snapshot().Screen {
	case session.ScreenUnlocked:
		return nil
	case session.ScreenSetup:
		return fmt.Errorf("no vault at %s (run 'knot init' first)", cfg.VaultDir)
	}

	password, err := masterPassword()
	if err != nil {
		return err
	}
	return describeAuthError(a.Session.Unlock(ctx, password))
}

// masterPassword reads KNOT_PASSWORD once, or prompts for the password.
func masterPassword() (string, error) {
	password := os.Getenv(config.EnvPassword)
	os.Unsetenv(config.EnvPassword)
	if password != "" {
		return password, nil
	}
	pw, err := readPassword("Enter master password: ")
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(pw)
	return string(pw), nil
}

// describeAuthError adds attempt and lockout details to a rejection.
func describeAuthError(err error) error {
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		return err
	}
	res := authErr.Result
	switch {
	case res.LockoutSeconds != nil:
		return fmt.Errorf("%s (locked for %ds)", res.Message, *res.LockoutSeconds)
	case res.AttemptsRemaining != nil:
		return fmt.Errorf("%s (%d attempts remaining)", res.Message, *res.AttemptsRemaining)
	}
	return err
}

// readPassword prompts on stdout and reads without echo.
func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

// readNewPassword prompts for a password twice and prints its strength.
func readNewPassword(label string) (password, confirm string, err error) {
	pw1, err := readPassword(fmt.Sprintf("Enter %s: ", label))
	if err != nil {
		return "", "", err
	}
	defer crypto.SecureWipe(pw1)
	pw2, err := readPassword(fmt.Sprintf("Confirm %s: ", label))
	if err != nil {
		return "", "", err
	}
	defer crypto.SecureWipe(pw2)

	if strength := security.CalculatePasswordStrength(string(pw1)); strength != security.PasswordEmpty {
		fmt.Printf("Password strength: %s\n", strength)
	}
	return string(pw1), string(pw2), nil
}

var stdin = bufio.NewReader(os.Stdin)

// readLine reads one line from stdin without the trailing newline.
func readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Print(prompt)
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// confirm asks a yes/no question, defaulting to no.
func confirm(prompt string) bool {
	answer, err := readLine(prompt + " [y/N]: ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}
