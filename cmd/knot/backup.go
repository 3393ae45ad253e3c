package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/session"
	"github.com/pher-lab/knot/pkg/backup"
	"github.com/pher-lab/knot/pkg/crypto"
)

var (
	backupOutput         string
	backupStdout         bool
	backupWithAudit      bool
	backupBackupPassword bool
	backupKeyFile        string
	backupForce          bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Output to stdout (for piping)")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include audit log in backup")
	backupCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Use separate backup password")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create encrypted backup of the vault",
	Long: `Create an encrypted backup of the vault.

The backup is sealed with the master password unless --backup-password or
--key-file is given. A restored vault opens with the master password that
was current when the backup was taken.

Examples:
  # Backup to a file
  knot backup -o notes.knotbak

  # Backup with audit log
  knot backup -o full.knotbak --with-audit

  # Backup to stdout (for piping)
  knot backup --stdout | gpg --encrypt > notes.gpg

  # Use separate backup password
  knot backup -o notes.knotbak --backup-password

  # Use key file for encryption
  knot backup -o notes.knotbak --key-file=backup.key`,
	Args: cobra.NoArgs,
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if err := validateBackupFlags(); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	if a.Session.Snapshot().Screen == session.ScreenSetup {
		return fmt.Errorf("no vault at %s (run 'knot init' first)", cfg.VaultDir)
	}

	master, err := masterPassword()
	if err != nil {
		return err
	}
	if err := describeAuthError(a.Session.Unlock(ctx, master)); err != nil {
		return err
	}

	opts := backup.BackupOptions{IncludeAudit: backupWithAudit}
	switch {
	case backupKeyFile != "":
		opts.KeyFile = backupKeyFile
	case backupBackupPassword:
		pw, err := promptBackupPassword()
		if err != nil {
			return err
		}
		opts.Password = pw
	default:
		opts.Password = []byte(master)
	}
	defer crypto.SecureWipe(opts.Password)

	output := os.Stdout
	if !backupStdout {
		if !backupForce {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}
		f, err := os.OpenFile(backupOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	}
	opts.Output = output

	if err := backup.Backup(ctx, a.Vault, opts); err != nil {
		if !backupStdout {
			os.Remove(backupOutput)
		}
		return fmt.Errorf("backup failed: %w", err)
	}

	if !backupStdout {
		if err := output.Sync(); err != nil {
			return fmt.Errorf("failed to flush backup: %w", err)
		}
		fmt.Printf("Backup created successfully: %s\n", backupOutput)
	}
	return nil
}

func validateBackupFlags() error {
	if !backupStdout && backupOutput == "" {
		return errors.New("either --output or --stdout is required")
	}
	if backupStdout && backupOutput != "" {
		return errors.New("--output and --stdout are mutually exclusive")
	}
	if backupKeyFile != "" && backupBackupPassword {
		return errors.New("--key-file and --backup-password are mutually exclusive")
	}
	return nil
}

func promptBackupPassword() ([]byte, error) {
	pw1, err := readPassword("Enter backup password: ")
	if err != nil {
		return nil, err
	}
	pw2, err := readPassword("Confirm backup password: ")
	if err != nil {
		crypto.SecureWipe(pw1)
		return nil, err
	}
	defer crypto.SecureWipe(pw2)

	if string(pw1) != string(pw2) {
		crypto.SecureWipe(pw1)
		return nil, errors.New("passwords do not match")
	}
	if len(pw1) == 0 {
		return nil, backup.ErrEmptyPassword
	}
	return pw1, nil
}
