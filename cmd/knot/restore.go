package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/pkg/backup"
	"github.com/pher-lab/knot/pkg/crypto"
)

var (
	restoreDryRun     bool
	restoreVerifyOnly bool
	restoreOverwrite  bool
	restoreKeyFile    string
	restoreForce      bool
	restoreWithAudit  bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "Replace an existing vault")
	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation prompt")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore audit log")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore vault from encrypted backup",
	Long: `Restore the vault from an encrypted backup file.

The vault directory is replaced as a whole. Without --overwrite the restore
refuses to touch an existing vault.

Examples:
  # Dry run (preview only)
  knot restore notes.knotbak --dry-run

  # Verify backup integrity without restoring
  knot restore notes.knotbak --verify-only

  # Replace the current vault, audit log included
  knot restore notes.knotbak --overwrite --with-audit

  # Use key file for decryption
  knot restore notes.knotbak --key-file=backup.key`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	backupPath := args[0]

	if restoreDryRun && restoreVerifyOnly {
		return errors.New("--dry-run and --verify-only are mutually exclusive")
	}
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}

	var password []byte
	if restoreKeyFile == "" {
		pw, err := readPassword("Enter backup password (or master password): ")
		if err != nil {
			return err
		}
		password = pw
	}
	defer crypto.SecureWipe(password)

	if restoreVerifyOnly {
		result, err := backup.Verify(backupPath, password, restoreKeyFile)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !result.Valid {
			return fmt.Errorf("verification failed: %s", result.Error)
		}
		fmt.Printf("Backup verification successful!\n")
		fmt.Printf("  Version: %d\n", result.Version)
		fmt.Printf("  Created: %s\n", result.CreatedAt.Local().Format(time.DateTime))
		fmt.Printf("  Notes: %d\n", result.NoteCount)
		fmt.Printf("  Includes Audit: %v\n", result.IncludesAudit)
		return nil
	}

	if !restoreForce && !restoreDryRun {
		if !confirm(fmt.Sprintf("This will replace the vault at %s. Continue?", cfg.VaultDir)) {
			fmt.Println("Restore cancelled.")
			return nil
		}
	}

	result, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: cfg.VaultDir,
		Overwrite: restoreOverwrite,
		DryRun:    restoreDryRun,
		WithAudit: restoreWithAudit,
		Password:  password,
		KeyFile:   restoreKeyFile,
	})
	if errors.Is(err, backup.ErrVaultExists) {
		return fmt.Errorf("restore failed: %w (use --overwrite to replace it)", err)
	}
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	if result.DryRun {
		fmt.Printf("Dry run complete. Would restore:\n")
	} else {
		fmt.Printf("Restore complete!\n")
	}
	fmt.Printf("  Notes: %d\n", result.NotesRestored)
	if result.AuditRestored {
		fmt.Printf("  Audit log: restored\n")
	}
	return nil
}
