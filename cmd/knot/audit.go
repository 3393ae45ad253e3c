package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/app"
)

var (
	auditLimit int
	auditSince string
	auditJSON  bool
)

func init() {
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "Maximum number of events to show (0 for all)")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Only show events newer than this (e.g. 24h, 7d)")
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the result as JSON")

	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince != "" {
			d, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}

		return withUnlocked(cmd.Context(), func(_ context.Context, a *app.App) error {
			events, err := a.Vault.AuditLogger().ListEvents(auditLimit, since)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No audit events found")
				return nil
			}

			for _, event := range events {
				line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Operation, event.Source, event.Result)
				if id, ok := event.Context["note_id"].(string); ok {
					line += " note:" + id
				}
				if event.Error != nil {
					line += " error:" + event.Error.Code
				}
				fmt.Println(line)
			}
			fmt.Printf("\nTotal: %d events\n", len(events))
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlocked(cmd.Context(), func(_ context.Context, a *app.App) error {
			result, err := a.Vault.AuditVerify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}

			if auditJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else if result.Valid {
				fmt.Printf("Audit log verified: %d records, chain intact\n", result.RecordsTotal)
			} else {
				fmt.Printf("Audit log verification FAILED\n")
				fmt.Printf("  Records total: %d\n", result.RecordsTotal)
				fmt.Println("  Errors:")
				for _, e := range result.Errors {
					fmt.Printf("    - %s\n", e)
				}
			}

			if !result.Valid {
				return errors.New("audit log integrity check failed")
			}
			return nil
		})
	},
}

// parseDuration extends time.ParseDuration with a day unit ("7d").
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number of days: %s", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
