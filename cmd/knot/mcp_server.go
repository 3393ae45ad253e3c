package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI assistant integration.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI assistant integration",
	Long: `Start an MCP server over stdio that gives AI assistants read access to notes.

Available tools:
  - note_list:    List notes with tags and timestamps (no content)
  - note_search:  Search titles and bodies (returns summaries only)
  - note_read:    Read a note; the body only with allow_content
  - vault_status: Note counts and audit log integrity

Authentication:
  Set KNOT_PASSWORD before starting the server. The password is read once
  and immediately cleared from the environment.

Policy:
  Create <vault>/mcp-policy.yaml to choose the tools and to allow note
  bodies. Without a policy only metadata tools are served.

Example client configuration:
  {
    "mcpServers": {
      "knot": {
        "type": "stdio",
        "command": "/path/to/knot",
        "args": ["mcp-server"],
        "env": {
          "KNOT_PASSWORD": "your-master-password"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func runMCPServer(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	server, err := mcp.NewServer(ctx, &mcp.ServerOptions{
		VaultPath: cfg.VaultDir,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
