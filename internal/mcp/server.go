// Package mcp serves a read-only view of the knot vault over the Model
// Context Protocol. Which tools an agent may call, and whether note bodies
// leave the vault at all, is decided by mcp-policy.yaml.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pher-lab/knot/internal/config"
	"github.com/pher-lab/knot/pkg/vault"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// Server represents the MCP server for knot.
type Server struct {
	server    *mcp.Server
	vault     *vault.Vault
	vaultPath string
	policy    *Policy
	logger    *slog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// VaultPath is the vault directory. Defaults to ~/.knot.
	VaultPath string

	// Password is the master password. If empty, KNOT_PASSWORD is read and
	// then removed from the environment.
	Password string

	Logger *slog.Logger
}

// NewServer unlocks the vault and registers the tools the policy permits.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vaultPath := opts.VaultPath
	if vaultPath == "" {
		vaultPath = config.DefaultVaultDir()
	}

	policy, err := LoadPolicy(vaultPath)
	if err != nil {
		// Without a policy the server runs in restricted mode.
		if !errors.Is(err, ErrPolicyNotFound) {
			logger.Warn("failed to load MCP policy", "error", err)
		}
		policy = nil
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv(config.EnvPassword)
		os.Unsetenv(config.EnvPassword)
	}
	if password == "" {
		return nil, fmt.Errorf("no password provided: set %s environment variable", config.EnvPassword)
	}

	v := vault.New(vaultPath, vault.WithLogger(logger))
	res, err := v.Unlock(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock vault: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("failed to unlock vault: %s", res.Message)
	}

	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "knot",
				Version: Version,
			},
			nil,
		),
		vault:     v,
		vaultPath: vaultPath,
		policy:    policy,
		logger:    logger,
	}
	s.registerTools()

	return s, nil
}

// registerTools registers the tools the policy allows. Denied tools are
// not advertised at all.
func (s *Server) registerTools() {
	if s.allowed(ToolNoteList) {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolNoteList,
			Description: "List notes with title, tags, pin state and timestamps. An optional tag pattern such as 'work*' filters the list. Does NOT return note content.",
		}, s.handleNoteList)
	}

	if s.allowed(ToolNoteSearch) {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolNoteSearch,
			Description: "Search note titles and bodies for a case-insensitive substring. Returns matching note summaries without content.",
		}, s.handleNoteSearch)
	}

	if s.allowed(ToolNoteRead) {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolNoteRead,
			Description: "Read a note by id or exact title. The body is returned only when the vault policy sets allow_content.",
		}, s.handleNoteRead)
	}

	if s.allowed(ToolVaultStatus) {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolVaultStatus,
			Description: "Report note and tag counts, recovery key presence and audit log integrity.",
		}, s.handleVaultStatus)
	}
}

func (s *Server) allowed(tool string) bool {
	ok, reason := s.policy.IsToolAllowed(tool)
	if !ok {
		s.logger.Debug("tool disabled by policy", "tool", tool, "reason", reason)
	}
	return ok
}

// Run serves over stdio until the client disconnects or ctx is done. The
// vault is locked on return.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the vault.
func (s *Server) Close() error {
	if err := s.vault.Lock(context.Background()); err != nil {
		s.logger.Warn("failed to lock vault", "error", err)
		return err
	}
	return nil
}
