package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Tool names
const (
	ToolNoteList    = "note_list"
	ToolNoteSearch  = "note_search"
	ToolNoteRead    = "note_read"
	ToolVaultStatus = "vault_status"
)

// Policy is the MCP policy read from mcp-policy.yaml in the vault directory.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	AllowedTools  []string `yaml:"allowed_tools"`
	DeniedTools   []string `yaml:"denied_tools"`
	// AllowContent lets note_read return note bodies.
	AllowContent bool `yaml:"allow_content"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// ErrContentNotAllowed is returned by note_read when the policy keeps note
// bodies inside the vault.
var ErrContentNotAllowed = errors.New("note content is not allowed by MCP policy")

// LoadPolicy loads the MCP policy from the vault directory. The file is
// opened without following symlinks and checked through the open descriptor.
func LoadPolicy(vaultPath string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(vaultPath, PolicyFileName))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) || errors.Is(err, ErrPolicySymlink) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	if err := checkPolicyFile(f); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.ValidatePolicy(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// IsToolAllowed reports whether an agent may call tool.
// Evaluation order:
// 1. denied_tools → deny
// 2. allowed_tools → allow
// 3. default_action
//
// A nil policy is restricted mode: every tool except note_read.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	if p == nil {
		if tool == ToolNoteRead {
			return false, "note_read requires an MCP policy"
		}
		return true, ""
	}

	if slices.Contains(p.DeniedTools, tool) {
		return false, fmt.Sprintf("tool '%s' is in denied_tools", tool)
	}
	if slices.Contains(p.AllowedTools, tool) {
		return true, ""
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}

	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}

// ContentAllowed reports whether note bodies may be returned.
func (p *Policy) ContentAllowed() bool {
	return p != nil && p.AllowContent
}

// ValidatePolicy validates the policy configuration
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}

	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}

	for _, tool := range append(slices.Clone(p.AllowedTools), p.DeniedTools...) {
		if !slices.Contains(KnownTools(), tool) {
			return fmt.Errorf("unknown tool in policy: %s", tool)
		}
	}

	return nil
}

// KnownTools returns every tool the server can register.
func KnownTools() []string {
	return []string{ToolNoteList, ToolNoteSearch, ToolNoteRead, ToolVaultStatus}
}
