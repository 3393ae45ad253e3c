package mcp

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writePolicy(t *testing.T, dir, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, PolicyFileName), []byte(content), perm); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
}

func TestLoadPolicy_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := LoadPolicy(tmpDir)
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestLoadPolicy_Success(t *testing.T) {
	tmpDir := t.TempDir()
	writePolicy(t, tmpDir, `version: 1
default_action: deny
allowed_tools:
  - note_list
  - note_read
denied_tools:
  - vault_status
allow_content: true
`, 0600)

	policy, err := LoadPolicy(tmpDir)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if policy.Version != 1 {
		t.Errorf("expected version 1, got %d", policy.Version)
	}
	if policy.DefaultAction != ActionDeny {
		t.Errorf("expected default_action 'deny', got '%s'", policy.DefaultAction)
	}
	if len(policy.AllowedTools) != 2 {
		t.Errorf("expected 2 allowed tools, got %d", len(policy.AllowedTools))
	}
	if len(policy.DeniedTools) != 1 {
		t.Errorf("expected 1 denied tool, got %d", len(policy.DeniedTools))
	}
	if !policy.ContentAllowed() {
		t.Error("expected allow_content to be set")
	}
}

func TestLoadPolicy_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not enforced on windows")
	}
	tmpDir := t.TempDir()
	writePolicy(t, tmpDir, "version: 1\ndefault_action: deny\n", 0644)

	_, err := LoadPolicy(tmpDir)
	if !errors.Is(err, ErrPolicyInsecure) {
		t.Errorf("expected ErrPolicyInsecure, got %v", err)
	}
}

func TestLoadPolicy_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", `invalid: yaml: content: [[[`},
		{"unsupported version", "version: 99\ndefault_action: deny\n"},
		{"bad default action", "version: 1\ndefault_action: maybe\n"},
		{"unknown tool", "version: 1\nallowed_tools:\n  - secret_run\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			writePolicy(t, tmpDir, tt.content, 0600)

			if _, err := LoadPolicy(tmpDir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadPolicy_DefaultActionFallback(t *testing.T) {
	tmpDir := t.TempDir()
	writePolicy(t, tmpDir, "version: 1\nallowed_tools:\n  - note_list\n", 0600)

	policy, err := LoadPolicy(tmpDir)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if policy.DefaultAction != ActionDeny {
		t.Errorf("expected default_action 'deny', got '%s'", policy.DefaultAction)
	}
	if policy.ContentAllowed() {
		t.Error("allow_content should default to false")
	}
}

func TestLoadPolicy_Symlink(t *testing.T) {
	tmpDir := t.TempDir()

	realPath := filepath.Join(tmpDir, "real-policy.yaml")
	if err := os.WriteFile(realPath, []byte("version: 1\ndefault_action: deny\n"), 0600); err != nil {
		t.Fatalf("failed to write real policy file: %v", err)
	}
	if err := os.Symlink(realPath, filepath.Join(tmpDir, PolicyFileName)); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	_, err := LoadPolicy(tmpDir)
	if !errors.Is(err, ErrPolicySymlink) {
		t.Errorf("expected ErrPolicySymlink, got %v", err)
	}
}

func TestIsToolAllowed(t *testing.T) {
	policy := &Policy{
		Version:       1,
		DefaultAction: ActionAllow,
		DeniedTools:   []string{ToolNoteRead},
		AllowedTools:  []string{ToolNoteList},
	}

	tests := []struct {
		tool    string
		allowed bool
	}{
		{ToolNoteRead, false},   // denied wins
		{ToolNoteList, true},    // allowed
		{ToolVaultStatus, true}, // default allow
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			allowed, reason := policy.IsToolAllowed(tt.tool)
			if allowed != tt.allowed {
				t.Errorf("IsToolAllowed(%s) = %v, want %v", tt.tool, allowed, tt.allowed)
			}
			if !allowed && reason == "" {
				t.Errorf("expected reason for denied tool '%s'", tt.tool)
			}
		})
	}
}

func TestIsToolAllowed_DefaultDeny(t *testing.T) {
	policy := &Policy{
		Version:       1,
		DefaultAction: ActionDeny,
		AllowedTools:  []string{ToolNoteSearch},
	}

	if allowed, _ := policy.IsToolAllowed(ToolNoteSearch); !allowed {
		t.Error("expected note_search to be allowed")
	}
	if allowed, _ := policy.IsToolAllowed(ToolNoteList); allowed {
		t.Error("expected note_list to be denied by default")
	}
}

func TestIsToolAllowed_RestrictedMode(t *testing.T) {
	var policy *Policy

	for _, tool := range KnownTools() {
		allowed, _ := policy.IsToolAllowed(tool)
		if want := tool != ToolNoteRead; allowed != want {
			t.Errorf("IsToolAllowed(%s) = %v, want %v", tool, allowed, want)
		}
	}
	if policy.ContentAllowed() {
		t.Error("restricted mode must not allow content")
	}
}

func TestValidatePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid deny", Policy{Version: 1, DefaultAction: ActionDeny}, false},
		{"valid allow", Policy{Version: 1, DefaultAction: ActionAllow, AllowedTools: []string{ToolNoteList}}, false},
		{"bad version", Policy{Version: 2, DefaultAction: ActionDeny}, true},
		{"bad action", Policy{Version: 1, DefaultAction: "ask"}, true},
		{"unknown denied tool", Policy{Version: 1, DefaultAction: ActionDeny, DeniedTools: []string{"shell"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.ValidatePolicy()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
