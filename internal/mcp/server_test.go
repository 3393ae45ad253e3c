package mcp

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/pher-lab/knot/internal/config"
	"github.com/pher-lab/knot/pkg/vault"
)

const testPassword = "testpassword123"

// testVault creates a temporary unlocked vault.
func testVault(t *testing.T) (v *vault.Vault, tmpDir string) {
	t.Helper()
	tmpDir = t.TempDir()
	v = vault.New(tmpDir)

	if _, err := v.Setup(context.Background(), testPassword, true); err != nil {
		t.Fatalf("failed to set up vault: %v", err)
	}
	t.Cleanup(func() { v.Lock(context.Background()) })

	return
}

// testServer wraps an unlocked vault without going through NewServer.
func testServer(t *testing.T, policy *Policy) *Server {
	t.Helper()
	v, tmpDir := testVault(t)
	return &Server{
		vault:     v,
		vaultPath: tmpDir,
		policy:    policy,
		logger:    slog.Default(),
	}
}

// addTestNote adds a note with optional tags.
func addTestNote(t *testing.T, v *vault.Vault, title, content string, tags ...string) vault.Note {
	t.Helper()
	ctx := context.Background()
	n, err := v.CreateNote(ctx, title, content)
	if err != nil {
		t.Fatalf("failed to add note '%s': %v", title, err)
	}
	if len(tags) > 0 {
		if n.Tags, err = v.SetTags(ctx, n.ID, tags); err != nil {
			t.Fatalf("failed to tag note '%s': %v", title, err)
		}
	}
	return n
}

func TestNewServer_NoPassword(t *testing.T) {
	_, tmpDir := testVault(t)
	t.Setenv(config.EnvPassword, "")

	_, err := NewServer(context.Background(), &ServerOptions{VaultPath: tmpDir})
	if err == nil {
		t.Fatal("expected error without password")
	}
}

func TestNewServer_WrongPassword(t *testing.T) {
	v, tmpDir := testVault(t)
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	_, err := NewServer(context.Background(), &ServerOptions{VaultPath: tmpDir, Password: "wrongpassword"})
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestNewServer_PasswordFromEnv(t *testing.T) {
	v, tmpDir := testVault(t)
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	t.Setenv(config.EnvPassword, testPassword)

	s, err := NewServer(context.Background(), &ServerOptions{VaultPath: tmpDir})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer s.Close()

	if got := os.Getenv(config.EnvPassword); got != "" {
		t.Errorf("%s should be cleared after reading, got %q", config.EnvPassword, got)
	}
	if s.policy != nil {
		t.Error("expected restricted mode without a policy file")
	}
	if s.vault.IsLocked() {
		t.Error("expected vault to be unlocked")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !s.vault.IsLocked() {
		t.Error("expected Close to lock the vault")
	}
}

func TestNewServer_WithPolicy(t *testing.T) {
	v, tmpDir := testVault(t)
	if err := v.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	writePolicy(t, tmpDir, "version: 1\ndefault_action: allow\nallow_content: true\n", 0600)

	s, err := NewServer(context.Background(), &ServerOptions{VaultPath: tmpDir, Password: testPassword})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer s.Close()

	if !s.policy.ContentAllowed() {
		t.Error("expected policy with allow_content")
	}
}
