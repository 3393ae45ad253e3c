package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, false)

	if _, err := v.CreateNote(ctx, "Kept", "in the copy"); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	dir := t.TempDir()
	dst := filepath.Join(dir, DBFileName)
	if err := v.Snapshot(ctx, dst); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if info.Mode().Perm() != FileMode {
		t.Errorf("expected mode %o, got %o", FileMode, info.Mode().Perm())
	}

	// The copy opens with the same password.
	copied := New(dir)
	res, err := copied.Unlock(ctx, testPassword)
	if err != nil || !res.Success {
		t.Fatalf("Unlock of snapshot failed: %v %+v", err, res)
	}
	defer copied.Lock(ctx)

	notes, err := copied.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if len(notes) != 1 || notes[0].Title != "Kept" {
		t.Errorf("unexpected notes in snapshot: %+v", notes)
	}
}

func TestSnapshotWhileLocked(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, false)
	if err := v.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	err := v.Snapshot(ctx, filepath.Join(t.TempDir(), DBFileName))
	if !errors.Is(err, ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked, got %v", err)
	}
}
