package vault

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newClockedVault(t *testing.T) (*Vault, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	v := New(t.TempDir(), WithClock(clock.now))
	if _, err := v.Setup(context.Background(), testPassword, false); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() { _ = v.Lock(context.Background()) })
	return v, clock
}

func TestNoteOperations(t *testing.T) {
	ctx := context.Background()
	v, clock := newClockedVault(t)

	created, err := v.CreateNote(ctx, "Groceries", "milk")
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected an id")
	}
	if !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Error("new note should have equal created and updated timestamps")
	}

	clock.advance(time.Minute)
	updated, err := v.UpdateNote(ctx, created.ID, "Groceries", "milk\neggs")
	if err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("UpdateNote should bump updated_at")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("UpdateNote must keep created_at")
	}

	got, err := v.GetNote(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.Content != "milk\neggs" || got.Title != "Groceries" {
		t.Errorf("unexpected note %+v", got)
	}

	if err := v.DeleteNote(ctx, created.ID); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if _, err := v.GetNote(ctx, created.ID); err != ErrNoteNotFound {
		t.Errorf("expected ErrNoteNotFound after delete, got %v", err)
	}
	if err := v.DeleteNote(ctx, created.ID); err != ErrNoteNotFound {
		t.Errorf("expected ErrNoteNotFound on second delete, got %v", err)
	}
	if _, err := v.UpdateNote(ctx, created.ID, "x", "y"); err != ErrNoteNotFound {
		t.Errorf("expected ErrNoteNotFound on update, got %v", err)
	}
}

func TestNotesAreEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)

	if _, err := v.CreateNote(ctx, "Diary", "a very private sentence"); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	var blob []byte
	if err := v.db.QueryRowContext(ctx, "SELECT encrypted_data FROM notes").Scan(&blob); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if strings.Contains(string(blob), "private") || strings.Contains(string(blob), "Diary") {
		t.Error("plaintext found in the encrypted column")
	}
}

func TestListNotesOrdering(t *testing.T) {
	ctx := context.Background()
	v, clock := newClockedVault(t)

	a, _ := v.CreateNote(ctx, "A", "")
	clock.advance(time.Second)
	b, _ := v.CreateNote(ctx, "B", "")
	clock.advance(time.Second)
	c, _ := v.CreateNote(ctx, "C", "")

	if _, err := v.TogglePin(ctx, a.ID); err != nil {
		t.Fatalf("TogglePin failed: %v", err)
	}
	clock.advance(time.Second)
	if _, err := v.UpdateNote(ctx, b.ID, "B", "edited"); err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}

	list, err := v.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	var ids []string
	for _, n := range list {
		ids = append(ids, n.ID)
	}
	want := []string{a.ID, b.ID, c.ID}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want pinned A then B (edited) then C", ids)
	}
}

func TestTogglePin(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)
	n, _ := v.CreateNote(ctx, "pin me", "")

	pinned, err := v.TogglePin(ctx, n.ID)
	if err != nil || !pinned {
		t.Fatalf("first TogglePin = %v, %v; want true", pinned, err)
	}
	pinned, err = v.TogglePin(ctx, n.ID)
	if err != nil || pinned {
		t.Fatalf("second TogglePin = %v, %v; want false", pinned, err)
	}
	if _, err := v.TogglePin(ctx, "missing"); err != ErrNoteNotFound {
		t.Errorf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestSearchNotes(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)

	_, _ = v.CreateNote(ctx, "Meeting notes", "discussed the Roadmap")
	_, _ = v.CreateNote(ctx, "Recipes", "pancakes")
	_, _ = v.CreateNote(ctx, "ROADMAP", "")

	tests := []struct {
		query string
		want  int
	}{
		{"roadmap", 2},
		{"PANCAKE", 1},
		{"nothing here", 0},
		{"", 3},
		{"   ", 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := v.SearchNotes(ctx, tt.query)
			if err != nil {
				t.Fatalf("SearchNotes failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("SearchNotes(%q) returned %d notes, want %d", tt.query, len(got), tt.want)
			}
		})
	}
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)
	a, _ := v.CreateNote(ctx, "a", "")
	b, _ := v.CreateNote(ctx, "b", "")

	saved, err := v.SetTags(ctx, a.ID, []string{" work ", "Ideas", "", "WORK"})
	if err != nil {
		t.Fatalf("SetTags failed: %v", err)
	}
	if !reflect.DeepEqual(saved, []string{"work", "Ideas"}) {
		t.Errorf("saved tags = %v", saved)
	}
	if _, err := v.SetTags(ctx, b.ID, []string{"home", "ideas"}); err != nil {
		t.Fatalf("SetTags failed: %v", err)
	}

	got, _ := v.GetNote(ctx, a.ID)
	if !reflect.DeepEqual(got.Tags, []string{"work", "Ideas"}) {
		t.Errorf("note tags = %v", got.Tags)
	}

	all, err := v.ListTags(ctx)
	if err != nil {
		t.Fatalf("ListTags failed: %v", err)
	}
	if !reflect.DeepEqual(all, []string{"home", "Ideas", "work"}) {
		t.Errorf("ListTags = %v", all)
	}

	if _, err := v.SetTags(ctx, "missing", []string{"x"}); err != ErrNoteNotFound {
		t.Errorf("expected ErrNoteNotFound, got %v", err)
	}
	if _, err := v.SetTags(ctx, a.ID, []string{strings.Repeat("t", MaxTagLength+1)}); !errors.Is(err, ErrTagTooLong) {
		t.Errorf("expected ErrTagTooLong, got %v", err)
	}
}

func TestNoteOperationsWhileLocked(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)
	n, _ := v.CreateNote(ctx, "x", "y")
	_ = v.Lock(ctx)

	if _, err := v.CreateNote(ctx, "x", "y"); err != ErrVaultLocked {
		t.Errorf("CreateNote: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.GetNote(ctx, n.ID); err != ErrVaultLocked {
		t.Errorf("GetNote: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.ListNotes(ctx); err != ErrVaultLocked {
		t.Errorf("ListNotes: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.SearchNotes(ctx, "x"); err != ErrVaultLocked {
		t.Errorf("SearchNotes: expected ErrVaultLocked, got %v", err)
	}
	if err := v.DeleteNote(ctx, n.ID); err != ErrVaultLocked {
		t.Errorf("DeleteNote: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.TogglePin(ctx, n.ID); err != ErrVaultLocked {
		t.Errorf("TogglePin: expected ErrVaultLocked, got %v", err)
	}
}

func TestListSkipsUnreadableNotes(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)
	_, _ = v.CreateNote(ctx, "good", "")

	_, err := v.db.ExecContext(ctx,
		"INSERT INTO notes (id, encrypted_data, pinned, tags, created_at, updated_at) VALUES ('bad', x'0102', 0, '[]', 0, 0)")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	list, err := v.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if len(list) != 1 || list[0].Title != "good" {
		t.Errorf("expected only the readable note, got %+v", list)
	}
}

func TestNoteLimits(t *testing.T) {
	ctx := context.Background()
	v, _ := newClockedVault(t)

	if _, err := v.CreateNote(ctx, strings.Repeat("t", MaxTitleLength+1), ""); !errors.Is(err, ErrTitleTooLong) {
		t.Errorf("expected ErrTitleTooLong, got %v", err)
	}
	if _, err := v.CreateNote(ctx, "big", strings.Repeat("x", MaxContentSize+1)); !errors.Is(err, ErrNoteTooLarge) {
		t.Errorf("expected ErrNoteTooLarge, got %v", err)
	}
}
