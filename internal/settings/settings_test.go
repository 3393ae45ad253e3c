package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	store := NewStore(t.TempDir())

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != Default() {
		t.Errorf("Load() = %+v, want %+v", got, Default())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx := context.Background()

	want := Settings{Theme: "dark", Language: "ja", AutoLockMinutes: 0, FontSize: 16}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 0600", perm)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(`{"theme":"light"}`), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := NewStore(dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Theme != "light" {
		t.Errorf("Theme = %q, want light", got.Theme)
	}
	if got.AutoLockMinutes != DefaultAutoLockMinutes {
		t.Errorf("AutoLockMinutes = %d, want %d", got.AutoLockMinutes, DefaultAutoLockMinutes)
	}
	if got.FontSize != DefaultFontSize {
		t.Errorf("FontSize = %d, want %d", got.FontSize, DefaultFontSize)
	}
}

func TestLoadCorruptReturnsDefaultsAndError(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{nope"},
		{"bad theme", `{"theme":"neon"}`},
		{"negative minutes", `{"auto_lock_minutes":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			got, err := NewStore(dir).Load(context.Background())
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if got != Default() {
				t.Errorf("Load() = %+v, want defaults", got)
			}
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	store := NewStore(t.TempDir())
	s := Default()
	s.Language = "fr"
	if err := store.Save(context.Background(), s); err == nil {
		t.Fatal("Save() expected error for unsupported language")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("settings file should not exist, stat err = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	got, err := store.Update(ctx, func(s *Settings) { s.AutoLockMinutes = 15 })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.AutoLockMinutes != 15 {
		t.Errorf("AutoLockMinutes = %d, want 15", got.AutoLockMinutes)
	}

	loaded, _ := store.Load(ctx)
	if loaded.AutoLockMinutes != 15 || loaded.Theme != DefaultTheme {
		t.Errorf("Load() = %+v", loaded)
	}
}

func TestResolvedLanguage(t *testing.T) {
	tests := []struct {
		name     string
		language string
		lang     string
		want     string
	}{
		{"explicit en", "en", "ja_JP.UTF-8", "en"},
		{"explicit ja", "ja", "en_US.UTF-8", "ja"},
		{"system japanese", "system", "ja_JP.UTF-8", "ja"},
		{"system english", "system", "en_GB.UTF-8", "en"},
		{"system unset", "system", "", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LC_ALL", "")
			t.Setenv("LC_MESSAGES", "")
			t.Setenv("LANG", tt.lang)
			s := Default()
			s.Language = tt.language
			if got := s.ResolvedLanguage(); got != tt.want {
				t.Errorf("ResolvedLanguage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchReportsExternalEdit(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Settings, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, nil, func(s Settings) { got <- s })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	edited := Default()
	edited.Theme = "dark"
	if err := store.Save(context.Background(), edited); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s.Theme != "dark" {
			t.Errorf("Theme = %q, want dark", s.Theme)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settings change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
