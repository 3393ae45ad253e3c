// Package settings persists the plain, unencrypted user preferences kept
// next to the vault in settings.json.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FileName is the settings file inside the vault directory.
const FileName = "settings.json"

// Defaults
const (
	DefaultTheme           = "system"
	DefaultLanguage        = "system"
	DefaultAutoLockMinutes = 5
	DefaultFontSize        = 14
	MaxAutoLockMinutes     = 24 * 60
)

// Settings are the persisted preferences.
type Settings struct {
	Theme           string `json:"theme"`
	Language        string `json:"language"`
	AutoLockMinutes int    `json:"auto_lock_minutes"`
	FontSize        int    `json:"font_size"`
}

// Default returns the settings used when nothing is stored.
func Default() Settings {
	return Settings{
		Theme:           DefaultTheme,
		Language:        DefaultLanguage,
		AutoLockMinutes: DefaultAutoLockMinutes,
		FontSize:        DefaultFontSize,
	}
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Theme, validation.Required, validation.In("light", "dark", "system")),
		validation.Field(&s.Language, validation.Required, validation.In("en", "ja", "system")),
		validation.Field(&s.AutoLockMinutes, validation.Min(0), validation.Max(MaxAutoLockMinutes)),
		validation.Field(&s.FontSize, validation.Required, validation.Min(8), validation.Max(48)),
	)
}

// ResolvedLanguage returns "en" or "ja", resolving "system" from the
// LC_ALL, LC_MESSAGES and LANG environment variables.
func (s Settings) ResolvedLanguage() string {
	switch s.Language {
	case "en", "ja":
		return s.Language
	}
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			if strings.HasPrefix(strings.ToLower(v), "ja") {
				return "ja"
			}
			return "en"
		}
	}
	return "en"
}

// Store reads and writes settings.json.
type Store struct {
	path string
}

// NewStore returns a Store for the settings file in dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, FileName)}
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings. A missing file yields Default() with no error.
// Fields absent from the file keep their defaults. A corrupt or invalid
// file yields Default() together with the error.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Default(), err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Default(), fmt.Errorf("settings: failed to read %s: %w", FileName, err)
	}

	out := Default()
	if err := json.Unmarshal(data, &out); err != nil {
		return Default(), fmt.Errorf("settings: failed to parse %s: %w", FileName, err)
	}
	if err := out.Validate(); err != nil {
		return Default(), fmt.Errorf("settings: invalid %s: %w", FileName, err)
	}
	return out, nil
}

// Save validates and writes the settings atomically.
func (s *Store) Save(ctx context.Context, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: failed to marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("settings: failed to create directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("settings: failed to write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("settings: failed to replace %s: %w", FileName, err)
	}
	return nil
}

// Update loads the settings, applies fn and saves the result.
func (s *Store) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	current, err := s.Load(ctx)
	if err != nil && ctx.Err() != nil {
		return current, err
	}
	fn(&current)
	return current, s.Save(ctx, current)
}
