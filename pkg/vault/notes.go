package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/pher-lab/knot/pkg/crypto"
)

// Note limits
const (
	MaxTitleLength = 512             // characters
	MaxContentSize = 8 * 1024 * 1024 // bytes
	MaxTagCount    = 32
	MaxTagLength   = 64
)

var (
	ErrNoteNotFound = errors.New("vault: note not found")
	ErrNoteTooLarge = errors.New("vault: note content too large")
	ErrTitleTooLong = errors.New("vault: note title too long")
	ErrTooManyTags  = errors.New("vault: too many tags")
	ErrTagTooLong   = errors.New("vault: tag too long")
)

// Note is a decrypted note.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Pinned    bool      `json:"pinned"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteSummary is a note without its content, as shown in lists.
type NoteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary drops the content.
func (n Note) Summary() NoteSummary {
	return NoteSummary{
		ID:        n.ID,
		Title:     n.Title,
		Pinned:    n.Pinned,
		Tags:      n.Tags,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

// notePayload is the sealed part of a note row.
type notePayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// foldCase returns the case-folded form of s. A cases.Caser carries state,
// so each call builds its own.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// CreateNote stores a new note and returns it.
func (v *Vault) CreateNote(ctx context.Context, title, content string) (Note, error) {
	if err := validateNote(title, content); err != nil {
		return Note{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return Note{}, ErrVaultLocked
	}
	if err := v.checkDiskSpaceForWrite(len(title) + len(content)); err != nil {
		return Note{}, err
	}

	now := v.now().UTC()
	n := Note{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	blob, err := v.sealNote(n)
	if err != nil {
		return Note{}, err
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO notes (id, encrypted_data, pinned, tags, created_at, updated_at)
		VALUES (?, ?, 0, '[]', ?, ?)
	`, n.ID, blob, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Note{}, fmt.Errorf("vault: failed to insert note: %w", err)
	}
	return n, nil
}

// GetNote returns a decrypted note.
func (v *Vault) GetNote(ctx context.Context, id string) (Note, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dek == nil {
		return Note{}, ErrVaultLocked
	}

	row := v.db.QueryRowContext(ctx,
		"SELECT encrypted_data, pinned, tags FROM notes WHERE id = ?", id)
	n, err := v.scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	return n, err
}

// UpdateNote replaces a note's title and content and bumps updated_at.
func (v *Vault) UpdateNote(ctx context.Context, id, title, content string) (Note, error) {
	if err := validateNote(title, content); err != nil {
		return Note{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return Note{}, ErrVaultLocked
	}
	if err := v.checkDiskSpaceForWrite(len(title) + len(content)); err != nil {
		return Note{}, err
	}

	row := v.db.QueryRowContext(ctx,
		"SELECT encrypted_data, pinned, tags FROM notes WHERE id = ?", id)
	n, err := v.scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, err
	}

	n.Title = title
	n.Content = content
	n.UpdatedAt = v.now().UTC()
	blob, err := v.sealNote(n)
	if err != nil {
		return Note{}, err
	}

	res, err := v.db.ExecContext(ctx,
		"UPDATE notes SET encrypted_data = ?, updated_at = ? WHERE id = ?",
		blob, n.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return Note{}, fmt.Errorf("vault: failed to update note: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Note{}, ErrNoteNotFound
	}
	return n, nil
}

// DeleteNote removes a note.
func (v *Vault) DeleteNote(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return ErrVaultLocked
	}

	res, err := v.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("vault: failed to delete note: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// ListNotes returns all notes, pinned first then most recently updated.
// Rows that fail to decrypt are skipped with a warning.
func (v *Vault) ListNotes(ctx context.Context) ([]NoteSummary, error) {
	notes, err := v.allNotes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NoteSummary, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Summary())
	}
	return out, nil
}

// SearchNotes returns notes whose title or content contains query, compared
// case-insensitively. An empty query lists everything.
func (v *Vault) SearchNotes(ctx context.Context, query string) ([]NoteSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return v.ListNotes(ctx)
	}

	notes, err := v.allNotes(ctx)
	if err != nil {
		return nil, err
	}
	needle := foldCase(query)
	out := []NoteSummary{}
	for _, n := range notes {
		if strings.Contains(foldCase(n.Title), needle) || strings.Contains(foldCase(n.Content), needle) {
			out = append(out, n.Summary())
		}
	}
	return out, nil
}

// TogglePin flips a note's pinned flag and returns the new state.
func (v *Vault) TogglePin(ctx context.Context, id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return false, ErrVaultLocked
	}

	var pinned bool
	err := v.db.QueryRowContext(ctx,
		"UPDATE notes SET pinned = 1 - pinned WHERE id = ? RETURNING pinned", id).Scan(&pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNoteNotFound
	}
	if err != nil {
		return false, fmt.Errorf("vault: failed to toggle pin: %w", err)
	}
	return pinned, nil
}

// SetTags replaces a note's tags and returns them normalized: trimmed,
// empty entries dropped, duplicates removed case-insensitively.
func (v *Vault) SetTags(ctx context.Context, id string, tags []string) ([]string, error) {
	tags, err := NormalizeTags(tags)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to marshal tags: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return nil, ErrVaultLocked
	}

	res, err := v.db.ExecContext(ctx, "UPDATE notes SET tags = ? WHERE id = ?", string(data), id)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to set tags: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNoteNotFound
	}
	return tags, nil
}

// ListTags returns every tag in use, sorted case-insensitively.
func (v *Vault) ListTags(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dek == nil {
		return nil, ErrVaultLocked
	}

	rows, err := v.db.QueryContext(ctx, "SELECT tags FROM notes")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list tags: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	out := []string{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("vault: failed to scan tags: %w", err)
		}
		for _, tag := range decodeTags(raw) {
			key := foldCase(tag)
			if !seen[key] {
				seen[key] = true
				out = append(out, tag)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: failed to list tags: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return foldCase(out[i]) < foldCase(out[j]) })
	return out, nil
}

// NormalizeTags trims tags, drops empty ones and removes case-insensitive
// duplicates, keeping the first spelling.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return nil, fmt.Errorf("%w: %q", ErrTagTooLong, tag)
		}
		key := foldCase(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	if len(out) > MaxTagCount {
		return nil, fmt.Errorf("%w: %d exceeds maximum of %d", ErrTooManyTags, len(out), MaxTagCount)
	}
	return out, nil
}

func (v *Vault) allNotes(ctx context.Context) ([]Note, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dek == nil {
		return nil, ErrVaultLocked
	}

	rows, err := v.db.QueryContext(ctx,
		"SELECT id, encrypted_data, pinned, tags FROM notes ORDER BY pinned DESC, updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		var id, tags string
		var blob []byte
		var pinned bool
		if err := rows.Scan(&id, &blob, &pinned, &tags); err != nil {
			return nil, fmt.Errorf("vault: failed to scan note: %w", err)
		}
		n, err := v.openNote(blob, pinned, tags)
		if err != nil {
			v.logger.Warn("skipping unreadable note", "id", id, "error", err)
			continue
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: failed to list notes: %w", err)
	}

	// updated_at is stored at millisecond precision; ties resolve on the
	// decrypted timestamp.
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].Pinned != notes[j].Pinned {
			return notes[i].Pinned
		}
		return notes[i].UpdatedAt.After(notes[j].UpdatedAt)
	})
	return notes, nil
}

func (v *Vault) scanNote(row *sql.Row) (Note, error) {
	var blob []byte
	var pinned bool
	var tags string
	if err := row.Scan(&blob, &pinned, &tags); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Note{}, err
		}
		return Note{}, fmt.Errorf("vault: failed to read note: %w", err)
	}
	return v.openNote(blob, pinned, tags)
}

func (v *Vault) sealNote(n Note) ([]byte, error) {
	data, err := json.Marshal(notePayload{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: failed to marshal note: %w", err)
	}
	defer crypto.SecureWipe(data)

	blob, err := crypto.Seal(v.dek, data)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to seal note: %w", err)
	}
	return blob, nil
}

func (v *Vault) openNote(blob []byte, pinned bool, tags string) (Note, error) {
	data, err := crypto.Open(v.dek, blob)
	if err != nil {
		return Note{}, fmt.Errorf("vault: failed to open note: %w", err)
	}
	defer crypto.SecureWipe(data)

	var p notePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Note{}, fmt.Errorf("vault: failed to unmarshal note: %w", err)
	}
	return Note{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		Pinned:    pinned,
		Tags:      decodeTags(tags),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func decodeTags(raw string) []string {
	tags := []string{}
	if raw == "" {
		return tags
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	return tags
}

func validateNote(title, content string) error {
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d",
			ErrTitleTooLong, utf8.RuneCountInString(title), MaxTitleLength)
	}
	if len(content) > MaxContentSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrNoteTooLarge, len(content), MaxContentSize)
	}
	return nil
}
