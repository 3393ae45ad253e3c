package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/cases"

	"github.com/pher-lab/knot/internal/cli"
	"github.com/pher-lab/knot/pkg/audit"
	"github.com/pher-lab/knot/pkg/vault"
)

// NoteListInput represents input for note_list tool.
type NoteListInput struct {
	Tag string `json:"tag,omitempty"`
}

// NoteListOutput represents output for note_list tool.
type NoteListOutput struct {
	Notes []NoteInfo `json:"notes"`
}

// NoteInfo is note metadata without content.
type NoteInfo struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Pinned    bool     `json:"pinned"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// NoteSearchInput represents input for note_search tool.
type NoteSearchInput struct {
	Query string `json:"query"`
}

// NoteSearchOutput represents output for note_search tool.
type NoteSearchOutput struct {
	Query string     `json:"query"`
	Notes []NoteInfo `json:"notes"`
}

// NoteReadInput represents input for note_read tool. Either ID or Title is
// required; ID wins when both are set.
type NoteReadInput struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// NoteReadOutput represents output for note_read tool.
type NoteReadOutput struct {
	Note          NoteInfo `json:"note"`
	Content       string `json:"content"`
	ContentLength int    `json:"content_length"`
}

// VaultStatusInput represents input for vault_status tool.
type VaultStatusInput struct{}

// VaultStatusOutput represents output for vault_status tool.
type VaultStatusOutput struct {
	NoteCount      int  `json:"note_count"`
	PinnedCount    int  `json:"pinned_count"`
	TagCount       int  `json:"tag_count"`
	HasRecoveryKey bool `json:"has_recovery_key"`
	AuditValid     bool `json:"audit_valid"`
	AuditRecords   int  `json:"audit_records"`
	ContentAllowed bool `json:"content_allowed"`
}

func noteInfo(n vault.NoteSummary) NoteInfo {
	return NoteInfo{
		ID:        n.ID,
		Title:     n.Title,
		Pinned:    n.Pinned,
		Tags:      n.Tags,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
		UpdatedAt: n.UpdatedAt.Format(time.RFC3339),
	}
}

func noteInfos(notes []vault.NoteSummary) []NoteInfo {
	out := make([]NoteInfo, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteInfo(n))
	}
	return out
}

// handleNoteList handles the note_list tool call.
func (s *Server) handleNoteList(ctx context.Context, _ *mcp.CallToolRequest, input NoteListInput) (*mcp.CallToolResult, NoteListOutput, error) {
	notes, err := s.vault.ListNotes(ctx)
	if err != nil {
		return nil, NoteListOutput{}, fmt.Errorf("failed to list notes: %w", err)
	}

	if input.Tag != "" {
		tags, err := s.vault.ListTags(ctx)
		if err != nil {
			return nil, NoteListOutput{}, fmt.Errorf("failed to list tags: %w", err)
		}
		notes, err = cli.FilterByTags(notes, []string{input.Tag}, tags)
		if err != nil {
			return nil, NoteListOutput{}, err
		}
	}

	s.audit(audit.OpNoteList, map[string]interface{}{"count": len(notes)})
	return nil, NoteListOutput{Notes: noteInfos(notes)}, nil
}

// handleNoteSearch handles the note_search tool call.
func (s *Server) handleNoteSearch(ctx context.Context, _ *mcp.CallToolRequest, input NoteSearchInput) (*mcp.CallToolResult, NoteSearchOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, NoteSearchOutput{}, fmt.Errorf("query is required")
	}

	notes, err := s.vault.SearchNotes(ctx, query)
	if err != nil {
		return nil, NoteSearchOutput{}, fmt.Errorf("failed to search notes: %w", err)
	}

	s.audit(audit.OpNoteSearch, map[string]interface{}{"count": len(notes)})
	return nil, NoteSearchOutput{Query: query, Notes: noteInfos(notes)}, nil
}

// handleNoteRead handles the note_read tool call.
func (s *Server) handleNoteRead(ctx context.Context, _ *mcp.CallToolRequest, input NoteReadInput) (*mcp.CallToolResult, NoteReadOutput, error) {
	if !s.policy.ContentAllowed() {
		s.auditDenied(audit.OpNoteRead, "content not allowed")
		return nil, NoteReadOutput{}, ErrContentNotAllowed
	}

	id := input.ID
	if id == "" {
		if strings.TrimSpace(input.Title) == "" {
			return nil, NoteReadOutput{}, fmt.Errorf("id or title is required")
		}
		found, err := s.findByTitle(ctx, input.Title)
		if err != nil {
			return nil, NoteReadOutput{}, err
		}
		id = found
	}

	note, err := s.vault.GetNote(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrNoteNotFound) {
			return nil, NoteReadOutput{}, fmt.Errorf("note '%s' not found", id)
		}
		return nil, NoteReadOutput{}, fmt.Errorf("failed to read note: %w", err)
	}

	s.audit(audit.OpNoteRead, map[string]interface{}{"note_id": note.ID})
	return nil, NoteReadOutput{
		Note:          noteInfo(note.Summary()),
		Content:       note.Content,
		ContentLength: utf8.RuneCountInString(note.Content),
	}, nil
}

// findByTitle resolves a title the way wikilinks do: trimmed,
// case-insensitive, first match in list order.
func (s *Server) findByTitle(ctx context.Context, title string) (string, error) {
	notes, err := s.vault.ListNotes(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list notes: %w", err)
	}
	fold := cases.Fold()
	want := fold.String(strings.TrimSpace(title))
	for _, n := range notes {
		if fold.String(strings.TrimSpace(n.Title)) == want {
			return n.ID, nil
		}
	}
	return "", fmt.Errorf("note titled '%s' not found", title)
}

// handleVaultStatus handles the vault_status tool call.
func (s *Server) handleVaultStatus(ctx context.Context, _ *mcp.CallToolRequest, _ VaultStatusInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	notes, err := s.vault.ListNotes(ctx)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to list notes: %w", err)
	}
	tags, err := s.vault.ListTags(ctx)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to list tags: %w", err)
	}
	hasRecovery, err := s.vault.HasRecoveryKey(ctx)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to check recovery key: %w", err)
	}

	out := VaultStatusOutput{
		NoteCount:      len(notes),
		TagCount:       len(tags),
		HasRecoveryKey: hasRecovery,
		ContentAllowed: s.policy.ContentAllowed(),
	}
	for _, n := range notes {
		if n.Pinned {
			out.PinnedCount++
		}
	}

	verify, err := s.vault.AuditVerify()
	if err != nil {
		s.logger.Warn("audit verification failed", "error", err)
	} else {
		out.AuditValid = verify.Valid
		out.AuditRecords = verify.RecordsTotal
	}

	return nil, out, nil
}

func (s *Server) audit(op string, details map[string]interface{}) {
	if err := s.vault.AuditLogger().Log(op, audit.SourceMCP, audit.ResultSuccess, nil, details); err != nil {
		s.logger.Warn("failed to write audit event", "op", op, "error", err)
	}
}

func (s *Server) auditDenied(op, message string) {
	info := &audit.ErrorInfo{Code: "POLICY_DENIED", Message: message}
	if err := s.vault.AuditLogger().Log(op, audit.SourceMCP, audit.ResultDenied, info, nil); err != nil {
		s.logger.Warn("failed to write audit event", "op", op, "error", err)
	}
}
