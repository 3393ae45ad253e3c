// Package audit records vault authentication events in an HMAC-chained
// JSONL log so tampering with the history can be detected.
//
// The HMAC key is derived from the vault DEK, so events can only be sealed
// while the vault is unlocked. Events logged while locked (failed unlocks,
// lockouts) are queued in memory and chained in order on the next unlock.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
)

// Operation types for audit logging
const (
	OpVaultSetup          = "vault.setup"
	OpVaultUnlock         = "vault.unlock"
	OpVaultUnlockFailed   = "vault.unlock_failed"
	OpVaultLock           = "vault.lock"
	OpVaultRecover        = "vault.recover"
	OpVaultRecoverFailed  = "vault.recover_failed"
	OpVaultPasswordChange = "vault.password_change"
	OpVaultLockout        = "vault.lockout"
	OpNoteList            = "note.list"
	OpNoteRead            = "note.read"
	OpNoteSearch          = "note.search"
)

// Source identifies where the operation originated
const (
	SourceApp = "app"
	SourceMCP = "mcp"
	SourceAPI = "api"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// maxQueued bounds the events held while no HMAC key is set.
const maxQueued = 256

const genesis = "genesis"

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // ULID
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]interface{} `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`  // Sequence number
	PrevHash string `json:"prev"` // Previous record hash
	HMAC     string `json:"hmac"` // This record's HMAC
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path      string     // Audit log directory path
	hmacKey   []byte     // HMAC key derived from the DEK
	mu        sync.Mutex // Protects concurrent writes
	sequence  int64      // Current sequence number
	prevHash  string     // Previous record hash
	sessionID string     // Process session ID
	queued    []Event    // Events logged without a key
	entropy   io.Reader
	now       func() time.Time
}

// NewLogger creates a new audit logger writing under path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesis,
		sessionID: ulid.Make().String(),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		now:       time.Now,
	}
}

// SetHMACKey derives the HMAC key from the DEK, loads the chain state and
// writes any queued events.
func (l *Logger) SetHMACKey(dek []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := hkdf.New(sha256.New, dek, nil, []byte("knot-audit-log-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		// First run
		l.sequence = 0
		l.prevHash = genesis
	}

	queued := l.queued
	l.queued = nil
	for i := range queued {
		if err := l.append(&queued[i]); err != nil {
			return err
		}
	}
	return nil
}

// ClearHMACKey forgets the HMAC key. Later events are queued again.
func (l *Logger) ClearHMACKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hmacKey {
		l.hmacKey[i] = 0
	}
	l.hmacKey = nil
}

// Log records an audit event. Without an HMAC key the event is queued.
func (l *Logger) Log(op, source, result string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		Version:   1,
		ID:        ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String(),
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}

	if l.hmacKey == nil {
		if len(l.queued) >= maxQueued {
			l.queued = l.queued[1:]
		}
		l.queued = append(l.queued, event)
		return nil
	}
	return l.append(&event)
}

// Queued returns the number of events waiting for an HMAC key.
func (l *Logger) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued)
}

// append chains and writes event. l.mu must be held.
func (l *Logger) append(event *Event) error {
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(event)
	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(event); err != nil {
		return err
	}
	return l.saveChainState()
}

func (l *Logger) sign(event *Event) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(buildRecordData(event))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildRecordData serializes every significant field for the HMAC.
func buildRecordData(event *Event) []byte {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}

	// Sorted keys for a deterministic HMAC
	var contextData strings.Builder
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&contextData, "%s=%v|", k, event.Context[k])
	}

	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Source,
		event.SessionID,
		event.Result,
		errorData,
		contextData.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	))
}

// writeEvent appends an event to the current month's log file
func (l *Logger) writeEvent(event *Event) error {
	filename := l.now().UTC().Format("2006-01") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(l.path, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// chainState holds the persistent chain state
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify checks the integrity of the whole log chain.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, fmt.Errorf("audit: HMAC key not set")
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1
	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}
	return result, nil
}

// ListEvents returns the most recent events, at most limit (0 = all), that
// happened after since (zero = no filter).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, event := range events {
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
		}
		filtered = append(filtered, event)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// readAll reads every log file in chronological order.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl sorts chronologically
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				return nil, fmt.Errorf("audit: failed to parse %s: %w", filepath.Base(file), err)
			}
			events = append(events, event)
		}
	}
	return events, nil
}
