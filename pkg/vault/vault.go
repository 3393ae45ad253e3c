// Package vault is the encrypted note store behind a knot session.
//
// A vault directory holds a SQLite database (knot.db) whose vault_keys table
// stores the data encryption key (DEK) sealed twice: once under a key derived
// from the master password with Argon2id, and optionally once under a key
// derived from a 12-word recovery phrase. Notes are sealed with the DEK; only
// the pinned flag, tags and modification time are kept in plaintext.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pher-lab/knot/pkg/audit"
	"github.com/pher-lab/knot/pkg/crypto"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DEKLength    = 32 // 256-bit DEK
	DBFileName   = "knot.db"
	LockFileName = "lock.json"
	AuditDirName = "audit"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// A vault refuses attempts for a while after MaxFailedAttempts consecutive
	// failures. Repeated lockouts escalate: 30s, then 5min, then 30min.
	MaxFailedAttempts = 5
	LockoutDuration1  = 30   // seconds, first lockout
	LockoutDuration2  = 300  // seconds, second consecutive lockout
	LockoutDuration3  = 1800 // seconds, third and later lockouts

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full

	// Password validation limits
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// Key kinds stored in vault_keys.
const (
	keyKindPassword = "password"
	keyKindRecovery = "recovery"
)

// Errors
var (
	ErrVaultAlreadyExists   = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrVaultLocked          = errors.New("vault: vault is locked")
	ErrVaultAlreadyUnlocked = errors.New("vault: vault is already unlocked")
	ErrDEKNotFound          = errors.New("vault: encrypted DEK not found in database")
	ErrVaultCorrupted       = errors.New("vault: vault is corrupted")
	ErrInsufficientDisk     = errors.New("vault: insufficient disk space")
	ErrPasswordTooShort     = errors.New("vault: password must be at least 8 characters")
	ErrPasswordTooLong      = errors.New("vault: password must be at most 128 characters")
)

// Codes carried by AuthResult.Code.
const (
	CodeOK                 = ""
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeInvalidRecoveryKey = "INVALID_RECOVERY_KEY"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeRecoveryNotSetUp   = "RECOVERY_NOT_SET_UP"
)

// AuthResult is the outcome of a credential check. A rejected password is a
// result, not an error: the error return of Unlock, Recover and
// ChangePassword is reserved for failures of the vault itself.
type AuthResult struct {
	Success           bool   `json:"success"`
	Code              string `json:"code,omitempty"`
	Message           string `json:"error,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
	LockoutSeconds    *int   `json:"lockout_seconds,omitempty"`
}

// SetupResult is returned by Setup. RecoveryKey is empty unless a recovery
// key was requested; it is never stored by the vault.
type SetupResult struct {
	RecoveryKey string `json:"recovery_key,omitempty"`
}

// LockState tracks failed attempts for lockout enforcement. It is persisted
// so restarting the process does not reset the counter.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	LockoutCount   int       `json:"lockout_count"` // consecutive lockouts since the last success
}

// Vault manages a knot vault directory.
type Vault struct {
	path   string        // Path to vault directory
	dek    []byte        // Decrypted DEK (held in memory only while unlocked)
	db     *sql.DB       // SQLite connection (open only while unlocked)
	mu     sync.RWMutex  // Concurrency control
	audit  *audit.Logger // Audit logger
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithClock replaces time.Now, used for lockout bookkeeping and timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// New creates a Vault for the directory at path. Nothing is touched on disk.
func New(path string, opts ...Option) *Vault {
	v := &Vault{
		path:   path,
		audit:  audit.NewLogger(filepath.Join(path, AuditDirName)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidatePassword checks the master password length limits.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Exists reports whether a vault has been created at the path.
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(v.dbPath())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("vault: failed to stat database: %w", err)
}

// Setup creates a new vault and leaves it unlocked:
// 1. Generate salt and DEK
// 2. Derive KEK from the master password and seal the DEK
// 3. Optionally generate a recovery phrase and seal the DEK under its KEK
// 4. Create knot.db with the schema and both sealed keys in one transaction
func (v *Vault) Setup(ctx context.Context, password string, wantRecoveryKey bool) (SetupResult, error) {
	if err := ValidatePassword(password); err != nil {
		return SetupResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.exists() {
		return SetupResult{}, ErrVaultAlreadyExists
	}

	if err := os.MkdirAll(v.path, DirMode); err != nil {
		return SetupResult{}, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	// Require at least 1MB for setup
	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return SetupResult{}, err
	}

	// 1. Salt and DEK
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return SetupResult{}, fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	dek, err := crypto.RandomBytes(DEKLength)
	if err != nil {
		return SetupResult{}, fmt.Errorf("vault: failed to generate DEK: %w", err)
	}

	// 2. Password KEK
	kek := crypto.DeriveKey([]byte(password), salt)
	defer crypto.SecureWipe(kek)
	sealedDEK, err := crypto.Seal(kek, dek)
	if err != nil {
		crypto.SecureWipe(dek)
		return SetupResult{}, fmt.Errorf("vault: failed to seal DEK: %w", err)
	}

	// 3. Recovery KEK
	var result SetupResult
	var sealedRecovery []byte
	if wantRecoveryKey {
		phrase, entropy, err := crypto.GenerateRecoveryPhrase()
		if err != nil {
			crypto.SecureWipe(dek)
			return SetupResult{}, fmt.Errorf("vault: %w", err)
		}
		rkek, err := crypto.DeriveRecoveryKEK(entropy)
		crypto.SecureWipe(entropy)
		if err != nil {
			crypto.SecureWipe(dek)
			return SetupResult{}, fmt.Errorf("vault: %w", err)
		}
		sealedRecovery, err = crypto.Seal(rkek, dek)
		crypto.SecureWipe(rkek)
		if err != nil {
			crypto.SecureWipe(dek)
			return SetupResult{}, fmt.Errorf("vault: failed to seal recovery DEK: %w", err)
		}
		result.RecoveryKey = phrase
	}

	// 4. Database
	db, err := openDB(v.dbPath())
	if err != nil {
		crypto.SecureWipe(dek)
		return SetupResult{}, err
	}
	if err := v.initDatabase(ctx, db, salt, sealedDEK, sealedRecovery); err != nil {
		db.Close()
		v.removeDatabaseFiles()
		crypto.SecureWipe(dek)
		return SetupResult{}, err
	}
	if err := os.Chmod(v.dbPath(), FileMode); err != nil {
		v.logger.Warn("failed to set database permissions", "error", err)
	}

	v.dek = dek
	v.db = db
	v.clearLockStateLogged()

	if err := v.audit.SetHMACKey(dek); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	}
	v.logAudit(audit.OpVaultSetup, audit.ResultSuccess, nil, map[string]interface{}{"recovery_key": wantRecoveryKey})

	return result, nil
}

func (v *Vault) initDatabase(ctx context.Context, db *sql.DB, salt, sealedDEK, sealedRecovery []byte) error {
	if err := migrateSchema(ctx, db); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putKey(ctx, tx, keyKindPassword, salt, sealedDEK); err != nil {
		return err
	}
	if sealedRecovery != nil {
		if err := putKey(ctx, tx, keyKindRecovery, nil, sealedRecovery); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}
	return nil
}

// Unlock verifies the master password and loads the DEK:
// 1. Check lockout status
// 2. Read salt and sealed DEK from vault_keys
// 3. Derive KEK and open the DEK
// 4. On failure count the attempt, on success clear the counter
func (v *Vault) Unlock(ctx context.Context, password string) (AuthResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.exists() {
		return AuthResult{}, ErrVaultNotFound
	}
	if v.dek != nil {
		return AuthResult{}, ErrVaultAlreadyUnlocked
	}

	// 1. Lockout
	if remaining, err := v.checkCooldown(); err != nil {
		return AuthResult{}, err
	} else if remaining > 0 {
		return lockedOutResult(remaining), nil
	}

	db, err := openDB(v.dbPath())
	if err != nil {
		return AuthResult{}, err
	}
	if err := migrateSchema(ctx, db); err != nil {
		db.Close()
		return AuthResult{}, err
	}

	// 2. Sealed key
	salt, sealed, err := getKey(ctx, db, keyKindPassword)
	if err != nil {
		db.Close()
		return AuthResult{}, err
	}
	if len(salt) != crypto.SaltLength {
		db.Close()
		return AuthResult{}, ErrVaultCorrupted
	}

	// 3. KEK
	kek := crypto.DeriveKey([]byte(password), salt)
	defer crypto.SecureWipe(kek)
	dek, err := crypto.Open(kek, sealed)
	if err != nil {
		db.Close()
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			// 4. Failure
			v.logAudit(audit.OpVaultUnlockFailed, audit.ResultError,
				&audit.ErrorInfo{Code: CodeInvalidPassword, Message: "invalid master password"}, nil)
			return v.failedAttempt(invalidPasswordResult), nil
		}
		return AuthResult{}, fmt.Errorf("vault: failed to open DEK: %w", err)
	}

	v.dek = dek
	v.db = db
	v.clearLockStateLogged()

	if err := v.audit.SetHMACKey(dek); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	}
	v.logAudit(audit.OpVaultUnlock, audit.ResultSuccess, nil, nil)

	// Advisory only
	v.checkAndWarnPermissions()

	return AuthResult{Success: true}, nil
}

// Recover restores access with the recovery phrase and sets a new master
// password. The DEK is re-sealed under a fresh salt and the vault is left
// unlocked. Failed attempts share the unlock lockout counter.
func (v *Vault) Recover(ctx context.Context, phrase, newPassword string) (AuthResult, error) {
	if err := ValidatePassword(newPassword); err != nil {
		return AuthResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.exists() {
		return AuthResult{}, ErrVaultNotFound
	}

	if remaining, err := v.checkCooldown(); err != nil {
		return AuthResult{}, err
	} else if remaining > 0 {
		return lockedOutResult(remaining), nil
	}

	db := v.db
	if db == nil {
		var err error
		if db, err = openDB(v.dbPath()); err != nil {
			return AuthResult{}, err
		}
		if err := migrateSchema(ctx, db); err != nil {
			db.Close()
			return AuthResult{}, err
		}
	}
	closeOnFail := func() {
		if v.db == nil {
			db.Close()
		}
	}

	_, sealedRecovery, err := getKey(ctx, db, keyKindRecovery)
	if errors.Is(err, ErrDEKNotFound) {
		closeOnFail()
		return AuthResult{Code: CodeRecoveryNotSetUp, Message: "Recovery key not set up"}, nil
	}
	if err != nil {
		closeOnFail()
		return AuthResult{}, err
	}

	dek, err := openWithPhrase(phrase, sealedRecovery)
	if err != nil {
		closeOnFail()
		if errors.Is(err, crypto.ErrInvalidRecoveryPhrase) || errors.Is(err, crypto.ErrDecryptionFailed) {
			v.logAudit(audit.OpVaultRecoverFailed, audit.ResultError,
				&audit.ErrorInfo{Code: CodeInvalidRecoveryKey, Message: "invalid recovery key"}, nil)
			return v.failedAttempt(invalidRecoveryKeyResult), nil
		}
		return AuthResult{}, err
	}

	if err := v.resealPassword(ctx, db, dek, newPassword); err != nil {
		closeOnFail()
		crypto.SecureWipe(dek)
		return AuthResult{}, err
	}

	if v.dek != nil {
		crypto.SecureWipe(v.dek)
	}
	v.dek = dek
	v.db = db
	v.clearLockStateLogged()

	if err := v.audit.SetHMACKey(dek); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	}
	v.logAudit(audit.OpVaultRecover, audit.ResultSuccess, nil, nil)

	return AuthResult{Success: true}, nil
}

func openWithPhrase(phrase string, sealed []byte) ([]byte, error) {
	entropy, err := crypto.RecoveryEntropy(phrase)
	if err != nil {
		return nil, err
	}
	rkek, err := crypto.DeriveRecoveryKEK(entropy)
	crypto.SecureWipe(entropy)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(rkek)
	return crypto.Open(rkek, sealed)
}

// ChangePassword re-seals the DEK under a new master password. The vault
// must be unlocked and current must match; a mismatch counts as a failed
// attempt. The recovery key is unaffected.
func (v *Vault) ChangePassword(ctx context.Context, current, next string) (AuthResult, error) {
	if err := ValidatePassword(next); err != nil {
		return AuthResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dek == nil {
		return AuthResult{}, ErrVaultLocked
	}

	if remaining, err := v.checkCooldown(); err != nil {
		return AuthResult{}, err
	} else if remaining > 0 {
		return lockedOutResult(remaining), nil
	}

	salt, sealed, err := getKey(ctx, v.db, keyKindPassword)
	if err != nil {
		return AuthResult{}, err
	}
	kek := crypto.DeriveKey([]byte(current), salt)
	defer crypto.SecureWipe(kek)
	check, err := crypto.Open(kek, sealed)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			v.logAudit(audit.OpVaultPasswordChange, audit.ResultError,
				&audit.ErrorInfo{Code: CodeInvalidPassword, Message: "invalid current password"}, nil)
			return v.failedAttempt(invalidPasswordResult), nil
		}
		return AuthResult{}, fmt.Errorf("vault: failed to open DEK: %w", err)
	}
	crypto.SecureWipe(check)

	if err := v.resealPassword(ctx, v.db, v.dek, next); err != nil {
		return AuthResult{}, err
	}
	v.clearLockStateLogged()
	v.logAudit(audit.OpVaultPasswordChange, audit.ResultSuccess, nil, nil)

	return AuthResult{Success: true}, nil
}

// resealPassword seals dek under a KEK derived from password and a fresh salt
// and replaces the password key row.
func (v *Vault) resealPassword(ctx context.Context, db *sql.DB, dek []byte, password string) error {
	if err := v.checkDiskSpaceForWrite(4096); err != nil {
		return err
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	kek := crypto.DeriveKey([]byte(password), salt)
	defer crypto.SecureWipe(kek)
	sealed, err := crypto.Seal(kek, dek)
	if err != nil {
		return fmt.Errorf("vault: failed to seal DEK: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := putKey(ctx, tx, keyKindPassword, salt, sealed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}
	return nil
}

// Lock wipes the DEK and closes the database. The DEK is always discarded;
// the returned error reports a failure to close the database cleanly.
func (v *Vault) Lock(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dek == nil {
		return nil
	}

	v.logAudit(audit.OpVaultLock, audit.ResultSuccess, nil, nil)
	v.audit.ClearHMACKey()

	crypto.SecureWipe(v.dek)
	v.dek = nil

	var err error
	if v.db != nil {
		if cerr := v.db.Close(); cerr != nil {
			err = fmt.Errorf("vault: failed to close database: %w", cerr)
		}
		v.db = nil
	}
	return err
}

// IsLocked returns whether the vault is locked
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dek == nil
}

// HasRecoveryKey reports whether a recovery key was set up. It works while
// locked.
func (v *Vault) HasRecoveryKey(ctx context.Context) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.exists() {
		return false, ErrVaultNotFound
	}
	db := v.db
	if db == nil {
		var err error
		if db, err = openDB(v.dbPath()); err != nil {
			return false, err
		}
		defer db.Close()
	}
	_, _, err := getKey(ctx, db, keyKindRecovery)
	if errors.Is(err, ErrDEKNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Path returns the vault path
func (v *Vault) Path() string {
	return v.path
}

// AuditLogger returns the audit logger.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// AuditVerify checks the audit log chain. The vault must be unlocked.
func (v *Vault) AuditVerify() (*audit.VerifyResult, error) {
	if v.IsLocked() {
		return nil, ErrVaultLocked
	}
	return v.audit.Verify()
}

func (v *Vault) dbPath() string {
	return filepath.Join(v.path, DBFileName)
}

func (v *Vault) exists() bool {
	_, err := os.Stat(v.dbPath())
	return err == nil
}

func (v *Vault) removeDatabaseFiles() {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(v.dbPath() + suffix); err != nil && !os.IsNotExist(err) {
			v.logger.Warn("failed to remove partial database", "file", DBFileName+suffix, "error", err)
		}
	}
}

func (v *Vault) logAudit(op, result string, errInfo *audit.ErrorInfo, ctx map[string]interface{}) {
	if err := v.audit.Log(op, audit.SourceApp, result, errInfo, ctx); err != nil {
		v.logger.Warn("failed to write audit event", "op", op, "error", err)
	}
}

// checkAndWarnPermissions logs a warning for group/world accessible files.
// Advisory only.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.logger.Warn("vault directory has insecure permissions",
				"perm", fmt.Sprintf("%04o", perm), "expected", "0700")
		}
	}
	for _, fname := range []string{DBFileName, LockFileName} {
		if info, err := os.Stat(filepath.Join(v.path, fname)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				v.logger.Warn("vault file has insecure permissions",
					"file", fname, "perm", fmt.Sprintf("%04o", perm), "expected", "0600")
			}
		}
	}
}

func invalidPasswordResult(remaining int) AuthResult {
	return AuthResult{
		Code:              CodeInvalidPassword,
		Message:           fmt.Sprintf("Invalid password. %d attempts remaining.", remaining),
		AttemptsRemaining: &remaining,
	}
}

func invalidRecoveryKeyResult(remaining int) AuthResult {
	return AuthResult{
		Code:              CodeInvalidRecoveryKey,
		Message:           fmt.Sprintf("Invalid recovery key. %d attempts remaining.", remaining),
		AttemptsRemaining: &remaining,
	}
}

func lockedOutResult(remaining time.Duration) AuthResult {
	secs := int(math.Ceil(remaining.Seconds()))
	zero := 0
	return AuthResult{
		Code:              CodeTooManyAttempts,
		Message:           "Too many failed attempts",
		AttemptsRemaining: &zero,
		LockoutSeconds:    &secs,
	}
}

// failedAttempt records a failure and builds the result for it. The counter
// is best-effort: a write failure is logged and the attempt still fails.
func (v *Vault) failedAttempt(invalid func(remaining int) AuthResult) AuthResult {
	state, cooldown, err := v.recordFailedAttempt()
	if err != nil {
		v.logger.Warn("failed to record failed attempt", "error", err)
	}
	if cooldown > 0 {
		v.logAudit(audit.OpVaultLockout, audit.ResultDenied, nil,
			map[string]interface{}{"seconds": int(cooldown.Seconds())})
		return lockedOutResult(cooldown)
	}
	remaining := MaxFailedAttempts - state.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}
	return invalid(remaining)
}

// loadLockState reads the lock state; a missing or corrupted file is a
// fresh state.
func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(filepath.Join(v.path, LockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		return &LockState{}, nil
	}
	return &state, nil
}

func (v *Vault) saveLockState(state *LockState) error {
	if err := v.checkDiskSpaceForWrite(1024); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.path, LockFileName), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

// clearLockState removes the lock state file (called on success)
func (v *Vault) clearLockState() error {
	err := os.Remove(filepath.Join(v.path, LockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

func (v *Vault) clearLockStateLogged() {
	if err := v.clearLockState(); err != nil {
		v.logger.Warn("failed to clear lock state", "error", err)
	}
}

// checkCooldown returns the remaining lockout, or 0 when attempts are
// allowed. An expired lockout resets the failure counter.
func (v *Vault) checkCooldown() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	if state.CooldownUntil.IsZero() {
		return 0, nil
	}
	if now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), nil
	}

	if state.FailedAttempts > 0 {
		state.FailedAttempts = 0
		state.CooldownUntil = time.Time{}
		if err := v.saveLockState(state); err != nil {
			v.logger.Warn("failed to reset lock state", "error", err)
		}
	}
	return 0, nil
}

// recordFailedAttempt counts a failure and starts a lockout once
// MaxFailedAttempts is reached.
func (v *Vault) recordFailedAttempt() (*LockState, time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		state = &LockState{}
	}

	now := v.now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	if state.FailedAttempts >= MaxFailedAttempts {
		state.LockoutCount++
		switch {
		case state.LockoutCount >= 3:
			cooldown = LockoutDuration3 * time.Second
		case state.LockoutCount == 2:
			cooldown = LockoutDuration2 * time.Second
		default:
			cooldown = LockoutDuration1 * time.Second
		}
		state.CooldownUntil = now.Add(cooldown)
	}

	if err := v.saveLockState(state); err != nil {
		return state, cooldown, err
	}
	return state, cooldown, nil
}

// RemainingCooldown returns the remaining lockout time, or 0
func (v *Vault) RemainingCooldown() time.Duration {
	state, err := v.loadLockState()
	if err != nil {
		return 0
	}
	if now := v.now(); !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now)
	}
	return 0
}

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

func newDiskSpaceInfo(total, free, available uint64) DiskSpaceInfo {
	info := DiskSpaceInfo{Total: total, Free: free, Available: available}
	if total > 0 {
		info.UsedPct = int(100 * (total - free) / total)
	}
	return info
}

// CheckDiskSpace reports usage of the filesystem holding the vault. Before
// setup the parent directory is measured.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	dir := v.path
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		dir = filepath.Dir(dir)
	}
	info, err := diskUsage(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}
	return &info, nil
}

// checkDiskSpaceForWrite verifies sufficient disk space before write operations
func (v *Vault) checkDiskSpaceForWrite(dataSize int) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		// Do not block the write on a failed check
		v.logger.Warn("failed to check disk space", "error", err)
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		v.logger.Warn("disk is nearly full, consider freeing space", "used_pct", info.UsedPct)
	}
	return nil
}
