// Package backup writes and restores encrypted copies of a knot vault.
//
// File layout:
//
//	magic "KNOT_BKP" | header length (uint32 BE) | header JSON
//	| ciphertext length (uint32 BE) | sealed payload | HMAC-SHA256
//
// The payload is sealed with a key derived from a fresh Argon2id salt (or
// a 32-byte key file); a second HKDF subkey authenticates everything
// before the HMAC. A restored vault opens with the password it had when
// the backup was taken.
package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pher-lab/knot/pkg/crypto"
	"github.com/pher-lab/knot/pkg/vault"
)

// BackupOptions configures the backup operation.
type BackupOptions struct {
	// Output is the destination writer for the backup.
	Output io.Writer
	// IncludeAudit includes the audit directory in the backup.
	IncludeAudit bool
	// Password protects the backup.
	Password []byte
	// KeyFile path for encryption key (overrides Password).
	KeyFile string
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	// VaultPath is the target vault directory.
	VaultPath string
	// Overwrite replaces an existing vault at VaultPath.
	Overwrite bool
	// DryRun verifies and decrypts without touching VaultPath.
	DryRun bool
	// WithAudit restores the audit directory when the backup has one.
	WithAudit bool
	// Password for decryption.
	Password []byte
	// KeyFile path for decryption key (overrides Password).
	KeyFile string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	NotesRestored int
	AuditRestored bool
	DryRun        bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	Valid         bool
	Version       int
	CreatedAt     time.Time
	NoteCount     int
	IncludesAudit bool
	// Error is set if verification failed.
	Error string
}

// Backup writes an encrypted backup of v, which must be unlocked.
func Backup(ctx context.Context, v *vault.Vault, opts BackupOptions) error {
	if opts.Output == nil {
		return fmt.Errorf("output writer is required")
	}

	var encKey, macKey []byte
	var kdfParams *KDFParams
	var encMode EncryptionMode
	var err error

	switch {
	case opts.KeyFile != "":
		secret, err := ReadKeyFile(opts.KeyFile)
		if err != nil {
			return err
		}
		encKey, macKey, err = splitKey(secret)
		crypto.SecureWipe(secret)
		if err != nil {
			return err
		}
		encMode = EncryptionModeKey
	case len(opts.Password) > 0:
		salt, err := GenerateSalt()
		if err != nil {
			return err
		}
		encKey, macKey, err = DeriveBackupKeys(opts.Password, salt)
		if err != nil {
			return err
		}
		kdfParams = &KDFParams{
			Salt:        salt,
			Memory:      crypto.Argon2Memory,
			Iterations:  crypto.Argon2Time,
			Parallelism: crypto.Argon2Threads,
		}
		encMode = EncryptionModePassword
	default:
		return ErrNoKey
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	payload, noteCount, err := collectVaultData(ctx, v, opts.IncludeAudit)
	if err != nil {
		return fmt.Errorf("failed to collect vault data: %w", err)
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(payloadBytes)

	ciphertext, err := EncryptPayload(payloadBytes, encKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		SchemaVersion:  vault.CurrentSchemaVersion,
		EncryptionMode: encMode,
		KDFParams:      kdfParams,
		IncludesAudit:  opts.IncludeAudit && len(payload.Audit) > 0,
		NoteCount:      noteCount,
		ChecksumAlgo:   "sha256",
	}

	// Buffered so the HMAC covers exactly what is written.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return fmt.Errorf("failed to write ciphertext length: %w", err)
	}
	buf.Write(ciphertext)

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if _, err := opts.Output.Write(ComputeHMAC(buf.Bytes(), macKey)); err != nil {
		return fmt.Errorf("failed to write HMAC: %w", err)
	}

	return nil
}

// Restore verifies a backup and installs it at opts.VaultPath.
func Restore(backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	if opts.VaultPath == "" {
		return nil, fmt.Errorf("vault path is required")
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(payload.Database)

	if opts.DryRun {
		return &RestoreResult{
			NotesRestored: header.NoteCount,
			AuditRestored: opts.WithAudit && len(payload.Audit) > 0,
			DryRun:        true,
		}, nil
	}

	return performRestore(opts, header, payload)
}

// Verify checks backup integrity without restoring. A bad file is reported
// in the result, not as an error.
func Verify(backupPath string, password []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, payload, err := verifyAndDecrypt(data, password, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}
	crypto.SecureWipe(payload.Database)

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		NoteCount:     header.NoteCount,
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// collectVaultData snapshots the database and reads the audit directory.
func collectVaultData(ctx context.Context, v *vault.Vault, includeAudit bool) (*Payload, int, error) {
	notes, err := v.ListNotes(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notes: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "knot-backup-*")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, vault.DBFileName)
	if err := v.Snapshot(ctx, snapshot); err != nil {
		return nil, 0, err
	}
	db, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	payload := &Payload{Database: db}
	if includeAudit {
		files, err := readDir(filepath.Join(v.Path(), vault.AuditDirName))
		if err != nil {
			return nil, 0, err
		}
		payload.Audit = files
	}

	return payload, len(notes), nil
}

// readDir returns the regular files directly under dir. A missing dir is
// empty.
func readDir(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = data
	}
	return files, nil
}

// verifyAndDecrypt verifies the backup integrity and decrypts the payload.
func verifyAndDecrypt(data []byte, password []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := binary.Read(reader, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("failed to read ciphertext length: %w", err)
	}
	if reader.Len() != int(ciphertextLen)+HMACLength {
		return nil, nil, ErrTruncated
	}

	signedEnd := headerEnd + 4 + int(ciphertextLen)
	ciphertext := data[headerEnd+4 : signedEnd]
	storedHMAC := data[signedEnd:]

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		secret, err := ReadKeyFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		encKey, macKey, err = splitKey(secret)
		crypto.SecureWipe(secret)
		if err != nil {
			return nil, nil, err
		}
	case header.EncryptionMode == EncryptionModePassword && header.KDFParams != nil:
		if len(password) == 0 {
			return nil, nil, ErrEmptyPassword
		}
		encKey, macKey, err = DeriveBackupKeys(password, header.KDFParams.Salt)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("cannot determine decryption key for %q backup", header.EncryptionMode)
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !VerifyHMAC(data[:signedEnd], storedHMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}

	return header, payload, nil
}

// performRestore stages the vault in a sibling temp directory and renames
// it into place.
func performRestore(opts RestoreOptions, header *Header, payload *Payload) (*RestoreResult, error) {
	vaultPath := filepath.Clean(opts.VaultPath)

	if _, err := os.Stat(filepath.Join(vaultPath, vault.DBFileName)); err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, vaultPath)
	}

	parentDir := filepath.Dir(vaultPath)
	if err := os.MkdirAll(parentDir, vault.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	tempDir, err := os.MkdirTemp(parentDir, ".knot-restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.Chmod(tempDir, vault.DirMode); err != nil {
		return nil, fmt.Errorf("failed to set temp directory permissions: %w", err)
	}

	if err := os.WriteFile(filepath.Join(tempDir, vault.DBFileName), payload.Database, vault.FileMode); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", vault.DBFileName, err)
	}

	auditRestored := false
	if opts.WithAudit && len(payload.Audit) > 0 {
		auditDir := filepath.Join(tempDir, vault.AuditDirName)
		if err := os.Mkdir(auditDir, vault.DirMode); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		for name, data := range payload.Audit {
			// Names come from the sealed payload, but never leave the dir.
			if name != filepath.Base(name) || name == "." || name == ".." {
				return nil, fmt.Errorf("invalid audit file name in backup: %q", name)
			}
			if err := os.WriteFile(filepath.Join(auditDir, name), data, vault.FileMode); err != nil {
				return nil, fmt.Errorf("failed to write audit file %s: %w", name, err)
			}
		}
		auditRestored = true
	}

	// Settings, config and policy files live next to the database and
	// survive the restore.
	if _, err := os.Stat(vaultPath); err == nil {
		if err := carryOver(vaultPath, tempDir, auditRestored); err != nil {
			return nil, err
		}
	}

	// Move any existing vault aside so a failed rename can be undone.
	var aside string
	if _, err := os.Stat(vaultPath); err == nil {
		aside = vaultPath + ".old-" + time.Now().UTC().Format("20060102T150405")
		if err := os.Rename(vaultPath, aside); err != nil {
			return nil, fmt.Errorf("failed to move existing vault aside: %w", err)
		}
	}

	if err := os.Rename(tempDir, vaultPath); err != nil {
		if aside != "" {
			_ = os.Rename(aside, vaultPath)
		}
		return nil, fmt.Errorf("failed to restore vault: %w", err)
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			return nil, fmt.Errorf("restored, but failed to remove previous vault at %s: %w", aside, err)
		}
	}

	return &RestoreResult{
		NotesRestored: header.NoteCount,
		AuditRestored: auditRestored,
	}, nil
}

// carryOver copies the files of an existing vault directory that a backup
// does not contain into the staging directory. The audit directory is kept
// unless the backup replaced it.
func carryOver(vaultPath, stageDir string, auditRestored bool) error {
	entries, err := os.ReadDir(vaultPath)
	if err != nil {
		return fmt.Errorf("failed to read existing vault: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, vault.DBFileName), name == vault.LockFileName:
			continue
		case name == vault.AuditDirName:
			if auditRestored || !e.IsDir() {
				continue
			}
			files, err := readDir(filepath.Join(vaultPath, name))
			if err != nil {
				return fmt.Errorf("failed to read existing audit log: %w", err)
			}
			dst := filepath.Join(stageDir, name)
			if err := os.Mkdir(dst, vault.DirMode); err != nil {
				return fmt.Errorf("failed to create audit directory: %w", err)
			}
			for fname, data := range files {
				if err := os.WriteFile(filepath.Join(dst, fname), data, vault.FileMode); err != nil {
					return fmt.Errorf("failed to copy audit file %s: %w", fname, err)
				}
			}
		case e.Type().IsRegular():
			data, err := os.ReadFile(filepath.Join(vaultPath, name))
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", name, err)
			}
			if err := os.WriteFile(filepath.Join(stageDir, name), data, vault.FileMode); err != nil {
				return fmt.Errorf("failed to copy %s: %w", name, err)
			}
		}
	}
	return nil
}
