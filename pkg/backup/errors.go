package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the backup file has an invalid magic number.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = errors.New("backup integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed due to invalid password or corruption.
	ErrDecryptionFailed = errors.New("backup decryption failed: invalid password or corrupted data")

	// ErrTruncated indicates the file ends before the declared ciphertext and HMAC.
	ErrTruncated = errors.New("backup file truncated")

	// ErrVaultExists indicates the restore target already holds a vault.
	ErrVaultExists = errors.New("vault already exists at restore target")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("password cannot be empty")

	// ErrNoKey indicates neither a password nor a key file was supplied.
	ErrNoKey = errors.New("password or key file is required")
)
