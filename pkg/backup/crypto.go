package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/pher-lab/knot/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = crypto.SaltLength

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = sha256.Size

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = crypto.KeyLength
)

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "knot-backup-encryption"
	hkdfInfoMAC        = "knot-backup-mac"
)

// GenerateSalt generates a fresh salt. A backup never reuses the vault salt.
func GenerateSalt() ([]byte, error) {
	return crypto.RandomBytes(SaltLength)
}

// DeriveBackupKeys derives encryption and MAC keys from a password and salt.
func DeriveBackupKeys(password, salt []byte) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}

	masterKey := crypto.DeriveKey(password, salt)
	defer crypto.SecureWipe(masterKey)

	return splitKey(masterKey)
}

// splitKey expands one secret into independent encryption and MAC keys.
func splitKey(secret []byte) (encKey, macKey []byte, err error) {
	encKey, err = crypto.DeriveSubkey(secret, hkdfInfoEncryption)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	macKey, err = crypto.DeriveSubkey(secret, hkdfInfoMAC)
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}

	return encKey, macKey, nil
}

// EncryptPayload seals the payload with XChaCha20-Poly1305.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	blob, err := crypto.Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return blob, nil
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(blob, key []byte) ([]byte, error) {
	plaintext, err := crypto.Open(key, blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ComputeHMAC computes HMAC-SHA256 over the given data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC verifies the HMAC-SHA256 of the given data.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}

// ReadKeyFile reads a 32-byte encryption key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if len(key) != KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}

	return key, nil
}

// GenerateKeyFile writes a random 32-byte key to path with mode 0600.
func GenerateKeyFile(path string) error {
	key, err := crypto.RandomBytes(KeyLength)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}
