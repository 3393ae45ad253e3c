// Package crypto provides the cryptographic primitives used by the knot vault.
//
// Notes and key material are sealed with XChaCha20-Poly1305. Keys are derived
// from the master password with Argon2id and from recovery phrases with
// HKDF-SHA256.
//
// # Security Features
//
//   - XChaCha20-Poly1305 authenticated encryption with 192-bit random nonces
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Versioned sealed blobs: version(1) || nonce(24) || ciphertext+tag
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.RandomBytes(crypto.SaltLength)
//	kek := crypto.DeriveKey([]byte("password"), salt)
//	defer crypto.SecureWipe(kek)
//
//	blob, err := crypto.Seal(kek, dek)
//	dek, err := crypto.Open(kek, blob)
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// SaltLength is the length of password salts in bytes.
	SaltLength = 32

	// NonceLength is the length of XChaCha20-Poly1305 nonces in bytes.
	NonceLength = chacha20poly1305.NonceSizeX

	// FormatVersion is the leading byte of every sealed blob.
	FormatVersion byte = 0x01
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the blob cannot hold a version, nonce and tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrUnsupportedVersion indicates a sealed blob written by an unknown format.
	ErrUnsupportedVersion = errors.New("crypto: unsupported ciphertext version")
)

// DeriveKey derives a 256-bit key encryption key from a password using Argon2id.
//
// The salt should be SaltLength bytes of cryptographically secure random data.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// DeriveSubkey expands secret into a 32-byte key bound to info using HKDF-SHA256.
func DeriveSubkey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive subkey: %w", err)
	}
	return key, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key.
//
// The returned blob is self-contained: FormatVersion, the random nonce and
// the ciphertext with its authentication tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	blob := make([]byte, 1+NonceLength, 1+NonceLength+len(plaintext)+aead.Overhead())
	blob[0] = FormatVersion
	if _, err := rand.Read(blob[1 : 1+NonceLength]); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return aead.Seal(blob, blob[1:1+NonceLength], plaintext, nil), nil
}

// Open reverses Seal. Any tampering, a wrong key or a truncated blob yields
// ErrDecryptionFailed, ErrCiphertextTooShort or ErrUnsupportedVersion.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(blob) < 1+NonceLength+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}
	if blob[0] != FormatVersion {
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedVersion, blob[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	nonce := blob[1 : 1+NonceLength]
	plaintext, err := aead.Open(nil, nonce, blob[1+NonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b live past the loop so the stores stay.
	runtime.KeepAlive(b)
}
