package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

const (
	// RecoveryWordCount is the number of words in a recovery phrase.
	RecoveryWordCount = 12

	// recoveryEntropyBits gives 12 BIP39 words.
	recoveryEntropyBits = 128

	// recoveryKEKInfo binds the HKDF output to its purpose.
	recoveryKEKInfo = "knot-recovery-kek-v1"
)

// ErrInvalidRecoveryPhrase is returned when a phrase is not a valid 12-word
// BIP39 mnemonic (unknown word, wrong length or bad checksum).
var ErrInvalidRecoveryPhrase = errors.New("crypto: invalid recovery phrase")

// GenerateRecoveryPhrase creates a fresh 12-word recovery phrase and returns
// it together with the entropy it encodes. Callers must wipe the entropy.
func GenerateRecoveryPhrase() (phrase string, entropy []byte, err error) {
	entropy, err = bip39.NewEntropy(recoveryEntropyBits)
	if err != nil {
		return "", nil, fmt.Errorf("crypto: failed to generate entropy: %w", err)
	}
	phrase, err = bip39.NewMnemonic(entropy)
	if err != nil {
		SecureWipe(entropy)
		return "", nil, fmt.Errorf("crypto: failed to encode recovery phrase: %w", err)
	}
	return phrase, entropy, nil
}

// NormalizePhrase lowercases a phrase, applies NFKD and collapses runs of
// whitespace to single spaces.
func NormalizePhrase(phrase string) string {
	phrase = norm.NFKD.String(strings.ToLower(phrase))
	return strings.Join(strings.Fields(phrase), " ")
}

// RecoveryEntropy decodes a recovery phrase back into its entropy.
func RecoveryEntropy(phrase string) ([]byte, error) {
	phrase = NormalizePhrase(phrase)
	if len(strings.Fields(phrase)) != RecoveryWordCount {
		return nil, ErrInvalidRecoveryPhrase
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, ErrInvalidRecoveryPhrase
	}
	return entropy, nil
}

// DeriveRecoveryKEK derives the key that wraps the DEK for recovery.
func DeriveRecoveryKEK(entropy []byte) ([]byte, error) {
	return DeriveSubkey(entropy, recoveryKEKInfo)
}
