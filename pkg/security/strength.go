// Package security estimates master password strength for the setup and
// password change prompts.
package security

import "unicode/utf8"

// PasswordStrength is a coarse strength level.
type PasswordStrength int

const (
	// PasswordEmpty is reported for an empty password.
	PasswordEmpty PasswordStrength = iota
	// PasswordWeak indicates a short or single-class password.
	PasswordWeak
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordStrong indicates a long password mixing character classes.
	PasswordStrong
	// PasswordVeryStrong indicates a long password using every class.
	PasswordVeryStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordEmpty:
		return ""
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordStrong:
		return "Strong"
	case PasswordVeryStrong:
		return "Very strong"
	default:
		return "Unknown"
	}
}

// Score returns the raw points behind a strength level: one point for each
// length threshold reached (8, 12, 16) and one for each character class
// present (lower, upper, digit, other).
func Score(password string) int {
	score := 0
	n := utf8.RuneCountInString(password)
	for _, threshold := range []int{8, 12, 16} {
		if n >= threshold {
			score++
		}
	}

	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			other = true
		}
	}
	for _, present := range []bool{lower, upper, digit, other} {
		if present {
			score++
		}
	}
	return score
}

// CalculatePasswordStrength maps Score onto a strength level.
func CalculatePasswordStrength(password string) PasswordStrength {
	if password == "" {
		return PasswordEmpty
	}
	switch score := Score(password); {
	case score <= 2:
		return PasswordWeak
	case score <= 4:
		return PasswordFair
	case score <= 5:
		return PasswordStrong
	default:
		return PasswordVeryStrong
	}
}
