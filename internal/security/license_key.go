package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// LicenseKeyPrefix starts every key issued by the registry
const LicenseKeyPrefix = "WS-"

// GenerateLicenseKey returns a new registry key: WS- followed by 12
// upper-case hex characters.
func GenerateLicenseKey() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate licence key: %w", err)
	}
	return LicenseKeyPrefix + strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeLicenseKey trims whitespace and upper-cases a key as typed by a user
func NormalizeLicenseKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidateLicenseKeyFormat checks a normalized key contains only letters,
// digits, dashes and underscores.
func ValidateLicenseKeyFormat(key string) error {
	if len(key) < 4 || len(key) > 64 {
		return fmt.Errorf("licence key must be between 4 and 64 characters")
	}
	for _, r := range key {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return fmt.Errorf("licence key contains invalid character %q", r)
		}
	}
	return nil
}
