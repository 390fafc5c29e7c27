package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// KeySize is the length of the local store secret in bytes
const KeySize = 32

var (
	// ErrKeyMissing is returned by LoadKey when no key file exists
	ErrKeyMissing = errors.New("key file missing")
	// ErrKeyCorrupt is returned by LoadKey when the key file cannot be used
	ErrKeyCorrupt = errors.New("key file corrupt")
)

// LoadKey reads the hex encoded secret at path.
//
// The key sits next to the ciphertext it protects, so it deters casual
// editing of the cache but is not a security boundary.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyMissing
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrKeyCorrupt, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: has %d bytes, want %d", ErrKeyCorrupt, len(key), KeySize)
	}
	return key, nil
}

// LoadOrCreateKey returns the secret at path, generating and persisting a
// new one on first use. A corrupt key file is reported, not replaced.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyMissing) {
		return nil, err
	}
	return CreateKey(path)
}

// CreateKey generates a new secret and atomically writes it to path,
// replacing any existing key file.
func CreateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(hex.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("chmod key file: %w", err)
	}
	return key, nil
}
