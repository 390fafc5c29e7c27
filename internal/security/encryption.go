package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// PayloadVersion is the current encrypted payload format
const PayloadVersion uint8 = 1

// ErrDecryptFailed is returned for any payload that cannot be opened
var ErrDecryptFailed = errors.New("payload decryption failed")

// EncryptionConfig defines the key derivation and cipher parameters
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost
	SCryptR      int // block size
	SCryptP      int // parallelization
	SCryptKeyLen int // 32 for AES-256
	SaltSize     int
	NonceSize    int
}

// EncryptedPayload is the on-disk envelope of the local licence cache
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM tag
	Timestamp  int64  `json:"timestamp"`
}

// DefaultEncryptionConfig returns the scrypt and AES-GCM parameters used in production
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltSize:     32,
		NonceSize:    12,
	}
}

// ValidateEncryptionConfig rejects parameters AES-256-GCM cannot use
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("SCryptR and SCryptP must be positive")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.SaltSize < 16 {
		return errors.New("SaltSize must be at least 16 bytes")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// EncryptPayload seals plaintext with a key derived from secret and a fresh salt
func EncryptPayload(plaintext, secret []byte, config *EncryptionConfig) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	salt := make([]byte, config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(secret, salt, config)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedPayload{
		Version:    PayloadVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte{PayloadVersion}),
		Timestamp:  time.Now().Unix(),
	}, nil
}

// DecryptPayload opens a payload produced by EncryptPayload. Every failure,
// including tampering, wraps ErrDecryptFailed.
func DecryptPayload(payload *EncryptedPayload, secret []byte, config *EncryptionConfig) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrDecryptFailed)
	}
	if payload.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: unsupported payload version %d", ErrDecryptFailed, payload.Version)
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if len(payload.Nonce) != config.NonceSize || len(payload.Salt) == 0 {
		return nil, fmt.Errorf("%w: malformed payload", ErrDecryptFailed)
	}

	gcm, err := newGCM(secret, payload.Salt, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, []byte{payload.Version})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newGCM(secret, salt []byte, config *EncryptionConfig) (cipher.AEAD, error) {
	key, err := scrypt.Key(secret, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
