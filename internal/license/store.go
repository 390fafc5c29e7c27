package license

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"wslicense/internal/security"
	"wslicense/pkg/contracts/domain"
)

const (
	DataFileName = "licence.dat"
	KeyFileName  = "licence.key"
	lockFileName = "licence.lock"
)

// Store persists the last known licence for this installation
type Store interface {
	// Load returns the cached entry. Any failure reads as "no cached licence".
	Load() (*domain.CacheEntry, bool)
	Save(entry *domain.CacheEntry) error
	Clear() error
}

// FileStore keeps the cache entry encrypted in a data directory. The key
// file lives beside the ciphertext, which deters casual edits of the cache
// but does not protect it from a determined local user.
type FileStore struct {
	dir      string
	dataFile string
	keyFile  string
	crypto   *security.EncryptionConfig
	logger   *slog.Logger
}

// FileStoreOption configures a FileStore
type FileStoreOption func(*FileStore)

// WithEncryptionConfig overrides the key derivation parameters
func WithEncryptionConfig(cfg *security.EncryptionConfig) FileStoreOption {
	return func(s *FileStore) { s.crypto = cfg }
}

// WithStoreLogger sets the store logger
func WithStoreLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		dir:      dir,
		dataFile: filepath.Join(dir, DataFileName),
		keyFile:  filepath.Join(dir, KeyFileName),
		crypto:   security.DefaultEncryptionConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "license_store"))
	return s
}

// Load reads and decrypts the cache entry. It never returns an error:
// a missing key, unreadable file or corrupt payload all mean no licence.
func (s *FileStore) Load() (*domain.CacheEntry, bool) {
	data, err := os.ReadFile(s.dataFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read licence cache", slog.String("error", err.Error()))
		}
		return nil, false
	}

	key, err := security.LoadKey(s.keyFile)
	if err != nil {
		s.logger.Warn("Licence cache present but key unusable", slog.String("error", err.Error()))
		return nil, false
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("Licence cache is malformed", slog.String("error", err.Error()))
		return nil, false
	}

	plaintext, err := security.DecryptPayload(&payload, key, s.crypto)
	if err != nil {
		s.logger.Warn("Licence cache failed to decrypt", slog.String("error", err.Error()))
		return nil, false
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil || entry.LicenseKey == "" {
		s.logger.Warn("Licence cache content is invalid")
		return nil, false
	}
	return &entry, true
}

// Save encrypts entry and replaces the cache file atomically
func (s *FileStore) Save(entry *domain.CacheEntry) error {
	if entry == nil || entry.LicenseKey == "" {
		return errors.New("cannot save an empty licence entry")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(s.dir, lockFileName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock licence cache: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	key, err := security.LoadOrCreateKey(s.keyFile)
	if errors.Is(err, security.ErrKeyCorrupt) {
		// nothing encrypted under an unreadable key can be recovered
		s.logger.Warn("Replacing corrupt licence cache key", slog.String("error", err.Error()))
		key, err = security.CreateKey(s.keyFile)
	}
	if err != nil {
		return fmt.Errorf("load licence cache key: %w", err)
	}

	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal licence entry: %w", err)
	}
	payload, err := security.EncryptPayload(plaintext, key, s.crypto)
	if err != nil {
		return fmt.Errorf("encrypt licence entry: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal licence payload: %w", err)
	}

	if err := atomic.WriteFile(s.dataFile, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write licence cache: %w", err)
	}
	if err := os.Chmod(s.dataFile, 0o600); err != nil {
		return fmt.Errorf("chmod licence cache: %w", err)
	}

	s.logger.Debug("Licence cache saved", slog.String("license_key", MaskLicenseKey(entry.LicenseKey)))
	return nil
}

// Clear removes the cached licence. The key file is kept.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.dataFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove licence cache: %w", err)
	}
	return nil
}
