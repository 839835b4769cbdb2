package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// EnvEncryptionKey holds a hex-encoded 32-byte key for CI and containers.
const EnvEncryptionKey = "NLS_ENCRYPTION_KEY"

const (
	keyringService = "nls"
	keyringUser    = "credentials-key"

	// keyLength is an AES-256 key.
	keyLength  = 32
	saltLength = 16
)

// Argon2id cost for passphrase-derived keys.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// ErrKeyringUnavailable is returned when no system keyring answers.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider supplies the key that seals the credentials file.
type KeyProvider interface {
	Key() ([]byte, error)
	// Description names where the key lives, for `nls auth status`.
	Description() string
}

// EnvKey reads a hex key from the named environment variable.
type EnvKey string

// Key implements KeyProvider.
func (e EnvKey) Key() ([]byte, error) {
	raw := os.Getenv(string(e))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", string(e))
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not hex: %w", string(e), err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", string(e), keyLength, len(key))
	}
	return key, nil
}

// Description implements KeyProvider.
func (e EnvKey) Description() string {
	return "environment (" + string(e) + ")"
}

// KeyringKey keeps a generated key in the OS keyring, creating it on first use.
type KeyringKey struct {
	mu sync.Mutex
}

// Key implements KeyProvider.
func (k *KeyringKey) Key() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	stored, err := keyring.Get(keyringService, keyringUser)
	switch {
	case err == nil:
		if key, decErr := hex.DecodeString(stored); decErr == nil && len(key) == keyLength {
			return key, nil
		}
		// A malformed entry is replaced below.
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	key, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

// Description implements KeyProvider.
func (k *KeyringKey) Description() string {
	return "system keyring (" + keyringService + ")"
}

// PassphraseKey derives the key from a passphrase with Argon2id. The salt lives
// next to the credentials file.
type PassphraseKey struct {
	passphrase string
	salt       []byte
}

// NewPassphraseKey reads the salt in dir, creating it on first use.
func NewPassphraseKey(dir, passphrase string) (*PassphraseKey, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	path := filepath.Join(dir, SaltFile)
	salt, err := os.ReadFile(path)
	switch {
	case err == nil && len(salt) > 0:
		return &PassphraseKey{passphrase: passphrase, salt: salt}, nil
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	if salt, err = randomBytes(saltLength); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return &PassphraseKey{passphrase: passphrase, salt: salt}, nil
}

// Key implements KeyProvider.
func (p *PassphraseKey) Key() ([]byte, error) {
	return argon2.IDKey([]byte(p.passphrase), p.salt, argon2Time, argon2Memory, argon2Threads, keyLength), nil
}

// Description implements KeyProvider.
func (p *PassphraseKey) Description() string {
	return "passphrase (Argon2id)"
}

// DefaultKeyProvider prefers NLS_ENCRYPTION_KEY and falls back to the keyring.
func DefaultKeyProvider() (KeyProvider, error) {
	if os.Getenv(EnvEncryptionKey) != "" {
		return EnvKey(EnvEncryptionKey), nil
	}
	k := &KeyringKey{}
	if _, err := k.Key(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("set %s or use a passphrase: %w", EnvEncryptionKey, err)
		}
		return nil, err
	}
	return k, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
