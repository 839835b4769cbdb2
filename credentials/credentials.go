// Package credentials provides encrypted storage for the secrets the harvester
// needs at run time: the store password and the reference lookup API key.
//
// Secrets are kept in ~/.nls/credentials.yaml (or $NLS_CONFIG_DIR/credentials.yaml)
// with each value sealed by AES-256-GCM. The key comes from the system keyring,
// from NLS_ENCRYPTION_KEY, or from a passphrase (see KeyProvider).
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCredentialsDir is the directory under $HOME holding the credentials file.
	DefaultCredentialsDir = ".nls"
	// DefaultCredentialsFile is the credentials file name.
	DefaultCredentialsFile = "credentials.yaml"
	// SaltFile holds the salt of a passphrase-derived key.
	SaltFile = "credentials.salt"
)

// Environment variables that take precedence over stored secrets.
const (
	EnvDBPassword   = "NLS_DB_PASSWORD"
	EnvLookupAPIKey = "NLS_LOOKUP_API_KEY"
)

// Secret names accepted by Set.
const (
	SecretDBPassword   = "db-password"
	SecretLookupAPIKey = "lookup-key"
)

var (
	// ErrNoCredentials indicates no credentials file exists.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrEncryptionFailed indicates a seal or open failure.
	ErrEncryptionFailed = errors.New("encryption operation failed")
	// ErrUnknownSecret indicates a secret name Set does not know.
	ErrUnknownSecret = errors.New("unknown secret")
)

// Credentials holds the harvester's secrets in plaintext.
type Credentials struct {
	DBPassword   string    `yaml:"db_password,omitempty"`
	LookupAPIKey string    `yaml:"lookup_api_key,omitempty"`
	LastUpdated  time.Time `yaml:"last_updated"`
}

// Set assigns a secret by name.
func (c *Credentials) Set(name, value string) error {
	switch name {
	case SecretDBPassword:
		c.DBPassword = value
	case SecretLookupAPIKey:
		c.LookupAPIKey = value
	default:
		return fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownSecret, name, SecretDBPassword, SecretLookupAPIKey)
	}
	return nil
}

// Store reads and writes the encrypted credentials file.
type Store struct {
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
}

// NewStore creates a store using the default key provider.
func NewStore() (*Store, error) {
	provider, err := DefaultKeyProvider()
	if err != nil {
		return nil, err
	}
	return NewStoreWithKeyProvider(provider)
}

// NewStoreWithKeyProvider creates a store with a custom key provider.
func NewStoreWithKeyProvider(keyProvider KeyProvider) (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	key, err := keyProvider.Key()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}

	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// KeyDescription names where the encryption key lives.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// CredentialsDir returns the credentials directory path.
// Uses $NLS_CONFIG_DIR if set, otherwise ~/.nls
func CredentialsDir() (string, error) {
	if dir := os.Getenv("NLS_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultCredentialsDir), nil
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCredentialsFile), nil
}

// Save encrypts and writes creds.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.credentialsDir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	stored := Credentials{LastUpdated: time.Now().UTC()}
	var err error
	if stored.DBPassword, err = s.sealField(creds.DBPassword); err != nil {
		return fmt.Errorf("encrypting db password: %w", err)
	}
	if stored.LookupAPIKey, err = s.sealField(creds.LookupAPIKey); err != nil {
		return fmt.Errorf("encrypting lookup api key: %w", err)
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.WriteFile(credPath, data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads and decrypts the credentials file.
func (s *Store) Load() (*Credentials, error) {
	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)

	data, err := os.ReadFile(credPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	if creds.DBPassword, err = s.openField(creds.DBPassword); err != nil {
		return nil, fmt.Errorf("decrypting db password: %w", err)
	}
	if creds.LookupAPIKey, err = s.openField(creds.LookupAPIKey); err != nil {
		return nil, fmt.Errorf("decrypting lookup api key: %w", err)
	}
	return &creds, nil
}

// Delete removes stored credentials.
func (s *Store) Delete() error {
	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.Remove(credPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists reports whether a credentials file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.credentialsDir, DefaultCredentialsFile))
	return err == nil
}

// Resolve returns the active secrets: environment variables first, then the
// stored file. A missing file is not an error.
func (s *Store) Resolve() (*Credentials, error) {
	creds, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			return nil, err
		}
		creds = &Credentials{}
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		creds.DBPassword = v
	}
	if v := os.Getenv(EnvLookupAPIKey); v != "" {
		creds.LookupAPIKey = v
	}
	return creds, nil
}

// ApplyDBPassword sets password on a postgres:// DSN that carries a user but
// no password. Other DSNs are returned unchanged.
func ApplyDBPassword(dsn, password string) (string, error) {
	if password == "" || !(strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")) {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing store dsn: %w", err)
	}
	if u.User == nil {
		return dsn, nil
	}
	if _, set := u.User.Password(); set {
		return dsn, nil
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String(), nil
}

func (s *Store) sealField(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return encryptWithKey(plaintext, s.encryptionKey)
}

func (s *Store) openField(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return decryptWithKey(ciphertext, s.encryptionKey)
}

// encryptWithKey seals plaintext with AES-GCM, prefixing the nonce.
func encryptWithKey(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decryptWithKey(ciphertext string, key []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// MaskCredential returns a masked version of a secret for display.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:4] + strings.Repeat("*", len(cred)-8) + cred[len(cred)-4:]
}
