package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEncryptionKey is a fixed 32-byte key, hex-encoded.
const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NLS_CONFIG_DIR", dir)
	t.Setenv(EnvEncryptionKey, testEncryptionKey)
	t.Setenv(EnvDBPassword, "")
	t.Setenv(EnvLookupAPIKey, "")

	s, err := NewStore()
	require.NoError(t, err)
	return s, dir
}

func TestCredentialsPath(t *testing.T) {
	t.Setenv("NLS_CONFIG_DIR", "/tmp/nls-test")
	path, err := CredentialsPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/nls-test", DefaultCredentialsFile), path)

	t.Setenv("NLS_CONFIG_DIR", "")
	dir, err := CredentialsDir()
	require.NoError(t, err)
	assert.Equal(t, DefaultCredentialsDir, filepath.Base(dir))
}

func TestStore_SaveAndLoad(t *testing.T) {
	s, dir := newTestStore(t)

	require.False(t, s.Exists())
	_, err := s.Load()
	require.ErrorIs(t, err, ErrNoCredentials)

	require.NoError(t, s.Save(&Credentials{DBPassword: "hunter2", LookupAPIKey: "lk-abcdef123456"}))
	assert.True(t, s.Exists())

	raw, err := os.ReadFile(filepath.Join(dir, DefaultCredentialsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "lk-abcdef123456")

	info, err := os.Stat(filepath.Join(dir, DefaultCredentialsFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.DBPassword)
	assert.Equal(t, "lk-abcdef123456", got.LookupAPIKey)
	assert.False(t, got.LastUpdated.IsZero())

	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())
	require.NoError(t, s.Delete(), "deleting twice is fine")
}

func TestStore_EmptyFieldsStayEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(&Credentials{LookupAPIKey: "only-key"}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got.DBPassword)
	assert.Equal(t, "only-key", got.LookupAPIKey)
}

func TestStore_WrongKeyFails(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(&Credentials{DBPassword: "hunter2"}))

	t.Setenv(EnvEncryptionKey, strings.Repeat("ab", 32))
	other, err := NewStore()
	require.NoError(t, err)

	_, err = other.Load()
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestStore_Resolve(t *testing.T) {
	s, _ := newTestStore(t)

	creds, err := s.Resolve()
	require.NoError(t, err)
	assert.Empty(t, creds.DBPassword)

	require.NoError(t, s.Save(&Credentials{DBPassword: "stored", LookupAPIKey: "stored-key"}))
	t.Setenv(EnvDBPassword, "from-env")

	creds, err = s.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "from-env", creds.DBPassword)
	assert.Equal(t, "stored-key", creds.LookupAPIKey)
}

func TestCredentials_Set(t *testing.T) {
	var c Credentials
	require.NoError(t, c.Set(SecretDBPassword, "pw"))
	require.NoError(t, c.Set(SecretLookupAPIKey, "key"))
	assert.Equal(t, "pw", c.DBPassword)
	assert.Equal(t, "key", c.LookupAPIKey)

	assert.ErrorIs(t, c.Set("token", "x"), ErrUnknownSecret)
}

func TestApplyDBPassword(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		password string
		want     string
	}{
		{"adds password", "postgres://nls@db:5432/nls", "pw", "postgres://nls:pw@db:5432/nls"},
		{"keeps explicit password", "postgres://nls:own@db/nls", "pw", "postgres://nls:own@db/nls"},
		{"no user", "postgres://db/nls", "pw", "postgres://db/nls"},
		{"sqlite untouched", "sqlite:///tmp/nls.db", "pw", "sqlite:///tmp/nls.db"},
		{"empty password", "postgres://nls@db/nls", "", "postgres://nls@db/nls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyDBPassword(tt.dsn, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))

	a, err := encryptWithKey("secret", key)
	require.NoError(t, err)
	b, err := encryptWithKey("secret", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces differ")

	plain, err := decryptWithKey(a, key)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)

	_, err = decryptWithKey("!!!", key)
	assert.ErrorIs(t, err, ErrEncryptionFailed)
	_, err = decryptWithKey("c2hvcnQ=", key)
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "****", MaskCredential("abcd"))
	assert.Equal(t, "abcd********mnop", MaskCredential("abcdefghijklmnop"))
	assert.Equal(t, "lk-a*********3456", MaskCredential("lk-abcdefghij3456"))
}
