package credentials

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKey(t *testing.T) {
	const envVar = "TEST_NLS_ENCRYPTION_KEY"

	t.Run("valid key", func(t *testing.T) {
		t.Setenv(envVar, testEncryptionKey)

		key, err := EnvKey(envVar).Key()
		require.NoError(t, err)

		want, _ := hex.DecodeString(testEncryptionKey)
		assert.Equal(t, want, key)
	})

	t.Run("missing env var", func(t *testing.T) {
		t.Setenv(envVar, "")
		_, err := EnvKey(envVar).Key()
		assert.Error(t, err)
	})

	t.Run("invalid hex", func(t *testing.T) {
		t.Setenv(envVar, "not-valid-hex")
		_, err := EnvKey(envVar).Key()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(envVar, "0123456789abcdef")
		_, err := EnvKey(envVar).Key()
		assert.ErrorContains(t, err, "must be 32 bytes")
	})

	assert.Contains(t, EnvKey(envVar).Description(), envVar)
}

func TestPassphraseKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nls")

	p1, err := NewPassphraseKey(dir, "correct horse")
	require.NoError(t, err)
	key1, err := p1.Key()
	require.NoError(t, err)
	assert.Len(t, key1, keyLength)

	info, err := os.Stat(filepath.Join(dir, SaltFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	p2, err := NewPassphraseKey(dir, "correct horse")
	require.NoError(t, err)
	key2, err := p2.Key()
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "the stored salt is reused")

	other, err := NewPassphraseKey(dir, "battery staple")
	require.NoError(t, err)
	key3, err := other.Key()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	elsewhere, err := NewPassphraseKey(t.TempDir(), "correct horse")
	require.NoError(t, err)
	key4, err := elsewhere.Key()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key4, "a fresh salt derives a different key")

	_, err = NewPassphraseKey(dir, "")
	assert.Error(t, err)
}

// Skipped where no keyring daemon is reachable.
func TestKeyringKey_Integration(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping keyring test in CI environment")
	}

	k := &KeyringKey{}
	assert.NotEmpty(t, k.Description())
	key, err := k.Key()
	if err != nil {
		t.Skipf("Keyring not available: %v", err)
	}
	assert.Len(t, key, keyLength)

	again, err := k.Key()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestDefaultKeyProvider_WithEnvVar(t *testing.T) {
	t.Setenv(EnvEncryptionKey, testEncryptionKey)

	provider, err := DefaultKeyProvider()
	require.NoError(t, err)
	assert.Contains(t, provider.Description(), EnvEncryptionKey)

	key, err := provider.Key()
	require.NoError(t, err)
	assert.Len(t, key, keyLength)
}
