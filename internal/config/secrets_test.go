package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolveSecret(t *testing.T) {
	t.Run("env only", func(t *testing.T) {
		t.Setenv("TEST_SECRET", "env-value")
		value, err := ResolveSecret("TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "env-value", value)
	})

	t.Run("file wins over env", func(t *testing.T) {
		t.Setenv("TEST_SECRET", "env-value")
		t.Setenv("TEST_SECRET_FILE", writeSecret(t, "file-value\n"))
		value, err := ResolveSecret("TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "file-value", value)
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		t.Setenv("TEST_SECRET_FILE", writeSecret(t, "  secret-value  \n\n"))
		value, err := ResolveSecret("TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "secret-value", value)
	})

	t.Run("empty file", func(t *testing.T) {
		t.Setenv("TEST_SECRET_FILE", writeSecret(t, ""))
		value, err := ResolveSecret("TEST_SECRET")
		require.NoError(t, err)
		assert.Empty(t, value)
	})

	t.Run("neither set", func(t *testing.T) {
		t.Setenv("TEST_SECRET", "")
		t.Setenv("TEST_SECRET_FILE", "")
		value, err := ResolveSecret("TEST_SECRET")
		require.NoError(t, err)
		assert.Empty(t, value)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("TEST_SECRET_FILE", "/nonexistent/path/to/secret")
		_, err := ResolveSecret("TEST_SECRET")
		assert.Error(t, err)
	})
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("TEST_USER", "ops")
	t.Setenv("TEST_PASS_FILE", writeSecret(t, "s3cret\n"))

	got, err := ResolveSecrets("TEST_USER", "TEST_PASS")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TEST_USER": "ops", "TEST_PASS": "s3cret"}, got)

	t.Setenv("TEST_PASS_FILE", filepath.Join(t.TempDir(), "gone"))
	_, err = ResolveSecrets("TEST_USER", "TEST_PASS")
	assert.Error(t, err)
}
