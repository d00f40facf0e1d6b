package secrets

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreatePath(t *testing.T) {
	assert.Equal(t, "organization_1_name", CreatePath(ScopeOrganization, "1", "name"))
	assert.Equal(t, "product_1_name", CreatePath(ScopeProduct, "1", "name"))
	assert.Equal(t, "repository_1_name", CreatePath(ScopeRepository, "1", "name"))
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets")
	store := NewFileStorage(path, zap.NewNop())

	_, ok, err := store.ReadSecret(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.WriteSecret(ctx, "repository_7_token", "s3cret"))
	require.NoError(t, store.WriteSecret(ctx, "product_1_token", "other"))

	value, ok, err := NewFileStorage(path, zap.NewNop()).ReadSecret(ctx, "repository_7_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", value)

	require.NoError(t, store.RemoveSecret(ctx, "repository_7_token"))
	require.NoError(t, store.RemoveSecret(ctx, "repository_7_token"))
	_, ok, err = store.ReadSecret(ctx, "repository_7_token")
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	require.NoError(t, err)
	assert.JSONEq(t, `{"product_1_token":"other"}`, string(decoded))
}

func TestFileStorage_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	content := base64.StdEncoding.EncodeToString([]byte(`{"organization_1_password":"pw"}`))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	value, ok, err := NewFileStorage(path, zap.NewNop()).ReadSecret(context.Background(), "organization_1_password")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pw", value)
}

func TestFileStorage_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.WriteFile(path, []byte("not base64!"), 0o600))

	_, _, err := NewFileStorage(path, zap.NewNop()).ReadSecret(context.Background(), "x")
	assert.Error(t, err)
}
