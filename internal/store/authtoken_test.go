// ABOUTME: Tests for the backend auth token store
// ABOUTME: Covers overwrite-on-save and reload from disk

package store

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthTokenStoreEmpty(t *testing.T) {
	s, err := NewAuthTokenStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	assert.Empty(t, s.Token())
	assert.Empty(t, s.OwnerID())
}

func TestAuthTokenStoreSaveOverwrites(t *testing.T) {
	s, err := NewAuthTokenStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	require.NoError(t, s.Save("ou_x", "token-one"))
	assert.Equal(t, "token-one", s.Token())

	require.NoError(t, s.Save("ou_x", "token-two"))
	assert.Equal(t, "token-two", s.Token())
	assert.Equal(t, "ou_x", s.OwnerID())
}

func TestAuthTokenStoreReload(t *testing.T) {
	dir := t.TempDir()

	first, err := NewAuthTokenStore(dir, slog.Default())
	require.NoError(t, err)
	require.NoError(t, first.Save("ou_x", "persisted"))

	second, err := NewAuthTokenStore(dir, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "persisted", second.Token())
	assert.Equal(t, "ou_x", second.OwnerID())
}
