// ABOUTME: Tests for the session-to-chat mapping store
// ABOUTME: Covers command preservation, reply anchors, and the 7-day TTL

package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionChatStore(t *testing.T) *SessionChatStore {
	t.Helper()
	s, err := NewSessionChatStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	return s
}

func TestSessionChatSaveAndGet(t *testing.T) {
	s := newTestSessionChatStore(t)

	require.NoError(t, s.Save("s1", "oc_chat1", "claude --model opus"))

	entry, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "oc_chat1", entry.ChatID)
	assert.Equal(t, "claude --model opus", entry.AgentCommand)
}

func TestSessionChatSavePreservesCommand(t *testing.T) {
	s := newTestSessionChatStore(t)

	require.NoError(t, s.Save("s1", "oc_chat1", "claude --model opus"))
	require.NoError(t, s.Save("s1", "oc_chat2", ""))

	entry, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "oc_chat2", entry.ChatID)
	assert.Equal(t, "claude --model opus", entry.AgentCommand, "empty command must not clobber the recorded one")
}

func TestSessionChatLastMessageID(t *testing.T) {
	s := newTestSessionChatStore(t)

	require.NoError(t, s.Save("s1", "oc_chat1", ""))
	require.NoError(t, s.SetLastMessageID("s1", "om_123"))

	entry, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "om_123", entry.LastMessageID)

	// Re-saving the session keeps the anchor.
	require.NoError(t, s.Save("s1", "oc_chat1", ""))
	entry, err = s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "om_123", entry.LastMessageID)
}

func TestSessionChatSetLastMessageIDMissing(t *testing.T) {
	s := newTestSessionChatStore(t)

	err := s.SetLastMessageID("nope", "om_123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionChatExpiry(t *testing.T) {
	s := newTestSessionChatStore(t)

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Save("s1", "oc_chat1", ""))

	s.now = func() time.Time { return now.Add(sessionTTL + time.Hour) }

	_, err := s.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionChatCleanupExpired(t *testing.T) {
	s := newTestSessionChatStore(t)

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Save("old", "oc_old", ""))

	s.now = func() time.Time { return now.Add(sessionTTL + time.Hour) }
	require.NoError(t, s.Save("fresh", "oc_fresh", ""))

	assert.Equal(t, 1, s.CleanupExpired())

	_, err := s.Get("fresh")
	assert.NoError(t, err)
}
