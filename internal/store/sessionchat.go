// ABOUTME: Backend-side store mapping agent sessions to chat conversations
// ABOUTME: Tracks per-session agent command and the latest reply anchor

package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sessionTTL is how long session mappings survive without updates.
const sessionTTL = 7 * 24 * time.Hour

// ChatSession links one agent session to its chat conversation.
type ChatSession struct {
	ChatID        string `json:"chat_id"`
	AgentCommand  string `json:"agent_command,omitempty"`
	LastMessageID string `json:"last_message_id,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// SessionChatStore persists session_id -> ChatSession in session_chats.json.
type SessionChatStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionChatStore creates the store under dataDir.
func NewSessionChatStore(dataDir string, logger *slog.Logger) (*SessionChatStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &SessionChatStore{
		path:   filepath.Join(dataDir, "session_chats.json"),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Save records the chat for a session. An empty agentCommand preserves any
// command already on record.
func (s *SessionChatStore) Save(sessionID, chatID, agentCommand string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entry := ChatSession{
		ChatID:    chatID,
		UpdatedAt: s.now().Unix(),
	}
	if agentCommand != "" {
		entry.AgentCommand = agentCommand
	} else if existing, ok := entries[sessionID]; ok {
		entry.AgentCommand = existing.AgentCommand
	}
	if existing, ok := entries[sessionID]; ok {
		entry.LastMessageID = existing.LastMessageID
	}
	entries[sessionID] = entry

	if err := saveJSON(s.path, entries); err != nil {
		return err
	}
	s.logger.Info("saved session mapping", "session_id", sessionID, "chat_id", chatID)
	return nil
}

// Get returns the session record, or ErrNotFound when absent or expired.
// Expired entries are removed on read.
func (s *SessionChatStore) Get(sessionID string) (ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entry, ok := entries[sessionID]
	if !ok {
		return ChatSession{}, ErrNotFound
	}

	if s.expired(entry.UpdatedAt) {
		delete(entries, sessionID)
		if err := saveJSON(s.path, entries); err != nil {
			s.logger.Warn("failed to persist expiry", "error", err)
		}
		return ChatSession{}, ErrNotFound
	}
	return entry, nil
}

// SetLastMessageID updates the reply anchor for a session.
func (s *SessionChatStore) SetLastMessageID(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entry, ok := entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	entry.LastMessageID = messageID
	entry.UpdatedAt = s.now().Unix()
	entries[sessionID] = entry

	return saveJSON(s.path, entries)
}

// CleanupExpired deletes expired entries and returns how many were removed.
func (s *SessionChatStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	removed := 0
	for id, entry := range entries {
		if s.expired(entry.UpdatedAt) {
			delete(entries, id)
			removed++
		}
	}
	if removed > 0 {
		if err := saveJSON(s.path, entries); err != nil {
			s.logger.Warn("failed to persist cleanup", "error", err)
			return 0
		}
		s.logger.Info("cleaned expired session mappings", "count", removed)
	}
	return removed
}

func (s *SessionChatStore) expired(updatedAt int64) bool {
	return s.now().Sub(time.Unix(updatedAt, 0)) > sessionTTL
}

func (s *SessionChatStore) load() map[string]ChatSession {
	entries := make(map[string]ChatSession)
	if err := loadJSON(s.path, &entries); err != nil {
		s.logger.Warn("starting with fresh session store", "error", err)
		return make(map[string]ChatSession)
	}
	return entries
}
