// ABOUTME: Gateway-side store mapping chat message IDs to agent sessions
// ABOUTME: Routes user replies to the backend that owns the session

package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MessageSession links a chat message back to the session it belongs to and
// the backend that can resume it.
type MessageSession struct {
	SessionID   string `json:"session_id"`
	ProjectDir  string `json:"project_dir"`
	CallbackURL string `json:"callback_url"`
	CreatedAt   int64  `json:"created_at"`
}

// MessageSessionStore persists message_id -> MessageSession in
// message_sessions.json.
type MessageSessionStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewMessageSessionStore creates the store under dataDir.
func NewMessageSessionStore(dataDir string, logger *slog.Logger) (*MessageSessionStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &MessageSessionStore{
		path:   filepath.Join(dataDir, "message_sessions.json"),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Save records the session behind a sent message.
func (s *MessageSessionStore) Save(messageID, sessionID, projectDir, callbackURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entries[messageID] = MessageSession{
		SessionID:   sessionID,
		ProjectDir:  projectDir,
		CallbackURL: callbackURL,
		CreatedAt:   s.now().Unix(),
	}

	if err := saveJSON(s.path, entries); err != nil {
		return err
	}
	s.logger.Info("saved message mapping", "message_id", messageID, "session_id", sessionID)
	return nil
}

// Get returns the mapping for messageID, or ErrNotFound when absent or
// expired. Expired entries are removed on read.
func (s *MessageSessionStore) Get(messageID string) (MessageSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entry, ok := entries[messageID]
	if !ok {
		return MessageSession{}, ErrNotFound
	}

	if s.expired(entry.CreatedAt) {
		delete(entries, messageID)
		if err := saveJSON(s.path, entries); err != nil {
			s.logger.Warn("failed to persist expiry", "error", err)
		}
		return MessageSession{}, ErrNotFound
	}
	return entry, nil
}

// CleanupExpired deletes expired entries and returns how many were removed.
func (s *MessageSessionStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	removed := 0
	for id, entry := range entries {
		if s.expired(entry.CreatedAt) {
			delete(entries, id)
			removed++
		}
	}
	if removed > 0 {
		if err := saveJSON(s.path, entries); err != nil {
			s.logger.Warn("failed to persist cleanup", "error", err)
			return 0
		}
		s.logger.Info("cleaned expired message mappings", "count", removed)
	}
	return removed
}

func (s *MessageSessionStore) expired(createdAt int64) bool {
	return s.now().Sub(time.Unix(createdAt, 0)) > sessionTTL
}

func (s *MessageSessionStore) load() map[string]MessageSession {
	entries := make(map[string]MessageSession)
	if err := loadJSON(s.path, &entries); err != nil {
		s.logger.Warn("starting with fresh message store", "error", err)
		return make(map[string]MessageSession)
	}
	return entries
}
