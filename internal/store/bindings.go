// ABOUTME: Gateway-side binding store mapping owner IDs to backend URLs
// ABOUTME: Enforces at most one owner per callback URL across upserts

package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound indicates the requested entry does not exist.
var ErrNotFound = errors.New("not found")

// Binding records one owner's authorized backend.
type Binding struct {
	CallbackURL   string `json:"callback_url"`
	AuthToken     string `json:"auth_token"`
	UpdatedAt     int64  `json:"updated_at"`
	RegisteredIP  string `json:"registered_ip"`
	ReplyInThread bool   `json:"reply_in_thread"`
}

// BindingStore persists owner_id -> Binding in bindings.json.
// It is owned by the gateway; the backend must reach it over HTTP only.
type BindingStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewBindingStore creates the store under dataDir, creating the directory if
// needed.
func NewBindingStore(dataDir string, logger *slog.Logger) (*BindingStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &BindingStore{
		path:   filepath.Join(dataDir, "bindings.json"),
		logger: logger,
	}, nil
}

// Get returns the binding for ownerID, or ErrNotFound.
func (s *BindingStore) Get(ownerID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	binding, ok := entries[ownerID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return binding, nil
}

// Upsert creates or replaces the binding for ownerID. Any other owner bound
// to the same callback URL is purged so a backend never answers to two owners.
func (s *BindingStore) Upsert(ownerID string, binding Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	for oid, existing := range entries {
		if oid != ownerID && existing.CallbackURL == binding.CallbackURL {
			delete(entries, oid)
			s.logger.Info("removed stale binding",
				"owner_id", oid,
				"callback_url", binding.CallbackURL,
			)
		}
	}

	binding.UpdatedAt = time.Now().Unix()
	entries[ownerID] = binding

	if err := saveJSON(s.path, entries); err != nil {
		return err
	}
	s.logger.Info("saved binding", "owner_id", ownerID, "callback_url", binding.CallbackURL)
	return nil
}

// Delete removes the binding for ownerID. Deleting a missing entry is a no-op.
func (s *BindingStore) Delete(ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	if _, ok := entries[ownerID]; !ok {
		return nil
	}
	delete(entries, ownerID)

	if err := saveJSON(s.path, entries); err != nil {
		return err
	}
	s.logger.Info("deleted binding", "owner_id", ownerID)
	return nil
}

func (s *BindingStore) load() map[string]Binding {
	entries := make(map[string]Binding)
	if err := loadJSON(s.path, &entries); err != nil {
		s.logger.Warn("starting with fresh binding store", "error", err)
		return make(map[string]Binding)
	}
	return entries
}
