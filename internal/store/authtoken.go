// ABOUTME: Backend-side store for the single auth token minted by the gateway
// ABOUTME: Single-row document, cached in memory, overwritten on re-registration

package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// authTokenRecord is the on-disk shape of auth_token.json.
type authTokenRecord struct {
	OwnerID   string `json:"owner_id"`
	AuthToken string `json:"auth_token"`
	UpdatedAt int64  `json:"updated_at"`
}

// AuthTokenStore holds the backend's registration token. The value is loaded
// once at startup and kept in memory; Save overwrites both copies.
type AuthTokenStore struct {
	path   string
	mu     sync.Mutex
	record authTokenRecord
	logger *slog.Logger
}

// NewAuthTokenStore creates the store under dataDir and loads any existing
// token from disk.
func NewAuthTokenStore(dataDir string, logger *slog.Logger) (*AuthTokenStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	s := &AuthTokenStore{
		path:   filepath.Join(dataDir, "auth_token.json"),
		logger: logger,
	}

	if err := loadJSON(s.path, &s.record); err != nil {
		logger.Warn("ignoring unreadable auth token file", "error", err)
		s.record = authTokenRecord{}
	} else if s.record.AuthToken != "" {
		logger.Info("loaded auth token from disk", "owner_id", s.record.OwnerID)
	}
	return s, nil
}

// Save stores a freshly minted token for the owner.
func (s *AuthTokenStore) Save(ownerID, authToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := authTokenRecord{
		OwnerID:   ownerID,
		AuthToken: authToken,
		UpdatedAt: time.Now().Unix(),
	}
	if err := saveJSON(s.path, record); err != nil {
		return err
	}
	s.record = record
	s.logger.Info("saved auth token", "owner_id", ownerID)
	return nil
}

// Token returns the stored token, or "" when none exists.
func (s *AuthTokenStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.AuthToken
}

// OwnerID returns the owner the stored token was minted for.
func (s *AuthTokenStore) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.OwnerID
}
