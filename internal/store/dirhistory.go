// ABOUTME: Backend-side working-directory usage history
// ABOUTME: Feeds the recent-dirs picker; capped, expired, and pruned of dead paths

package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// maxDirEntries caps how many directories the history retains.
	maxDirEntries = 20

	// dirEntryTTL is how long an unused directory stays in the history.
	dirEntryTTL = 30 * 24 * time.Hour
)

// DirUsage tracks one directory's launch statistics.
type DirUsage struct {
	Count    int   `json:"count"`
	LastUsed int64 `json:"last_used"`
}

// DirHistoryStore persists path -> DirUsage in dir_history.json.
type DirHistoryStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	// isDir is swapped in tests; defaults to an os.Stat check.
	isDir func(path string) bool
}

// NewDirHistoryStore creates the store under dataDir.
func NewDirHistoryStore(dataDir string, logger *slog.Logger) (*DirHistoryStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &DirHistoryStore{
		path:   filepath.Join(dataDir, "dir_history.json"),
		logger: logger,
		now:    time.Now,
		isDir: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && info.IsDir()
		},
	}, nil
}

// Record bumps the usage counter for projectDir and persists the pruned
// history.
func (s *DirHistoryStore) Record(projectDir string) error {
	if projectDir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	now := s.now().Unix()
	usage := entries[projectDir]
	usage.Count++
	usage.LastUsed = now
	entries[projectDir] = usage

	entries = s.prune(entries)

	if err := saveJSON(s.path, entries); err != nil {
		return err
	}
	s.logger.Info("recorded directory usage", "project_dir", projectDir)
	return nil
}

// Recent returns up to limit directories ordered by use count, then recency.
// Paths that no longer exist on disk are dropped and the cleanup persisted.
func (s *DirHistoryStore) Recent(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.prune(s.load())

	valid := make(map[string]DirUsage, len(entries))
	for path, usage := range entries {
		if s.isDir(path) {
			valid[path] = usage
		}
	}

	if len(valid) < len(entries) {
		s.logger.Info("pruning missing directories", "count", len(entries)-len(valid))
		if err := saveJSON(s.path, valid); err != nil {
			s.logger.Warn("failed to persist directory prune", "error", err)
		}
	}

	paths := make([]string, 0, len(valid))
	for path := range valid {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := valid[paths[i]], valid[paths[j]]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.LastUsed != b.LastUsed {
			return a.LastUsed > b.LastUsed
		}
		return paths[i] < paths[j]
	})

	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// prune drops expired entries and trims the table to the newest
// maxDirEntries rows.
func (s *DirHistoryStore) prune(entries map[string]DirUsage) map[string]DirUsage {
	now := s.now()
	for path, usage := range entries {
		if now.Sub(time.Unix(usage.LastUsed, 0)) > dirEntryTTL {
			delete(entries, path)
		}
	}

	if len(entries) > maxDirEntries {
		paths := make([]string, 0, len(entries))
		for path := range entries {
			paths = append(paths, path)
		}
		sort.Slice(paths, func(i, j int) bool {
			return entries[paths[i]].LastUsed > entries[paths[j]].LastUsed
		})
		for _, path := range paths[maxDirEntries:] {
			delete(entries, path)
		}
	}
	return entries
}

func (s *DirHistoryStore) load() map[string]DirUsage {
	entries := make(map[string]DirUsage)
	if err := loadJSON(s.path, &entries); err != nil {
		s.logger.Warn("starting with fresh directory history", "error", err)
		return make(map[string]DirUsage)
	}
	return entries
}
