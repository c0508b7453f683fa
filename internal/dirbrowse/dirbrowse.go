// ABOUTME: Lists subdirectories for the session-creation directory picker
// ABOUTME: Resolves symlinks, rejects relative or missing paths, hides dotfiles

package dirbrowse

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Validation errors surfaced to the caller as 400 responses.
var (
	ErrNotAbsolute   = errors.New("path must be absolute")
	ErrNotAccessible = errors.New("path not found or not accessible")
)

// Result describes one browsed directory level.
type Result struct {
	Dirs    []string `json:"dirs"`
	Parent  string   `json:"parent"`
	Current string   `json:"current"`
}

// Browse lists the visible subdirectories of path. An empty path browses the
// filesystem root. Dot-entries are skipped, returned paths are absolute and
// sorted. An unreadable directory yields an empty list rather than an error.
func Browse(path string) (Result, error) {
	if path == "" {
		path = "/"
	}
	if !filepath.IsAbs(path) {
		return Result{}, ErrNotAbsolute
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Result{}, ErrNotAccessible
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return Result{}, ErrNotAccessible
	}

	dirs := []string{}
	entries, err := os.ReadDir(resolved)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if name == "" || name[0] == '.' {
				continue
			}
			if !entry.IsDir() && !isDirSymlink(entry, resolved) {
				continue
			}
			dirs = append(dirs, filepath.Join(resolved, name))
		}
		sort.Strings(dirs)
	}

	parent := filepath.Dir(resolved)
	if resolved == "/" {
		parent = ""
	}
	return Result{Dirs: dirs, Parent: parent, Current: resolved}, nil
}

// isDirSymlink reports whether a symlink entry points at a directory.
func isDirSymlink(entry fs.DirEntry, dir string) bool {
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	return err == nil && info.IsDir()
}
